package httpx

import (
	"encoding/json"
	"net/http"
)

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Identity string `json:"identity"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, token, err := r.auth.IssueToken(req.Context(), payload.Identity, payload.Secret)
	if err != nil {
		if statusFor(err) == http.StatusUnauthorized {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token.AccessToken,
		"expires_in": int64(token.ExpiresIn.Seconds()),
		"caller":     callerResponse(*caller),
	})
}
