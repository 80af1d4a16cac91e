package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueTokenAndQueryDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["identity"] != "com.example.app" || body["secret"] != "app-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "tok",
				"expires_in": 3600,
				"caller":     map[string]any{"identity": "com.example.app", "uid": 10123},
			})
		case "/v1/stats/device":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			q := r.URL.Query()
			if q.Get("network") != "wifi" || q.Get("start") != "0" || q.Get("end") != "5000" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"bucket": map[string]any{"uid": -1, "state": "all", "start": 0, "end": 5000, "rx_bytes": 100, "tx_bytes": 50},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	token, err := cli.IssueToken(context.Background(), "com.example.app", "app-secret")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if token.Token != "tok" || token.ExpiresIn != 3600 || token.Caller.UID != 10123 {
		t.Fatalf("unexpected token %+v", token)
	}
	bucket, err := cli.QueryDevice(context.Background(), token.Token, Query{Network: "wifi", Start: 0, End: 5000})
	if err != nil {
		t.Fatalf("query device: %v", err)
	}
	if bucket.UID != -1 || bucket.RxBytes != 100 || bucket.TxBytes != 50 {
		t.Fatalf("unexpected bucket %+v", bucket)
	}
}

func TestForbiddenMapsToPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"usage access denied"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.QuerySummary(context.Background(), "tok", Query{Network: "wifi", End: 10})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "usage access denied" {
		t.Fatalf("expected api error message, got %v", err)
	}
}

func TestAppOpPathsAreEscaped(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(map[string]string{"identity": "a b", "op": "GET_USAGE_STATS", "mode": "allow", "previous": "deny"})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	op, err := cli.SetAppOp(context.Background(), "tok", "a b", "GET_USAGE_STATS", "allow")
	if err != nil {
		t.Fatalf("set appop: %v", err)
	}
	if gotPath != "/v1/admin/appops/a%20b/GET_USAGE_STATS" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if op.Previous != "deny" || op.Mode != "allow" {
		t.Fatalf("unexpected appop %+v", op)
	}
}
