package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrPermissionDenied is returned when the server rejects a query for lack of usage access.
var ErrPermissionDenied = errors.New("usage access denied")

// Client provides typed access to the netusage API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4100"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Is lets errors.Is match ErrPermissionDenied against 403 responses.
func (e APIError) Is(target error) bool {
	return target == ErrPermissionDenied && e.Status == http.StatusForbidden
}

type request struct {
	method string
	path   string
	body   any
	token  string
}

func (c *Client) do(ctx context.Context, r request, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(r.token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(r.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Caller reflects API caller payloads.
type Caller struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	UID      int    `json:"uid"`
	User     int    `json:"user"`
	Admin    bool   `json:"admin"`
}

// TokenResponse captures the token payload emitted by the API.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Caller    Caller `json:"caller"`
}

// IssueToken exchanges caller credentials for a bearer token.
func (c *Client) IssueToken(ctx context.Context, identity, secret string) (TokenResponse, error) {
	body := map[string]string{
		"identity": identity,
		"secret":   secret,
	}
	var resp TokenResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/auth/token", body: body}, &resp); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Query scopes a usage query. Start and End are milliseconds since the epoch.
type Query struct {
	Network    string
	Subscriber string
	Start      int64
	End        int64
}

func (q Query) values() url.Values {
	v := url.Values{}
	v.Set("network", q.Network)
	if q.Subscriber != "" {
		v.Set("subscriber", q.Subscriber)
	}
	v.Set("start", strconv.FormatInt(q.Start, 10))
	v.Set("end", strconv.FormatInt(q.End, 10))
	return v
}

// Bucket is one usage record returned by stats endpoints.
type Bucket struct {
	UID       int    `json:"uid"`
	State     string `json:"state"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	RxBytes   int64  `json:"rx_bytes"`
	TxBytes   int64  `json:"tx_bytes"`
	RxPackets int64  `json:"rx_packets"`
	TxPackets int64  `json:"tx_packets"`
}

func (c *Client) single(ctx context.Context, token, path string, q Query) (Bucket, error) {
	var resp struct {
		Bucket Bucket `json:"bucket"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: path + "?" + q.values().Encode(), token: token}, &resp); err != nil {
		return Bucket{}, err
	}
	return resp.Bucket, nil
}

func (c *Client) list(ctx context.Context, token, path string, q Query) ([]Bucket, error) {
	var resp struct {
		Buckets []Bucket `json:"buckets"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: path + "?" + q.values().Encode(), token: token}, &resp); err != nil {
		return nil, err
	}
	return resp.Buckets, nil
}

// QueryDevice returns the device-wide total for the window.
func (c *Client) QueryDevice(ctx context.Context, token string, q Query) (Bucket, error) {
	return c.single(ctx, token, "/v1/stats/device", q)
}

// QueryUser returns the total for the caller's device user.
func (c *Client) QueryUser(ctx context.Context, token string, q Query) (Bucket, error) {
	return c.single(ctx, token, "/v1/stats/user", q)
}

// QuerySummary returns one bucket per active uid.
func (c *Client) QuerySummary(ctx context.Context, token string, q Query) ([]Bucket, error) {
	return c.list(ctx, token, "/v1/stats/summary", q)
}

// QueryDetails returns per-history-bucket records for every uid.
func (c *Client) QueryDetails(ctx context.Context, token string, q Query) ([]Bucket, error) {
	return c.list(ctx, token, "/v1/stats/details", q)
}

// QueryDetailsForUID returns per-history-bucket records for one uid.
func (c *Client) QueryDetailsForUID(ctx context.Context, token string, q Query, uid int) ([]Bucket, error) {
	return c.list(ctx, token, "/v1/stats/details/"+strconv.Itoa(uid), q)
}

// AppOp is the mode stored for an identity and op.
type AppOp struct {
	Identity string `json:"identity"`
	Op       string `json:"op"`
	Mode     string `json:"mode"`
	Previous string `json:"previous,omitempty"`
}

func appOpPath(identity, op string) string {
	return fmt.Sprintf("/v1/admin/appops/%s/%s", url.PathEscape(identity), url.PathEscape(op))
}

// GetAppOp reads the effective mode of op for identity.
func (c *Client) GetAppOp(ctx context.Context, token, identity, op string) (AppOp, error) {
	var resp AppOp
	if err := c.do(ctx, request{method: http.MethodGet, path: appOpPath(identity, op), token: token}, &resp); err != nil {
		return AppOp{}, err
	}
	return resp, nil
}

// SetAppOp stores mode for identity and op and reports the previous mode.
func (c *Client) SetAppOp(ctx context.Context, token, identity, op, mode string) (AppOp, error) {
	var resp AppOp
	body := map[string]string{"mode": mode}
	if err := c.do(ctx, request{method: http.MethodPut, path: appOpPath(identity, op), body: body, token: token}, &resp); err != nil {
		return AppOp{}, err
	}
	return resp, nil
}

// CreateCallerInput captures the payload for caller registration.
type CreateCallerInput struct {
	Identity string `json:"identity"`
	UID      int    `json:"uid"`
	Secret   string `json:"secret"`
	Admin    bool   `json:"admin"`
}

// CreateCaller registers a new caller.
func (c *Client) CreateCaller(ctx context.Context, token string, input CreateCallerInput) (Caller, error) {
	var caller Caller
	if err := c.do(ctx, request{method: http.MethodPost, path: "/v1/admin/callers", body: input, token: token}, &caller); err != nil {
		return Caller{}, err
	}
	return caller, nil
}
