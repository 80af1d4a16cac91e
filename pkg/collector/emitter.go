// Package collector pushes traffic samples to the netusage ingestion endpoint.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultBatchSize = 500
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the collector token.
var ErrUnauthorized = errors.New("collector unauthorized")

// ErrInvalidSample indicates the API rejected the batch with validation errors.
var ErrInvalidSample = errors.New("collector invalid sample")

// ErrUnavailable indicates the API could not store the batch.
var ErrUnavailable = errors.New("collector ingestion unavailable")

// Sample is one traffic delta as accepted by POST /v1/samples.
type Sample struct {
	Network      string `json:"network"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	UID          int    `json:"uid"`
	Start        int64  `json:"start"`
	End          int64  `json:"end"`
	RxBytes      int64  `json:"rx_bytes"`
	TxBytes      int64  `json:"tx_bytes"`
	RxPackets    int64  `json:"rx_packets"`
	TxPackets    int64  `json:"tx_packets"`
}

// Emitter sends sample batches to the netusage API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewEmitter creates an emitter using the API base URL and shared collector token.
func NewEmitter(baseURL, collectorToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("collector base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(collectorToken),
		client:  client,
	}, nil
}

// Emit posts samples as one batch and returns how many the API stored.
func (e *Emitter) Emit(ctx context.Context, samples []Sample) (int, error) {
	if e == nil {
		return 0, errors.New("collector emitter not initialised")
	}
	if len(samples) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(samples)
	if err != nil {
		return 0, fmt.Errorf("marshal samples: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/samples", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Collector-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send ingest request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, errorForStatus(resp)
	}
	var payload struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode ingest response: %w", err)
	}
	return payload.Accepted, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrInvalidSample, summary)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	default:
		return fmt.Errorf("ingest request failed: %s", summary)
	}
}

// Buffer accumulates samples and emits them in batches of a fixed size.
// It is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	emitter *Emitter
	size    int
	pending []Sample
	sent    int
}

// NewBuffer wraps emitter; size <= 0 picks the default batch size.
func NewBuffer(emitter *Emitter, size int) *Buffer {
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Buffer{emitter: emitter, size: size}
}

// Add queues a sample, emitting the pending batch once it is full.
func (b *Buffer) Add(ctx context.Context, sample Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, sample)
	if len(b.pending) < b.size {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush emits whatever is pending.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Sent reports how many samples the API has accepted so far.
func (b *Buffer) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// flushLocked keeps the batch pending on failure so a later Flush can retry it.
func (b *Buffer) flushLocked(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	n, err := b.emitter.Emit(ctx, b.pending)
	if err != nil {
		return err
	}
	b.sent += n
	b.pending = b.pending[:0]
	return nil
}
