package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/service/ingest"
)

const maxIngestBody = 4 << 20

type samplePayload struct {
	Network      string `json:"network"`
	SubscriberID string `json:"subscriber_id"`
	UID          int    `json:"uid"`
	Start        int64  `json:"start"`
	End          int64  `json:"end"`
	RxBytes      int64  `json:"rx_bytes"`
	TxBytes      int64  `json:"tx_bytes"`
	RxPackets    int64  `json:"rx_packets"`
	TxPackets    int64  `json:"tx_packets"`
}

func (p samplePayload) toSample() (domain.TrafficSample, error) {
	network, err := domain.ParseNetworkType(p.Network)
	if err != nil {
		return domain.TrafficSample{}, err
	}
	return domain.TrafficSample{
		NetworkType:  network,
		SubscriberID: p.SubscriberID,
		UID:          p.UID,
		StartMS:      p.Start,
		EndMS:        p.End,
		RxBytes:      p.RxBytes,
		TxBytes:      p.TxBytes,
		RxPackets:    p.RxPackets,
		TxPackets:    p.TxPackets,
	}, nil
}

// handleIngest accepts a single sample object or an array of them.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxIngestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if len(body) > maxIngestBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	trimmed := bytes.TrimSpace(body)

	var payloads []samplePayload
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &payloads)
	} else {
		var single samplePayload
		err = json.Unmarshal(trimmed, &single)
		payloads = []samplePayload{single}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	samples := make([]domain.TrafficSample, 0, len(payloads))
	for _, p := range payloads {
		s, err := p.toSample()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples = append(samples, s)
	}
	accepted, err := r.ingest.IngestBatch(req.Context(), samples)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidSample) || errors.Is(err, ingest.ErrEmptyBatch) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.logger.Error("sample ingestion failed", "error", err, "accepted", accepted)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "sample store unavailable",
			"accepted": accepted,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}
