package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/service/stats"
)

type bucketResponse struct {
	UID       int    `json:"uid"`
	State     string `json:"state"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	RxBytes   int64  `json:"rx_bytes"`
	TxBytes   int64  `json:"tx_bytes"`
	RxPackets int64  `json:"rx_packets"`
	TxPackets int64  `json:"tx_packets"`
}

func toBucketResponse(b domain.Bucket) bucketResponse {
	return bucketResponse{
		UID:       b.UID,
		State:     b.State.String(),
		Start:     b.StartTimeStamp,
		End:       b.EndTimeStamp,
		RxBytes:   b.RxBytes,
		TxBytes:   b.TxBytes,
		RxPackets: b.RxPackets,
		TxPackets: b.TxPackets,
	}
}

// parseQueryRange reads network, subscriber, start and end (milliseconds) from the query string.
func parseQueryRange(req *http.Request) (domain.QueryRange, error) {
	q := req.URL.Query()
	network, err := domain.ParseNetworkType(q.Get("network"))
	if err != nil {
		return domain.QueryRange{}, err
	}
	start, err := parseMillis(q.Get("start"), "start")
	if err != nil {
		return domain.QueryRange{}, err
	}
	end, err := parseMillis(q.Get("end"), "end")
	if err != nil {
		return domain.QueryRange{}, err
	}
	return domain.QueryRange{
		NetworkType:  network,
		SubscriberID: q.Get("subscriber"),
		StartTime:    start,
		EndTime:      end,
	}, nil
}

func parseMillis(raw, name string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s required", domain.ErrInvalidRange, name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be milliseconds since epoch", domain.ErrInvalidRange, name)
	}
	return v, nil
}

func (r *Router) handleDeviceSummary(w http.ResponseWriter, req *http.Request) {
	r.handleSingleBucket(w, req, r.stats.QuerySummaryForDevice)
}

func (r *Router) handleUserSummary(w http.ResponseWriter, req *http.Request) {
	r.handleSingleBucket(w, req, r.stats.QuerySummaryForUser)
}

func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	caller, rng, ok := r.queryInputs(w, req)
	if !ok {
		return
	}
	cursor, err := r.stats.QuerySummary(req.Context(), caller, rng)
	r.writeCursor(w, req, cursor, err)
}

func (r *Router) handleDetails(w http.ResponseWriter, req *http.Request) {
	caller, rng, ok := r.queryInputs(w, req)
	if !ok {
		return
	}
	cursor, err := r.stats.QueryDetails(req.Context(), caller, rng)
	r.writeCursor(w, req, cursor, err)
}

func (r *Router) handleDetailsForUID(w http.ResponseWriter, req *http.Request) {
	caller, rng, ok := r.queryInputs(w, req)
	if !ok {
		return
	}
	uid, err := strconv.Atoi(chi.URLParam(req, "uid"))
	if err != nil {
		r.rejectMalformed(w, req, caller, "uid must be an integer")
		return
	}
	cursor, err := r.stats.QueryDetailsForUID(req.Context(), caller, rng, uid)
	r.writeCursor(w, req, cursor, err)
}

// queryInputs resolves the caller and the query range. A malformed range is
// still handed to the service so the permission check runs first.
func (r *Router) queryInputs(w http.ResponseWriter, req *http.Request) (domain.Caller, domain.QueryRange, bool) {
	caller, ok := callerFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for stats route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return domain.Caller{}, domain.QueryRange{}, false
	}
	rng, err := parseQueryRange(req)
	if err != nil {
		r.rejectMalformed(w, req, caller, err.Error())
		return domain.Caller{}, domain.QueryRange{}, false
	}
	return caller, rng, true
}

// rejectMalformed answers a query the handler could not parse. A denied
// caller still gets 403 rather than learning what was wrong with the request.
func (r *Router) rejectMalformed(w http.ResponseWriter, req *http.Request, caller domain.Caller, msg string) {
	if err := r.access.Check(req.Context(), caller, domain.PermissionUsageAccess); err != nil {
		r.writeServiceError(w, req, usageAccessError(err))
		return
	}
	writeError(w, http.StatusBadRequest, msg)
}

func (r *Router) handleSingleBucket(w http.ResponseWriter, req *http.Request, query func(context.Context, domain.Caller, domain.QueryRange) (domain.Bucket, error)) {
	caller, rng, ok := r.queryInputs(w, req)
	if !ok {
		return
	}
	bucket, err := query(req.Context(), caller, rng)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": toBucketResponse(bucket)})
}

func (r *Router) writeCursor(w http.ResponseWriter, req *http.Request, cursor *stats.Cursor, err error) {
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer cursor.Close()

	buckets := make([]bucketResponse, 0)
	var b domain.Bucket
	for cursor.NextBucket(&b) {
		buckets = append(buckets, toBucketResponse(b))
	}
	if err := cursor.Err(); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}
