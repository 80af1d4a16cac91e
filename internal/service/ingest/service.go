package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
	"github.com/splax/netusage/internal/ws"
)

const (
	defaultRetention  = 90 * 24 * time.Hour
	defaultSweepEvery = 10 * time.Minute
)

var (
	// ErrEmptyBatch is returned when a batch carries no samples.
	ErrEmptyBatch = errors.New("no samples provided")
	// ErrInvalidSample wraps every validation failure of a collector sample.
	ErrInvalidSample = errors.New("invalid sample")
)

// Archiver persists pruned samples before they are discarded.
type Archiver interface {
	WriteSegment(samples []domain.TrafficSample) (string, error)
}

// Options tunes retention and side channels. Zero values pick defaults.
type Options struct {
	Retention  time.Duration
	SweepEvery time.Duration
	Archiver   Archiver
	Metrics    *Metrics
}

// Service accepts collector samples, enforces retention, and feeds live streams.
type Service struct {
	repo       repository.SampleRepository
	hub        *ws.Hub
	archiver   Archiver
	metrics    *Metrics
	retention  time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time
	once       sync.Once
}

// New constructs an ingestion service. hub may be nil to disable live streams.
func New(repo repository.SampleRepository, hub *ws.Hub, logger *slog.Logger, opts Options) *Service {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		hub:        hub,
		archiver:   opts.Archiver,
		metrics:    opts.Metrics,
		retention:  opts.Retention,
		sweepEvery: opts.SweepEvery,
		logger:     logger.With("component", "ingest"),
		now:        time.Now,
	}
}

// Ingest validates and appends one sample, then broadcasts it.
func (s *Service) Ingest(ctx context.Context, sample domain.TrafficSample) (domain.TrafficSample, error) {
	sample = s.prepare(sample)
	if err := sample.Validate(); err != nil {
		s.metrics.observeRejected()
		return domain.TrafficSample{}, fmt.Errorf("%w: %w", ErrInvalidSample, err)
	}
	if err := s.repo.AppendSample(ctx, &sample); err != nil {
		return domain.TrafficSample{}, fmt.Errorf("append sample: %w", err)
	}
	s.metrics.observeSample(sample.NetworkType.String(), sample.RxBytes, sample.TxBytes)
	s.broadcast(sample)
	return sample, nil
}

// IngestBatch validates every sample before appending any, then appends them
// in order. It returns how many samples were stored.
func (s *Service) IngestBatch(ctx context.Context, samples []domain.TrafficSample) (int, error) {
	if len(samples) == 0 {
		return 0, ErrEmptyBatch
	}
	prepared := make([]domain.TrafficSample, len(samples))
	for i, sample := range samples {
		prepared[i] = s.prepare(sample)
		if err := prepared[i].Validate(); err != nil {
			s.metrics.observeRejected()
			return 0, fmt.Errorf("%w %d: %w", ErrInvalidSample, i, err)
		}
	}
	for i := range prepared {
		if err := s.repo.AppendSample(ctx, &prepared[i]); err != nil {
			return i, fmt.Errorf("append sample %d: %w", i, err)
		}
		s.metrics.observeSample(prepared[i].NetworkType.String(), prepared[i].RxBytes, prepared[i].TxBytes)
		s.broadcast(prepared[i])
	}
	return len(prepared), nil
}

func (s *Service) prepare(sample domain.TrafficSample) domain.TrafficSample {
	sample.ID = 0
	sample.SubscriberID = domain.NormalizeSubscriber(sample.NetworkType, sample.SubscriberID)
	sample.IngestedAt = s.now().UTC()
	return sample
}

// Run prunes expired samples every sweep interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.once.Do(func() {
		s.logger.Info("retention sweeper started", "retention", s.retention, "interval", s.sweepEvery)
	})
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes samples whose end is older than the retention window. With an
// archiver configured the expired samples are written to a segment first and
// nothing is deleted when that write fails.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention).UnixMilli()
	expired, err := s.repo.ExpiredSamples(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired samples: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	archived := 0
	if s.archiver != nil {
		path, err := s.archiver.WriteSegment(expired)
		if err != nil {
			s.metrics.observeArchiveFailure()
			return 0, fmt.Errorf("archive %d expired samples: %w", len(expired), err)
		}
		archived = len(expired)
		s.logger.Info("archived expired samples", "path", path, "count", archived)
	}
	ids := make([]int64, len(expired))
	for i, sample := range expired {
		ids[i] = sample.ID
	}
	deleted, err := s.repo.DeleteSamples(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete expired samples: %w", err)
	}
	s.metrics.observeSweep(int(deleted), archived)
	s.logger.Info("pruned expired samples", "count", deleted, "cutoff_ms", cutoff)
	return int(deleted), nil
}

// Hub exposes the live stream hub.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) broadcast(sample domain.TrafficSample) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalSample(sample)
	if err != nil {
		s.logger.Warn("failed to marshal sample", "error", err)
		return
	}
	s.hub.Broadcast(ws.StreamKey(sample.UID), payload)
	s.hub.Broadcast(ws.AllStream, payload)
}

// MarshalSample encodes a sample for SSE/WebSocket clients.
func MarshalSample(sample domain.TrafficSample) ([]byte, error) {
	payload := map[string]any{
		"id":          sample.ID,
		"network":     sample.NetworkType.String(),
		"uid":         sample.UID,
		"start":       sample.StartMS,
		"end":         sample.EndMS,
		"rx_bytes":    sample.RxBytes,
		"tx_bytes":    sample.TxBytes,
		"rx_packets":  sample.RxPackets,
		"tx_packets":  sample.TxPackets,
		"ingested_at": sample.IngestedAt.UTC().Format(time.RFC3339Nano),
	}
	if sample.SubscriberID != "" {
		payload["subscriber_id"] = sample.SubscriberID
	}
	return json.Marshal(payload)
}
