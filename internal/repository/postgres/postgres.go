package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SampleRepository     = (*Repository)(nil)
	_ repository.PermissionRepository = (*Repository)(nil)
	_ repository.CallerRepository     = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

// AppendSample inserts a traffic sample and fills in its ID.
func (r *Repository) AppendSample(ctx context.Context, sample *domain.TrafficSample) error {
	if sample == nil {
		return fmt.Errorf("traffic sample required")
	}
	if sample.IngestedAt.IsZero() {
		sample.IngestedAt = time.Now().UTC()
	}
	const query = `INSERT INTO traffic_samples (
		network_type,
		subscriber_id,
		uid,
		start_ms,
		end_ms,
		rx_bytes,
		tx_bytes,
		rx_packets,
		tx_packets,
		ingested_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING id`
	return r.pool.QueryRow(ctx, query,
		int(sample.NetworkType),
		sample.SubscriberID,
		sample.UID,
		sample.StartMS,
		sample.EndMS,
		sample.RxBytes,
		sample.TxBytes,
		sample.RxPackets,
		sample.TxPackets,
		sample.IngestedAt,
	).Scan(&sample.ID)
}

// ScanSamples streams matching samples ordered by uid, start and id.
func (r *Repository) ScanSamples(ctx context.Context, filter repository.SampleFilter) (repository.SampleIterator, error) {
	uidFrom, uidTo := uidBounds(filter)
	const query = `SELECT
		id,
		network_type,
		subscriber_id,
		uid,
		start_ms,
		end_ms,
		rx_bytes,
		tx_bytes,
		rx_packets,
		tx_packets,
		ingested_at
	FROM traffic_samples
	WHERE network_type = $1
		AND subscriber_id = $2
		AND start_ms < $4
		AND (end_ms > $3 OR (end_ms = start_ms AND start_ms >= $3))
		AND uid >= $5 AND uid < $6
	ORDER BY uid, start_ms, id`
	rows, err := r.pool.Query(ctx, query,
		int(filter.NetworkType),
		filter.SubscriberID,
		filter.StartTime,
		filter.EndTime,
		uidFrom,
		uidTo,
	)
	if err != nil {
		return nil, err
	}
	return &rowsIterator{rows: rows}, nil
}

// ExpiredSamples returns samples that ended before the cutoff in id order.
func (r *Repository) ExpiredSamples(ctx context.Context, endedBefore int64) ([]domain.TrafficSample, error) {
	const query = `SELECT id, network_type, subscriber_id, uid, start_ms, end_ms,
		rx_bytes, tx_bytes, rx_packets, tx_packets, ingested_at
	FROM traffic_samples
	WHERE end_ms < $1
	ORDER BY id`
	rows, err := r.pool.Query(ctx, query, endedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	expired := make([]domain.TrafficSample, 0)
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, s)
	}
	return expired, rows.Err()
}

// DeleteSamples removes samples by id.
func (r *Repository) DeleteSamples(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM traffic_samples WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountSamples returns the number of stored samples.
func (r *Repository) CountSamples(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM traffic_samples`).Scan(&count)
	return count, err
}

// GetPermission returns the stored mode for identity and kind.
func (r *Repository) GetPermission(ctx context.Context, identity string, kind domain.PermissionKind) (domain.PermissionMode, bool, error) {
	const query = `SELECT mode FROM app_ops WHERE identity = $1 AND op = $2`
	var mode string
	if err := r.pool.QueryRow(ctx, query, identity, string(kind)).Scan(&mode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return domain.PermissionMode(mode), true, nil
}

// SetPermission upserts the mode inside a transaction and returns the previous value.
func (r *Repository) SetPermission(ctx context.Context, identity string, kind domain.PermissionKind, mode domain.PermissionMode) (domain.PermissionMode, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback(ctx)

	var (
		previous string
		existed  = true
	)
	err = tx.QueryRow(ctx, `SELECT mode FROM app_ops WHERE identity = $1 AND op = $2 FOR UPDATE`, identity, string(kind)).Scan(&previous)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, err
		}
		existed = false
	}
	const upsert = `INSERT INTO app_ops (identity, op, mode, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (identity, op) DO UPDATE SET mode = EXCLUDED.mode, updated_at = NOW()`
	if _, err := tx.Exec(ctx, upsert, identity, string(kind), string(mode)); err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return domain.PermissionMode(previous), existed, nil
}

// CreateCaller inserts a caller.
func (r *Repository) CreateCaller(ctx context.Context, caller *domain.Caller) error {
	const query = `INSERT INTO callers (id, identity, uid, admin, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, caller.ID, caller.Identity, caller.UID, caller.Admin, caller.SecretHash, caller.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

// GetCallerByIdentity fetches a caller by identity.
func (r *Repository) GetCallerByIdentity(ctx context.Context, identity string) (*domain.Caller, error) {
	const query = `SELECT id, identity, uid, admin, secret_hash, created_at FROM callers WHERE identity = $1`
	var c domain.Caller
	if err := r.pool.QueryRow(ctx, query, identity).Scan(&c.ID, &c.Identity, &c.UID, &c.Admin, &c.SecretHash, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// uidBounds turns the uid/user filters into a half-open uid interval.
func uidBounds(filter repository.SampleFilter) (int64, int64) {
	lo, hi := int64(-1<<31), int64(1<<31)
	if filter.UserID != nil {
		ulo, uhi := domain.UserUIDRange(*filter.UserID)
		lo, hi = int64(ulo), int64(uhi)
	}
	if filter.UID != nil {
		uid := int64(*filter.UID)
		if uid < lo || uid >= hi {
			return 0, 0
		}
		lo, hi = uid, uid+1
	}
	return lo, hi
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (domain.TrafficSample, error) {
	var (
		s           domain.TrafficSample
		networkType int
	)
	err := row.Scan(
		&s.ID,
		&networkType,
		&s.SubscriberID,
		&s.UID,
		&s.StartMS,
		&s.EndMS,
		&s.RxBytes,
		&s.TxBytes,
		&s.RxPackets,
		&s.TxPackets,
		&s.IngestedAt,
	)
	s.NetworkType = domain.NetworkType(networkType)
	return s, err
}

type rowsIterator struct {
	rows pgx.Rows
	err  error
}

func (it *rowsIterator) Next(sample *domain.TrafficSample) bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	s, err := scanSample(it.rows)
	if err != nil {
		it.err = err
		it.rows.Close()
		return false
	}
	*sample = s
	return true
}

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error {
	it.rows.Close()
	return nil
}
