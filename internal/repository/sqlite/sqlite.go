package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS traffic_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    network_type INTEGER NOT NULL,
    subscriber_id TEXT NOT NULL DEFAULT '',
    uid INTEGER NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    rx_bytes INTEGER NOT NULL DEFAULT 0,
    tx_bytes INTEGER NOT NULL DEFAULT 0,
    rx_packets INTEGER NOT NULL DEFAULT 0,
    tx_packets INTEGER NOT NULL DEFAULT 0,
    ingested_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS traffic_samples_scan_idx
    ON traffic_samples (network_type, subscriber_id, uid, start_ms);
CREATE INDEX IF NOT EXISTS traffic_samples_end_idx ON traffic_samples (end_ms);

CREATE TABLE IF NOT EXISTS app_ops (
    identity TEXT NOT NULL,
    op TEXT NOT NULL,
    mode TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (identity, op)
);

CREATE TABLE IF NOT EXISTS callers (
    id TEXT PRIMARY KEY,
    identity TEXT NOT NULL UNIQUE,
    uid INTEGER NOT NULL,
    admin INTEGER NOT NULL DEFAULT 0,
    secret_hash BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
`

// Repository implements persistence interfaces on a local SQLite file.
type Repository struct {
	db *sql.DB
}

var _ repository.Store = (*Repository)(nil)

// Open creates the database file if needed and applies the schema.
func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// AppendSample inserts a traffic sample and fills in its ID.
func (r *Repository) AppendSample(ctx context.Context, sample *domain.TrafficSample) error {
	if sample == nil {
		return fmt.Errorf("traffic sample required")
	}
	if sample.IngestedAt.IsZero() {
		sample.IngestedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
        INSERT INTO traffic_samples (
            network_type, subscriber_id, uid,
            start_ms, end_ms,
            rx_bytes, tx_bytes, rx_packets, tx_packets,
            ingested_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int(sample.NetworkType), sample.SubscriberID, sample.UID,
		sample.StartMS, sample.EndMS,
		sample.RxBytes, sample.TxBytes, sample.RxPackets, sample.TxPackets,
		sample.IngestedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sample.ID = id
	return nil
}

const sampleColumns = `id, network_type, subscriber_id, uid, start_ms, end_ms,
    rx_bytes, tx_bytes, rx_packets, tx_packets, ingested_at`

// ScanSamples streams matching samples ordered by uid, start and id.
func (r *Repository) ScanSamples(ctx context.Context, filter repository.SampleFilter) (repository.SampleIterator, error) {
	var (
		clauses = []string{
			"network_type = ?",
			"subscriber_id = ?",
			"start_ms < ?",
			"(end_ms > ? OR (end_ms = start_ms AND start_ms >= ?))",
		}
		args = []any{int(filter.NetworkType), filter.SubscriberID, filter.EndTime, filter.StartTime, filter.StartTime}
	)
	if filter.UID != nil {
		clauses = append(clauses, "uid = ?")
		args = append(args, *filter.UID)
	}
	if filter.UserID != nil {
		lo, hi := domain.UserUIDRange(*filter.UserID)
		clauses = append(clauses, "uid >= ? AND uid < ?")
		args = append(args, lo, hi)
	}
	query := "SELECT " + sampleColumns + " FROM traffic_samples WHERE " +
		strings.Join(clauses, " AND ") + " ORDER BY uid, start_ms, id"
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &rowsIterator{rows: rows}, nil
}

// ExpiredSamples returns samples that ended before the cutoff in id order.
func (r *Repository) ExpiredSamples(ctx context.Context, endedBefore int64) ([]domain.TrafficSample, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+sampleColumns+" FROM traffic_samples WHERE end_ms < ? ORDER BY id", endedBefore)
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

// deleteChunk stays below SQLite's bound parameter limit.
const deleteChunk = 500

// DeleteSamples removes samples by id in a single transaction.
func (r *Repository) DeleteSamples(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var deleted int64
	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		res, err := tx.ExecContext(ctx, "DELETE FROM traffic_samples WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += n
	}
	return deleted, tx.Commit()
}

// CountSamples returns the number of stored samples.
func (r *Repository) CountSamples(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traffic_samples`).Scan(&count)
	return count, err
}

// GetPermission returns the stored mode for identity and kind.
func (r *Repository) GetPermission(ctx context.Context, identity string, kind domain.PermissionKind) (domain.PermissionMode, bool, error) {
	var mode string
	err := r.db.QueryRowContext(ctx, `SELECT mode FROM app_ops WHERE identity = ? AND op = ?`, identity, string(kind)).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return domain.PermissionMode(mode), true, nil
}

// SetPermission upserts the mode inside an immediate transaction and returns the previous value.
func (r *Repository) SetPermission(ctx context.Context, identity string, kind domain.PermissionKind, mode domain.PermissionMode) (domain.PermissionMode, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var previous string
	existed := true
	err = tx.QueryRowContext(ctx, `SELECT mode FROM app_ops WHERE identity = ? AND op = ?`, identity, string(kind)).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		existed = false
	} else if err != nil {
		return "", false, err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO app_ops (identity, op, mode, updated_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (identity, op) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		identity, string(kind), string(mode), time.Now().UnixMilli())
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return domain.PermissionMode(previous), existed, nil
}

// CreateCaller inserts a caller.
func (r *Repository) CreateCaller(ctx context.Context, caller *domain.Caller) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM callers WHERE identity = ?`, caller.Identity).Scan(&exists)
	if err == nil {
		return repository.ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO callers (id, identity, uid, admin, secret_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		caller.ID, caller.Identity, caller.UID, caller.Admin, caller.SecretHash, caller.CreatedAt.UnixMilli())
	return err
}

// GetCallerByIdentity fetches a caller by identity.
func (r *Repository) GetCallerByIdentity(ctx context.Context, identity string) (*domain.Caller, error) {
	var (
		c         domain.Caller
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `
        SELECT id, identity, uid, admin, secret_hash, created_at
        FROM callers WHERE identity = ?`, identity).
		Scan(&c.ID, &c.Identity, &c.UID, &c.Admin, &c.SecretHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &c, nil
}

// Ping verifies the database file is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

func scanSample(rows *sql.Rows) (domain.TrafficSample, error) {
	var (
		s           domain.TrafficSample
		networkType int
		ingestedAt  int64
	)
	err := rows.Scan(
		&s.ID, &networkType, &s.SubscriberID, &s.UID,
		&s.StartMS, &s.EndMS,
		&s.RxBytes, &s.TxBytes, &s.RxPackets, &s.TxPackets,
		&ingestedAt,
	)
	s.NetworkType = domain.NetworkType(networkType)
	s.IngestedAt = time.UnixMilli(ingestedAt).UTC()
	return s, err
}

type rowsIterator struct {
	rows *sql.Rows
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
	return it.rows.Close()
}
