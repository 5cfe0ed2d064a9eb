package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/mapper"
	"github.com/Guizzs26/go-outbox-relay/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
    id                 UUID PRIMARY KEY,
    record_id          TEXT        NOT NULL,
    entity_name        TEXT        NOT NULL,
    name               TEXT        NOT NULL,
    serialized_context TEXT        NOT NULL,
    message_id         TEXT,
    sent_on            TIMESTAMPTZ,
    processed_on       TIMESTAMPTZ,
    status             INTEGER     NOT NULL DEFAULT 1,
    created_on         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_entries_record_status ON outbox_entries (record_id, status);

CREATE TABLE IF NOT EXISTS workflows (
    id          UUID PRIMARY KEY,
    name        TEXT        NOT NULL DEFAULT '',
    state_code  INTEGER     NOT NULL DEFAULT 0,
    status_code INTEGER     NOT NULL DEFAULT 1,
    modified_on TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Applies every state change in one round trip. Rows that are missing or
// locked by a concurrent writer are left out of RETURNING and reported as failed items.
const applyStateChangesQuery = `
WITH input AS (
    SELECT t.id::uuid AS id, t.active, t.idx
    FROM unnest($1::text[], $2::bool[], $3::int[]) AS t(id, active, idx)
), locked AS (
    SELECT w.id FROM workflows w JOIN input i ON i.id = w.id
    FOR UPDATE OF w SKIP LOCKED
)
UPDATE workflows w
SET state_code  = CASE WHEN i.active THEN 1 ELSE 0 END,
    status_code = CASE WHEN i.active THEN 2 ELSE 1 END,
    modified_on = CURRENT_TIMESTAMP
FROM input i
WHERE w.id = i.id AND w.id IN (SELECT id FROM locked)
RETURNING i.idx
`

// PostgresStore is the outbox store and host batch target backed by PostgreSQL
type PostgresStore struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
	timeout time.Duration
}

func NewPostgresStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("Connected to Postgres successfully")

	return &PostgresStore{
		pool:    p,
		builder: mapper.NewSQLBuilder(mapper.Postgres),
		logger:  logger,
		timeout: defaultTimeout,
	}, nil
}

// EnsureSchema creates the outbox and workflow tables when missing
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.pool.Exec(opCtx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply outbox schema: %w", err)
	}
	return nil
}

// Create inserts an entry outside of any host transaction
func (r *PostgresStore) Create(ctx context.Context, e *models.Entry) (string, error) {
	var id string
	err := r.WithinTx(ctx, func(tx *PostgresTx) error {
		var err error
		id, err = tx.CreateEntry(ctx, e)
		return err
	})
	return id, err
}

// WithinTx runs fn in a transaction. Entries created through the PostgresTx share
// the fate of every other statement fn runs on it
func (r *PostgresStore) WithinTx(ctx context.Context, fn func(tx *PostgresTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback(ctx)

	if err := fn(&PostgresTx{Tx: tx, builder: r.builder}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Retrieve loads one entry with the requested columns (all when none are given)
func (r *PostgresStore) Retrieve(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("outbox id %q: %w", id, ErrEntryNotFound)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cols = projection(cols)
	query, args, err := r.builder.BuildSelect(outboxTable, columnNames(cols),
		[]mapper.Condition{{Column: string(models.ColumnID), Value: id}}, "", 0)
	if err != nil {
		return nil, err
	}

	scan, err := newEntryScan(cols)
	if err != nil {
		return nil, err
	}
	if err := r.pool.QueryRow(opCtx, query, args...).Scan(scan.dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("outbox id %s: %w", id, ErrEntryNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve outbox entry %s: %w", id, err)
	}

	entry := scan.apply()
	if entry.ID == "" {
		entry.ID = id
	}
	return &entry, nil
}

// Update applies a partial patch. Status changes never move an entry backwards
func (r *PostgresStore) Update(ctx context.Context, id string, patch models.Patch) error {
	data := patch.Columns()
	if len(data) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := r.builder.BuildUpdate(outboxTable, string(models.ColumnID), id, data, statusGuard(patch)...)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(opCtx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(opCtx, `SELECT EXISTS (SELECT 1 FROM outbox_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check outbox entry %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("outbox id %s: %w", id, ErrEntryNotFound)
	}
	return fmt.Errorf("outbox id %s to %s: %w", id, patch.Status, ErrStatusRegression)
}

// Query lists entries matching the filter, oldest first
func (r *PostgresStore) Query(ctx context.Context, f models.Filter) ([]models.Entry, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := r.builder.BuildSelect(outboxTable, columnNames(models.AllColumns),
		filterConditions(f), string(models.ColumnCreatedOn), f.Limit)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		scan, err := newEntryScan(models.AllColumns)
		if err != nil {
			return nil, err
		}
		if err := rows.Scan(scan.dest...); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entries = append(entries, scan.apply())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}

	return entries, nil
}

// ListenCreated blocks and calls fn with the id of every entry whose creating
// transaction committed. It returns when ctx ends or the connection fails
func (r *PostgresStore) ListenCreated(ctx context.Context, fn func(ctx context.Context, id string)) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}
	r.logger.Info("Listening for committed outbox entries", "channel", notifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("notification wait failed: %w", err)
		}
		fn(ctx, n.Payload)
	}
}

// ExecuteStateChanges applies all changes in a single statement and reports
// one result per change, in request order
func (r *PostgresStore) ExecuteStateChanges(ctx context.Context, changes []models.StateChange) ([]models.ItemResult, error) {
	results := make([]models.ItemResult, len(changes))
	ids := make([]string, 0, len(changes))
	actives := make([]bool, 0, len(changes))
	idxs := make([]int32, 0, len(changes))

	for i, c := range changes {
		results[i] = models.ItemResult{Index: i, Err: ErrTargetUnavailable}
		if _, err := uuid.Parse(c.TargetID); err != nil {
			results[i].Err = fmt.Errorf("%s: %w", c.TargetID, ErrInvalidTargetID)
			continue
		}
		ids = append(ids, c.TargetID)
		actives = append(actives, c.Active)
		idxs = append(idxs, int32(i))
	}
	if len(ids) == 0 {
		return results, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.pool.Query(opCtx, applyStateChangesQuery, ids, actives, idxs)
	if err != nil {
		return nil, fmt.Errorf("state change batch failed: %w", err)
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("state change batch failed: %w", err)
	}

	for _, idx := range applied {
		if int(idx) < len(results) {
			results[idx].Err = nil
		}
	}
	return results, nil
}

func (r *PostgresStore) Close() {
	r.logger.Info("Closing Postgres connection pool")
	r.pool.Close()
}

// PostgresTx is the host write transaction handed to the producer.
// Hosts run their own mutation on the embedded pgx.Tx
type PostgresTx struct {
	pgx.Tx
	builder *mapper.SQLBuilder
}

// CreateEntry inserts the entry and queues a notification that is only
// delivered if the surrounding transaction commits
func (t *PostgresTx) CreateEntry(ctx context.Context, e *models.Entry) (string, error) {
	prepareEntry(e)

	query, args, err := t.builder.BuildInsert(outboxTable, insertColumns(e))
	if err != nil {
		return "", err
	}
	if _, err := t.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	if _, err := t.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, e.ID); err != nil {
		return "", fmt.Errorf("failed to queue outbox notification: %w", err)
	}
	return e.ID, nil
}

// prepareEntry assigns the store-owned fields of a new entry
func prepareEntry(e *models.Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == 0 {
		e.Status = models.StatusCreated
	}
	if e.CreatedOn.IsZero() {
		e.CreatedOn = time.Now().UTC()
	}
}
