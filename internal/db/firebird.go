package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/mapper"
	"github.com/Guizzs26/go-outbox-relay/internal/models"

	_ "github.com/nakagami/firebirdsql"
)

// Firebird has no CREATE TABLE IF NOT EXISTS; EnsureSchema checks RDB$RELATIONS
// and runs these one statement at a time
var firebirdSchema = []string{
	`CREATE TABLE OUTBOX_ENTRIES (
    ID                 VARCHAR(36)  NOT NULL PRIMARY KEY,
    RECORD_ID          VARCHAR(64)  NOT NULL,
    ENTITY_NAME        VARCHAR(128) NOT NULL,
    NAME               VARCHAR(400) NOT NULL,
    SERIALIZED_CONTEXT BLOB SUB_TYPE TEXT NOT NULL,
    MESSAGE_ID         VARCHAR(128),
    SENT_ON            TIMESTAMP,
    PROCESSED_ON       TIMESTAMP,
    STATUS             INTEGER DEFAULT 1 NOT NULL,
    CREATED_ON         TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IDX_OUTBOX_ENTRIES_RECORD_STATUS ON OUTBOX_ENTRIES (RECORD_ID, STATUS)`,
}

// FirebirdStore keeps the outbox for hosts whose transactional database is Firebird.
// OUTBOX_ENTRIES mirrors the Postgres layout with VARCHAR(36) ids and BLOB SUB_TYPE TEXT context.
type FirebirdStore struct {
	db      *sql.DB
	builder *mapper.SQLBuilder
	logger  *slog.Logger
	timeout time.Duration
}

// NewFirebirdStore initializes a connection pool for Firebird
func NewFirebirdStore(connString string, logger *slog.Logger) (*FirebirdStore, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %w", err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	logger.Info("Connected to Firebird successfully", "dialect", 3)

	return &FirebirdStore{
		db:      db,
		builder: mapper.NewSQLBuilder(mapper.Firebird),
		logger:  logger,
		timeout: defaultTimeout,
	}, nil
}

// EnsureSchema creates OUTBOX_ENTRIES and its index when the table is missing
func (r *FirebirdStore) EnsureSchema(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.QueryRowContext(opCtx,
		`SELECT COUNT(*) FROM RDB$RELATIONS WHERE RDB$RELATION_NAME = ?`, strings.ToUpper(outboxTable)).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect firebird schema: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, stmt := range firebirdSchema {
		if _, err := r.db.ExecContext(opCtx, stmt); err != nil {
			return fmt.Errorf("failed to apply outbox schema: %w", err)
		}
	}
	r.logger.Info("Created Firebird outbox schema", "table", strings.ToUpper(outboxTable))
	return nil
}

// Create inserts an entry in its own transaction
func (r *FirebirdStore) Create(ctx context.Context, e *models.Entry) (string, error) {
	var id string
	err := r.WithinTx(ctx, func(tx *FirebirdTx) error {
		var err error
		id, err = tx.CreateEntry(ctx, e)
		return err
	})
	return id, err
}

// WithinTx starts a ReadCommitted transaction and commits it when fn succeeds
func (r *FirebirdStore) WithinTx(ctx context.Context, fn func(tx *FirebirdTx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	// Safety: Rollback is a no-op if Commit was already called
	defer tx.Rollback()

	if err := fn(&FirebirdTx{Tx: tx, builder: r.builder}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (r *FirebirdStore) Retrieve(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error) {
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
	if err := r.db.QueryRowContext(opCtx, query, args...).Scan(scan.dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("outbox id %s: %w", id, ErrEntryNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve outbox entry %s: %w", id, err)
	}

	entry := scan.apply()
	// CHAR columns come back space padded
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		entry.ID = id
	}
	return &entry, nil
}

func (r *FirebirdStore) Update(ctx context.Context, id string, patch models.Patch) error {
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

	res, err := r.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	var found int
	err = r.db.QueryRowContext(opCtx, `SELECT FIRST 1 1 FROM OUTBOX_ENTRIES WHERE ID = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbox id %s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check outbox entry %s: %w", id, err)
	}
	return fmt.Errorf("outbox id %s to %s: %w", id, patch.Status, ErrStatusRegression)
}

func (r *FirebirdStore) Query(ctx context.Context, f models.Filter) ([]models.Entry, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := r.builder.BuildSelect(outboxTable, columnNames(models.AllColumns),
		filterConditions(f), string(models.ColumnCreatedOn), f.Limit)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(opCtx, query, args...)
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
		e := scan.apply()
		e.ID = strings.TrimSpace(e.ID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdStore) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}

// FirebirdTx is the host write transaction handed to the producer
type FirebirdTx struct {
	*sql.Tx
	builder *mapper.SQLBuilder
}

func (t *FirebirdTx) CreateEntry(ctx context.Context, e *models.Entry) (string, error) {
	prepareEntry(e)

	query, args, err := t.builder.BuildInsert(outboxTable, insertColumns(e))
	if err != nil {
		return "", err
	}
	if _, err := t.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return e.ID, nil
}
