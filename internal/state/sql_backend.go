package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlStateTable     = "chatbridge_state"
	sqlStateKey       = "watermarks"
	sqlOperationLimit = 5 * time.Second
)

type sqlDialect struct {
	driver      string
	createTable string
	selectQuery string
	upsertQuery string
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `CREATE TABLE IF NOT EXISTS ` + sqlStateTable + ` (
		state_key TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	selectQuery: `SELECT snapshot FROM ` + sqlStateTable + ` WHERE state_key = $1`,
	upsertQuery: `INSERT INTO ` + sqlStateTable + ` (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS ` + sqlStateTable + ` (
		state_key TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	selectQuery: `SELECT snapshot FROM ` + sqlStateTable + ` WHERE state_key = ?`,
	upsertQuery: `INSERT INTO ` + sqlStateTable + ` (state_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
}

// SQLBackend stores the snapshot as one JSON row, replaced by a single
// upsert statement, so readers see either the old or the new snapshot.
type SQLBackend struct {
	dsn     string
	dialect sqlDialect

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend creates a backend on a PostgreSQL DSN.
func NewPostgresBackend(dsn string) *SQLBackend {
	return &SQLBackend{dsn: dsn, dialect: postgresDialect}
}

// NewSQLiteBackend creates a backend on a SQLite database file.
func NewSQLiteBackend(path string) *SQLBackend {
	return &SQLBackend{dsn: path + "?_journal_mode=WAL&_busy_timeout=5000", dialect: sqliteDialect}
}

func (b *SQLBackend) Load(ctx context.Context) (Snapshot, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationLimit)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.dialect.selectQuery, sqlStateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot([]byte(payload))
}

func (b *SQLBackend) Save(ctx context.Context, snapshot Snapshot) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationLimit)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, b.dialect.upsertQuery, sqlStateKey, string(payload)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (b *SQLBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := sql.Open(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationLimit)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.dialect.createTable); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create %s: %w", sqlStateTable, err)
			return
		}
		b.db = db
	})
	return b.initErr
}
