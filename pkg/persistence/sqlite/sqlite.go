// Package sqlite is the SQLite implementation of the persistence
// backend, used for embedded and single-node deployments. Its writer
// model serializes transactions, so interned-value creation can use the
// negative-join "insert where not exists" form; the conflict-ignoring
// insert the postgres backend needs under MVCC is not required here.
//
// All timestamps are stored as integer nanoseconds to keep range
// comparisons exact across drivers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// Connection is one SQLite-backed datastore.
type Connection struct {
	db *sql.DB

	inserts    atomic.Uint64
	conflicts  atomic.Uint64
	commits    atomic.Uint64
	commitTime atomic.Uint64
}

// Connect opens (or creates) the database file. ":memory:" gives an
// ephemeral store, which the tests use.
func Connect(path string) (*Connection, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sqlite database: %v", persistence.ErrConnection, err)
	}
	// A single writer at a time keeps the negative-join upsert race-free.
	db.SetMaxOpenConns(1)
	zap.S().Infof("Opened sqlite database at %s", path)
	return &Connection{db: db}, nil
}

func (c *Connection) IsAvailable(ctx context.Context) bool {
	if c.db == nil {
		return false
	}
	pingCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	if err := c.db.PingContext(pingCtx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

func (c *Connection) Close() {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			zap.S().Errorf("Failed to close sqlite database: %s", err)
		}
	}
}

// RunInTx runs fn inside one transaction, committing on success.
func (c *Connection) RunInTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	txn, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err = fn(ctx, &liteTx{tx: txn, conn: c}); err != nil {
		if errR := txn.Rollback(); errR != nil && !errors.Is(errR, sql.ErrTxDone) {
			zap.S().Errorf("Failed to rollback transaction: %s", errR)
		}
		return err
	}
	now := time.Now()
	if err = txn.Commit(); err != nil {
		return classify(err)
	}
	c.commitTime.Add(uint64(time.Since(now).Milliseconds()))
	c.commits.Add(1)
	return nil
}

func (c *Connection) GetMetrics() persistence.BackendMetrics {
	m := persistence.BackendMetrics{
		Inserts:          c.inserts.Load(),
		VersionConflicts: c.conflicts.Load(),
		Commits:          c.commits.Load(),
	}
	if m.Commits > 0 {
		m.AverageCommitDurationInMilliseconds = float64(c.commitTime.Load()) / float64(m.Commits)
	}
	return m
}

// GetHealthCheck returns a readiness check for the healthcheck handler.
func (c *Connection) GetHealthCheck() healthcheck.Check {
	return func() error {
		if c.IsAvailable(context.Background()) {
			return nil
		}
		return errors.New("healthcheck failed to reach database")
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch {
		case serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
		case serr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", persistence.ErrForeignKeyViolation, err)
		}
	}
	return fmt.Errorf("%w: %v", persistence.ErrDataAccess, err)
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS resource_types (
		resource_type_id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_type TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS parameter_names (
		parameter_name_id INTEGER PRIMARY KEY AUTOINCREMENT,
		parameter_name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS code_systems (
		code_system_id INTEGER PRIMARY KEY AUTOINCREMENT,
		code_system_name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS common_token_values (
		common_token_value_id INTEGER PRIMARY KEY AUTOINCREMENT,
		code_system_id INTEGER NOT NULL REFERENCES code_systems(code_system_id),
		token_value TEXT NOT NULL,
		UNIQUE (code_system_id, token_value)
	)`,
	`CREATE TABLE IF NOT EXISTS canonical_values (
		canonical_id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS logical_resources (
		logical_resource_id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_type_id INTEGER NOT NULL REFERENCES resource_types(resource_type_id),
		logical_id TEXT NOT NULL,
		current_version INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL,
		parameter_hash BLOB,
		reindex_tstamp INTEGER NOT NULL DEFAULT 0,
		UNIQUE (resource_type_id, logical_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_versions (
		resource_version_id INTEGER PRIMARY KEY AUTOINCREMENT,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		version_id INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL,
		payload BLOB,
		payload_key TEXT NOT NULL DEFAULT '',
		version_token TEXT NOT NULL,
		UNIQUE (logical_resource_id, version_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_change_log (
		change_id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_type_id INTEGER NOT NULL REFERENCES resource_types(resource_type_id),
		logical_id TEXT NOT NULL,
		version_id INTEGER NOT NULL,
		change_type TEXT NOT NULL,
		change_tstamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_tstamp ON resource_change_log (change_tstamp, change_id)`,
	`CREATE TABLE IF NOT EXISTS str_values (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		str_value TEXT NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, str_value)
	)`,
	`CREATE TABLE IF NOT EXISTS number_values (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		number_value REAL NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, number_value)
	)`,
	`CREATE TABLE IF NOT EXISTS date_values (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		date_start INTEGER NOT NULL,
		date_end INTEGER NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, date_start, date_end)
	)`,
	`CREATE TABLE IF NOT EXISTS token_values (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		common_token_value_id INTEGER NOT NULL REFERENCES common_token_values(common_token_value_id),
		UNIQUE (logical_resource_id, parameter_name_id, common_token_value_id)
	)`,
	`CREATE TABLE IF NOT EXISTS quantity_values (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		code_system_id INTEGER NOT NULL DEFAULT 0,
		quantity_code TEXT NOT NULL DEFAULT '',
		quantity_value REAL NOT NULL,
		quantity_low REAL NOT NULL,
		quantity_high REAL NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, code_system_id, quantity_code, quantity_value, quantity_low, quantity_high)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_refs (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		ref_resource_type_id INTEGER NOT NULL,
		ref_logical_id TEXT NOT NULL,
		ref_version_id INTEGER NOT NULL DEFAULT 0,
		UNIQUE (logical_resource_id, parameter_name_id, ref_resource_type_id, ref_logical_id, ref_version_id)
	)`,
	`CREATE TABLE IF NOT EXISTS canonical_refs (
		parameter_name_id INTEGER NOT NULL,
		logical_resource_id INTEGER NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		canonical_id INTEGER NOT NULL REFERENCES canonical_values(canonical_id),
		UNIQUE (logical_resource_id, parameter_name_id, canonical_id)
	)`,
}

// Migrate creates the schema when it does not exist yet.
func (c *Connection) Migrate(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return classify(err)
		}
	}
	return nil
}
