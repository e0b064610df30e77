// Package postgres is the Postgres implementation of the persistence
// backend. Interned-value creation uses conflict-ignoring inserts: under
// MVCC a negative-join "insert if not exists" is race-prone, so ON
// CONFLICT DO NOTHING is the safe strategy here.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omeid/pgerror"
	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// PgxIface is the slice of pgxpool.Pool the backend uses. Tests swap in a
// pgxmock pool.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Config carries the connection settings for one datastore.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Connection is one Postgres-backed datastore.
type Connection struct {
	db PgxIface

	inserts    atomic.Uint64
	conflicts  atomic.Uint64
	commits    atomic.Uint64
	commitTime atomic.Uint64
}

// Connect opens the pool and verifies the schema tables exist.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	conString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	establishCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	db, err := pgxpool.New(establishCtx, conString)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open connection pool: %v", persistence.ErrConnection, err)
	}

	c := &Connection{db: db}
	if !c.IsAvailable(ctx) {
		db.Close()
		return nil, fmt.Errorf("%w: database is not available", persistence.ErrConnection)
	}
	return c, nil
}

// NewWithDB wraps an existing handle; used by tests and by callers that
// manage their own pool.
func NewWithDB(db PgxIface) *Connection {
	return &Connection{db: db}
}

func (c *Connection) IsAvailable(ctx context.Context) bool {
	if c.db == nil {
		return false
	}
	pingCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	if err := c.db.Ping(pingCtx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

// ValidateSchema checks that the engine's tables exist; a missing table
// is a deployment mismatch, not something to create on the fly here.
func (c *Connection) ValidateSchema(ctx context.Context) error {
	checkCtx, cncl := context.WithTimeout(ctx, 5*time.Second)
	defer cncl()
	for _, table := range schemaTables {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err := c.db.QueryRow(checkCtx, query, table).Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: table %s does not exist in the database", persistence.ErrConfiguration, table)
			}
			return classify(err)
		}
	}
	return nil
}

func (c *Connection) Close() {
	if c.db != nil {
		c.db.Close()
	}
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

// RunInTx runs fn inside one transaction, committing on success. The
// commit duration feeds the metrics counters.
func (c *Connection) RunInTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	txn, err := c.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	if err = fn(ctx, &pgTx{tx: txn, conn: c}); err != nil {
		rollbackCtx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
		defer cncl()
		if errR := txn.Rollback(rollbackCtx); errR != nil && !errors.Is(errR, pgx.ErrTxClosed) {
			zap.S().Errorf("Failed to rollback transaction: %s", errR)
		}
		return err
	}
	now := time.Now()
	if err = txn.Commit(ctx); err != nil {
		return classify(err)
	}
	c.commits.Add(1)
	c.commitTime.Add(uint64(time.Since(now).Milliseconds()))
	return nil
}

// classify maps a backend failure into the engine's error taxonomy.
// Connection-class failures are kept apart so drivers above the DAO layer
// can decide to retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if e := pgerror.ConnectionException(err); e != nil {
		return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
	}
	if e := pgerror.ConnectionFailure(err); e != nil {
		return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
	}
	if e := pgerror.ConnectionDoesNotExist(err); e != nil {
		return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
	}
	if e := pgerror.ForeignKeyViolation(err); e != nil {
		return fmt.Errorf("%w: %v", persistence.ErrForeignKeyViolation, err)
	}
	return fmt.Errorf("%w: %v", persistence.ErrDataAccess, err)
}

func isUniqueViolation(err error) bool {
	return pgerror.UniqueViolation(err) != nil
}
