package persistence

import (
	"context"
	"time"
)

// Backend is the per-database strategy behind the engine. Two
// implementations exist with materially different upsert-under-concurrency
// strategies: postgres (conflict-ignoring insert, required under MVCC) and
// sqlite (negative-join insert, race-free under its single-writer model).
//
// All methods return errors already classified into the package taxonomy.
type Backend interface {
	// Identity reads used by the cache miss paths. The bool result is
	// false when the name is not present in the database; that is not an
	// error at this layer.
	ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error)
	ReadAllResourceTypes(ctx context.Context) (map[string]int32, error)
	ReadCanonicalID(ctx context.Context, url string) (int32, bool, error)
	ReadCommonTokenValueID(ctx context.Context, key TokenKey) (int64, bool, error)
	ReadCommonTokenValueIDs(ctx context.Context, keys []TokenKey) ([]ResolvedToken, error)

	// Get-or-create write paths for the small registries. Race-tolerant:
	// two concurrent first writers converge on one row.
	GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error)
	AcquireParameterNameID(ctx context.Context, name string) (int32, error)
	ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error)

	// RunInTx runs fn inside one database transaction. fn returning an
	// error rolls the transaction back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReadResource reads one version (versionID 0 = current). Tombstones
	// are returned, not errored; the facade decides how to surface them.
	ReadResource(ctx context.Context, resourceTypeID int32, logicalID string, versionID int32) (*Resource, error)

	// History returns versions newest first. count 0 = unbounded.
	History(ctx context.Context, resourceTypeID int32, logicalID string, count, offset int) ([]*Resource, error)

	Changes(ctx context.Context, req ChangesRequest) ([]ChangeRecord, error)
	RetrieveIndex(ctx context.Context, req RetrieveIndexRequest) ([]int64, error)

	// FetchPayloads scans versions in [from, to) by last-updated order,
	// invoking cb per record. Returns the last-updated marker of the last
	// processed record.
	FetchPayloads(ctx context.Context, resourceTypeID int32, from, to time.Time, cb PayloadCallback) (time.Time, error)

	Erase(ctx context.Context, req EraseRequest) (*EraseOutcome, error)

	IsAvailable(ctx context.Context) bool

	// GetMetrics snapshots the backend's transactional counters.
	GetMetrics() BackendMetrics

	Close()
}

// BackendMetrics is a snapshot of a backend's transactional counters.
type BackendMetrics struct {
	Inserts                             uint64
	VersionConflicts                    uint64
	Commits                             uint64
	AverageCommitDurationInMilliseconds float64
}

// Tx is the transactional surface of a backend. Interned-value upserts
// and identity lookups happen here so they commit or roll back with the
// owning resource write, and so backends that hold their only connection
// inside the transaction (sqlite) never reach back into the pool.
type Tx interface {
	// Identity registry operations, scoped to this transaction's
	// connection. Same semantics as the Backend-level methods.
	ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error)
	GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error)
	AcquireParameterNameID(ctx context.Context, name string) (int32, error)
	ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error)
	ReadCanonicalID(ctx context.Context, url string) (int32, bool, error)
	ReadCommonTokenValueID(ctx context.Context, key TokenKey) (int64, bool, error)

	// InsertResourceVersion atomically persists one new version under the
	// optimistic concurrency check, returning the internal row id and the
	// previous version's parameter hash. A version mismatch surfaces as
	// ErrVersionConflict.
	InsertResourceVersion(ctx context.Context, req InsertRequest) (*InsertResult, error)

	// UpsertCommonTokenValues inserts missing token values only. Callers
	// must pass the batch sorted by value; the fixed bind order avoids
	// deadlocks between writers upserting overlapping sets.
	UpsertCommonTokenValues(ctx context.Context, keys []TokenKey) error
	ReadCommonTokenValueIDs(ctx context.Context, keys []TokenKey) ([]ResolvedToken, error)

	// UpsertCanonicalValues mirrors the token path for canonical URLs.
	UpsertCanonicalValues(ctx context.Context, urls []string) error
	ReadCanonicalIDs(ctx context.Context, urls []string) (map[string]int32, error)

	// ReplaceParameters drops and rewrites the parameter rows for one
	// logical resource. Inserts are conflict-tolerant so a retried
	// reindex batch cannot violate constraints.
	ReplaceParameters(ctx context.Context, logicalResourceID int64, rows []ParameterRow) error

	// ReadResourceForReindex loads the current version addressed by an
	// index id (= logical resource id), including its payload key.
	ReadResourceForReindex(ctx context.Context, indexID int64) (*Resource, error)

	// UpdateParameterHash records the hash of a freshly re-extracted
	// parameter set without writing a new resource version.
	UpdateParameterHash(ctx context.Context, logicalResourceID int64, hash []byte) error

	// UpdateReindexTstamp advances the reindex timestamp of the given
	// rows, moving them out of the current sweep's cutoff window.
	UpdateReindexTstamp(ctx context.Context, indexIDs []int64, tstamp time.Time) (int, error)
}
