package persistence

import "errors"

// Error taxonomy surfaced by the engine. Callers test with errors.Is and
// map kinds to transport status codes; the engine never retries on its own.
var (
	// ErrVersionConflict is an optimistic-concurrency violation: the
	// caller's expected version no longer matches the stored version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrForeignKeyViolation is a referential-integrity break, treated
	// as a programmer error rather than a transient condition.
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrDataAccess is a generic backend failure.
	ErrDataAccess = errors.New("data access error")

	// ErrConnection is a connectivity failure, retryable by drivers
	// above the DAO layer.
	ErrConnection = errors.New("database connection failure")

	// ErrConfiguration indicates a schema/deployment mismatch, e.g. a
	// resource type that is not registered in this database.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound: no such logical resource or version.
	ErrNotFound = errors.New("resource not found")

	// ErrDeleted: the addressed resource or version is a tombstone.
	ErrDeleted = errors.New("resource deleted")
)
