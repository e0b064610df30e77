// Package persistence defines the narrow contract of the resource
// persistence engine: versioned resource records, surrogate-id interning,
// change-log enumeration and reindex cursors. Backends (postgres, sqlite)
// implement the Backend/Tx strategy interfaces; the store package exposes
// the caller-facing facade on top of them.
package persistence

import "time"

// ChangeType classifies one mutating interaction in the change log.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Resource is one stored version of a logical resource. The payload is
// either carried inline or referenced by PayloadKey in the payload store.
type Resource struct {
	TypeName          string
	LogicalID         string
	VersionID         int32
	LastUpdated       time.Time
	Deleted           bool
	Payload           []byte
	PayloadKey        string
	VersionToken      string
	ParameterHash     []byte
	LogicalResourceID int64 // internal surrogate, 0 until persisted
}

// ChangeRecord is one append-only change-log entry. Ordering is by
// ChangeID (commit append order), never by wall-clock timestamp.
type ChangeRecord struct {
	ChangeID     int64
	TypeName     string
	LogicalID    string
	VersionID    int32
	ChangeType   ChangeType
	ChangeTstamp time.Time
}

// TokenKey identifies one interned (code system, token value) pair.
type TokenKey struct {
	CodeSystemID int32
	TokenValue   string
}

// ResolvedToken is a TokenKey with its assigned surrogate id.
type ResolvedToken struct {
	TokenKey
	CommonTokenValueID int64
}

// InsertRequest carries one new resource version into the backend's
// atomic insert operation.
type InsertRequest struct {
	ResourceTypeID int32
	LogicalID      string
	VersionID      int32 // caller-expected new version; 1 for a create
	LastUpdated    time.Time
	Deleted        bool
	Payload        []byte
	PayloadKey     string
	VersionToken   string
	ParameterHash  []byte
}

// InsertResult is returned by a successful versioned insert.
type InsertResult struct {
	LogicalResourceID int64
	// PreviousParameterHash is nil when this was the first version.
	PreviousParameterHash []byte
}

// ChangesRequest is the cursor for change-log enumeration.
type ChangesRequest struct {
	Count            int
	FromLastModified *time.Time
	// BeforeLastModified excludes the most recent window so records from
	// still-open transactions cannot be skipped past by the cursor.
	BeforeLastModified *time.Time
	AfterChangeID      int64
	ResourceTypeID     int32 // 0 = all types
}

// RetrieveIndexRequest is the cursor for reindex-candidate enumeration.
type RetrieveIndexRequest struct {
	Count            int
	NotModifiedAfter time.Time
	AfterIndexID     int64
	ResourceTypeID   int32 // 0 = all types
}

// EraseRequest asks for irreversible physical deletion, outside the
// normal tombstone model. VersionID 0 erases the whole logical resource.
type EraseRequest struct {
	ResourceTypeID int32
	TypeName       string
	LogicalID      string
	VersionID      int32
}

// EraseOutcome reports what an erase actually removed.
type EraseOutcome struct {
	TypeName        string
	LogicalID       string
	VersionsRemoved int
	// Partial is true for a single-version erase that left other versions.
	Partial bool
}

// PayloadCallback receives each record during a payload export scan.
// Returning false stops the scan early.
type PayloadCallback func(*Resource) (bool, error)
