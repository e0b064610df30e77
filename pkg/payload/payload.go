// Package payload is the external-storage abstraction for out-of-line
// resource bodies. Backends that offload large payloads keep only a key
// in the relational row and go through this contract for the bytes.
//
// Writes are asynchronous: Put returns a Pending handle immediately and
// the caller blocks on it no earlier than just before the owning
// transaction commits, overlapping the blob upload with the relational
// work.
package payload

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored payload.
var ErrNotFound = errors.New("payload not found")

// Store is the narrow put/get/delete contract.
type Store interface {
	// Put starts storing data under key and returns immediately.
	Put(ctx context.Context, key string, data []byte) *Pending

	// Get returns the payload stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the payload under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error

	IsAvailable(ctx context.Context) bool
	Close() error
}

// Pending is the handle for an in-flight payload write.
type Pending struct {
	key  string
	done chan struct{}
	err  error
}

// NewPending returns a handle for a write that has been issued but not
// yet settled. Store implementations call Resolve exactly once when the
// write finishes.
func NewPending(key string) *Pending {
	return &Pending{key: key, done: make(chan struct{})}
}

// Resolve records the write's outcome and releases all waiters.
func (p *Pending) Resolve(err error) {
	p.err = err
	close(p.done)
}

// Key returns the storage key the write was issued under.
func (p *Pending) Key() string {
	return p.key
}

// Wait blocks until the write completes or ctx is done, and returns the
// write's outcome.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
