// Package store is the caller-facing facade of the persistence engine.
// It composes a backend strategy, the shared identity cache and an
// optional payload store into the resource-level operations: create,
// read, vread, update, delete, history, change enumeration, reindex and
// erase.
package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rung/go-safecast"
	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/pkg/payload"
	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
)

// ParameterExtractor derives the search-parameter values of a resource
// payload. The reindex path uses it to re-extract stored resources after
// a parameter configuration change.
type ParameterExtractor interface {
	Extract(ctx context.Context, typeName string, payload []byte) ([]persistence.ParameterValue, error)
}

// Metrics is a snapshot of facade throughput counters.
type Metrics struct {
	Creates        uint64
	Updates        uint64
	Deletes        uint64
	Reads          uint64
	ParameterSkips uint64
}

// Store is the engine facade. Construct one per datastore with New and
// inject it; there is no package-level instance.
type Store struct {
	backend   persistence.Backend
	cache     *identity.Cache
	payloads  payload.Store
	extractor ParameterExtractor

	// Payloads at least this large are offloaded when a payload store is
	// configured.
	offloadThreshold int

	creates    atomic.Uint64
	updates    atomic.Uint64
	deletes    atomic.Uint64
	reads      atomic.Uint64
	paramSkips atomic.Uint64
}

// Option configures optional collaborators of a Store.
type Option func(*Store)

// WithPayloadStore offloads payloads of at least threshold bytes to the
// given external store, keeping only a key in the relational row.
func WithPayloadStore(ps payload.Store, threshold int) Option {
	return func(s *Store) {
		s.payloads = ps
		s.offloadThreshold = threshold
	}
}

// WithExtractor enables the reindex path.
func WithExtractor(e ParameterExtractor) Option {
	return func(s *Store) {
		s.extractor = e
	}
}

func New(backend persistence.Backend, cache *identity.Cache, opts ...Option) *Store {
	s := &Store{backend: backend, cache: cache}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the current version of a logical resource. A tombstone
// surfaces as ErrDeleted so callers can distinguish "gone" from "never
// existed".
func (s *Store) Read(ctx context.Context, typeName, logicalID string) (*persistence.Resource, error) {
	typeID, err := s.cache.GetResourceTypeID(ctx, typeName)
	if err != nil {
		return nil, err
	}
	res, err := s.backend.ReadResource(ctx, typeID, logicalID, 0)
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", persistence.ErrDeleted, typeName, logicalID)
	}
	res.TypeName = typeName
	if err = s.hydrate(ctx, res); err != nil {
		return nil, err
	}
	s.reads.Add(1)
	return res, nil
}

// VRead returns one specific version. Reading the deletion-marker version
// itself also surfaces as ErrDeleted.
func (s *Store) VRead(ctx context.Context, typeName, logicalID string, versionID int) (*persistence.Resource, error) {
	version, err := safecast.Int32(versionID)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d out of range", persistence.ErrDataAccess, versionID)
	}
	typeID, err := s.cache.GetResourceTypeID(ctx, typeName)
	if err != nil {
		return nil, err
	}
	res, err := s.backend.ReadResource(ctx, typeID, logicalID, version)
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		return nil, fmt.Errorf("%w: %s/%s version %d", persistence.ErrDeleted, typeName, logicalID, versionID)
	}
	res.TypeName = typeName
	if err = s.hydrate(ctx, res); err != nil {
		return nil, err
	}
	s.reads.Add(1)
	return res, nil
}

// History returns versions newest first, tombstones included. count 0
// means all versions.
func (s *Store) History(ctx context.Context, typeName, logicalID string, count, offset int) ([]*persistence.Resource, error) {
	typeID, err := s.cache.GetResourceTypeID(ctx, typeName)
	if err != nil {
		return nil, err
	}
	versions, err := s.backend.History(ctx, typeID, logicalID, count, offset)
	if err != nil {
		return nil, err
	}
	for _, res := range versions {
		res.TypeName = typeName
		if err = s.hydrate(ctx, res); err != nil {
			return nil, err
		}
	}
	s.reads.Add(1)
	return versions, nil
}

// hydrate loads an offloaded payload back into the record.
func (s *Store) hydrate(ctx context.Context, res *persistence.Resource) error {
	if len(res.Payload) > 0 || res.PayloadKey == "" || res.Deleted {
		return nil
	}
	if s.payloads == nil {
		return fmt.Errorf("%w: resource %s/%s has an offloaded payload but no payload store is configured",
			persistence.ErrConfiguration, res.TypeName, res.LogicalID)
	}
	data, err := s.payloads.Get(ctx, res.PayloadKey)
	if err != nil {
		return fmt.Errorf("failed to load payload %s: %w", res.PayloadKey, err)
	}
	res.Payload = data
	return nil
}

func (s *Store) IsAvailable(ctx context.Context) bool {
	return s.backend.IsAvailable(ctx)
}

// Close releases the backend and, when configured, the payload store.
func (s *Store) Close() {
	s.backend.Close()
	if s.payloads != nil {
		if err := s.payloads.Close(); err != nil {
			zap.S().Errorf("Failed to close payload store: %s", err)
		}
	}
}

func (s *Store) GetMetrics() Metrics {
	return Metrics{
		Creates:        s.creates.Load(),
		Updates:        s.updates.Load(),
		Deletes:        s.deletes.Load(),
		Reads:          s.reads.Load(),
		ParameterSkips: s.paramSkips.Load(),
	}
}

// GetCacheMetrics exposes the shared identity cache counters.
func (s *Store) GetCacheMetrics() identity.Metrics {
	return s.cache.GetMetrics()
}

// GetBackendMetrics exposes the backend's transactional counters.
func (s *Store) GetBackendMetrics() persistence.BackendMetrics {
	return s.backend.GetMetrics()
}

// now is swapped by tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }
