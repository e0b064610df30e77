package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirgrid/fhirstore/cmd/fhirstore/helper"
	"github.com/fhirgrid/fhirstore/pkg/payload"
	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
	"github.com/fhirgrid/fhirstore/pkg/persistence/sqlite"
)

type fakeExtractor struct {
	values func(typeName string) []persistence.ParameterValue
}

func (f *fakeExtractor) Extract(_ context.Context, typeName string, _ []byte) ([]persistence.ParameterValue, error) {
	if f.values == nil {
		return nil, nil
	}
	return f.values(typeName), nil
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	helper.InitTestLogging()
	conn, err := sqlite.Connect(":memory:")
	require.NoError(t, err)
	require.NoError(t, conn.Migrate(context.Background()))
	cache, err := identity.NewCache(conn, 100, 100)
	require.NoError(t, err)
	s := New(conn, cache, opts...)
	t.Cleanup(s.Close)
	return s
}

func patientParams(status string) []persistence.ParameterValue {
	return []persistence.ParameterValue{
		{Name: "family", Kind: persistence.ParamString, StrValue: "Simpson"},
		{Name: "status", Kind: persistence.ParamToken, CodeSystem: "http://hl7.org/fhir/status", TokenValue: status},
		{Name: "url", Kind: persistence.ParamCanonical, CanonicalURL: "http://example.org/StructureDefinition/x"},
		{Name: "general-practitioner", Kind: persistence.ParamReference, RefTypeName: "Practitioner", RefLogicalID: "gp-1"},
		{Name: "code-value", Kind: persistence.ParamComposite, Components: []persistence.ParameterValue{
			{Name: "code-value", Kind: persistence.ParamToken, CodeSystem: "http://loinc.org", TokenValue: "8480-6"},
			{Name: "code-value", Kind: persistence.ParamQuantity, QuantitySystem: "http://unitsofmeasure.org", QuantityCode: "mm[Hg]", QuantityValue: 120},
		}},
	}
}

func TestResourceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.Create(ctx, UpsertRequest{
		TypeName:   "Patient",
		Payload:    []byte(`{"resourceType":"Patient"}`),
		Parameters: patientParams("active"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.LogicalID)
	assert.Equal(t, int32(1), created.VersionID)
	assert.NotEmpty(t, created.VersionToken)
	assert.False(t, created.ParametersSkipped)
	id := created.LogicalID

	t.Run("read returns the current version", func(t *testing.T) {
		res, err := s.Read(ctx, "Patient", id)
		require.NoError(t, err)
		assert.Equal(t, int32(1), res.VersionID)
		assert.Equal(t, []byte(`{"resourceType":"Patient"}`), res.Payload)
		assert.Equal(t, "Patient", res.TypeName)
	})

	t.Run("unchanged parameters are skipped on update", func(t *testing.T) {
		updated, err := s.Update(ctx, UpsertRequest{
			TypeName:   "Patient",
			LogicalID:  id,
			VersionID:  2,
			Payload:    []byte(`{"resourceType":"Patient","active":true}`),
			Parameters: patientParams("active"),
		})
		require.NoError(t, err)
		assert.True(t, updated.ParametersSkipped)
	})

	t.Run("changed parameters are rewritten", func(t *testing.T) {
		updated, err := s.Update(ctx, UpsertRequest{
			TypeName:   "Patient",
			LogicalID:  id,
			VersionID:  3,
			Payload:    []byte(`{"resourceType":"Patient","active":false}`),
			Parameters: patientParams("inactive"),
		})
		require.NoError(t, err)
		assert.False(t, updated.ParametersSkipped)
	})

	t.Run("stale version is a conflict", func(t *testing.T) {
		_, err := s.Update(ctx, UpsertRequest{
			TypeName:  "Patient",
			LogicalID: id,
			VersionID: 3,
			Payload:   []byte(`{}`),
		})
		assert.ErrorIs(t, err, persistence.ErrVersionConflict)
	})

	t.Run("delete leaves a readable history", func(t *testing.T) {
		_, err := s.Delete(ctx, "Patient", id, 4)
		require.NoError(t, err)

		_, err = s.Read(ctx, "Patient", id)
		assert.ErrorIs(t, err, persistence.ErrDeleted)

		res, err := s.VRead(ctx, "Patient", id, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(2), res.VersionID)

		_, err = s.VRead(ctx, "Patient", id, 4)
		assert.ErrorIs(t, err, persistence.ErrDeleted)

		versions, err := s.History(ctx, "Patient", id, 0, 0)
		require.NoError(t, err)
		require.Len(t, versions, 4)
		assert.Equal(t, int32(4), versions[0].VersionID)
		assert.True(t, versions[0].Deleted)
		assert.Equal(t, int32(1), versions[3].VersionID)
	})

	t.Run("metrics count the traffic", func(t *testing.T) {
		m := s.GetMetrics()
		assert.Equal(t, uint64(1), m.Creates)
		assert.Equal(t, uint64(2), m.Updates)
		assert.Equal(t, uint64(1), m.Deletes)
		assert.Equal(t, uint64(1), m.ParameterSkips)

		bm := s.GetBackendMetrics()
		assert.Equal(t, uint64(4), bm.Inserts)
		assert.Equal(t, uint64(4), bm.Commits)
		assert.Equal(t, uint64(1), bm.VersionConflicts)
	})

	t.Run("read of an unknown id is ErrNotFound", func(t *testing.T) {
		_, err := s.Read(ctx, "Patient", "nope")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("read of an unknown type is ErrConfiguration", func(t *testing.T) {
		_, err := s.Read(ctx, "Basic", "whatever")
		assert.ErrorIs(t, err, persistence.ErrConfiguration)
	})
}

func TestVersionBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, UpsertRequest{TypeName: "Patient", VersionID: -1, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, persistence.ErrDataAccess)

	_, err = s.VRead(ctx, "Patient", "p", 1<<40)
	assert.ErrorIs(t, err, persistence.ErrDataAccess)
}

func TestChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.Create(ctx, UpsertRequest{TypeName: "Patient", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = s.Create(ctx, UpsertRequest{TypeName: "Observation", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = s.Update(ctx, UpsertRequest{TypeName: "Patient", LogicalID: p.LogicalID, VersionID: 2, Payload: []byte(`{}`)})
	require.NoError(t, err)

	t.Run("append order across types", func(t *testing.T) {
		records, err := s.Changes(ctx, ChangesQuery{Count: 10})
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, persistence.ChangeCreate, records[0].ChangeType)
		assert.Equal(t, "Observation", records[1].TypeName)
		assert.Equal(t, persistence.ChangeUpdate, records[2].ChangeType)
	})

	t.Run("cursor resumes mid stream", func(t *testing.T) {
		page1, err := s.Changes(ctx, ChangesQuery{Count: 1})
		require.NoError(t, err)
		require.Len(t, page1, 1)
		page2, err := s.Changes(ctx, ChangesQuery{Count: 10, AfterChangeID: page1[0].ChangeID})
		require.NoError(t, err)
		assert.Len(t, page2, 2)
	})

	t.Run("type name filter", func(t *testing.T) {
		records, err := s.Changes(ctx, ChangesQuery{Count: 10, TypeName: "Observation"})
		require.NoError(t, err)
		require.Len(t, records, 1)
	})
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{values: func(string) []persistence.ParameterValue {
		return patientParams("active")
	}}
	s := newTestStore(t, WithExtractor(ext))

	_, err := s.Create(ctx, UpsertRequest{TypeName: "Patient", Payload: []byte(`{}`), Parameters: patientParams("active")})
	require.NoError(t, err)
	_, err = s.Create(ctx, UpsertRequest{TypeName: "Patient", Payload: []byte(`{}`), Parameters: patientParams("active")})
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(time.Hour)
	ids, err := s.RetrieveIndex(ctx, 10, cutoff, 0, "Patient")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	t.Run("unchanged extraction only stamps", func(t *testing.T) {
		before := s.GetMetrics().ParameterSkips
		stamped, err := s.Reindex(ctx, ids, cutoff)
		require.NoError(t, err)
		assert.Equal(t, 2, stamped)
		assert.Equal(t, before+2, s.GetMetrics().ParameterSkips)

		remaining, err := s.RetrieveIndex(ctx, 10, cutoff, 0, "Patient")
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("changed extraction rewrites the rows", func(t *testing.T) {
		ext.values = func(string) []persistence.ParameterValue {
			return patientParams("inactive")
		}
		later := cutoff.Add(time.Hour)
		ids, err := s.RetrieveIndex(ctx, 10, later, 0, "Patient")
		require.NoError(t, err)
		require.Len(t, ids, 2)

		before := s.GetMetrics().ParameterSkips
		stamped, err := s.Reindex(ctx, ids, later)
		require.NoError(t, err)
		assert.Equal(t, 2, stamped)
		assert.Equal(t, before, s.GetMetrics().ParameterSkips)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		stamped, err := s.Reindex(ctx, nil, cutoff)
		require.NoError(t, err)
		assert.Zero(t, stamped)
	})
}

func TestReindexRequiresExtractor(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Reindex(context.Background(), []int64{1}, time.Now())
	assert.ErrorIs(t, err, persistence.ErrConfiguration)
}

// fakeBlobStore resolves every write on its own goroutine so the tests
// see the same overlap a real external store produces.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	gate  chan struct{}
	wg    sync.WaitGroup
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

// holdPuts keeps subsequent writes in flight until gate is closed.
func (f *fakeBlobStore) holdPuts(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeBlobStore) Put(_ context.Context, key string, data []byte) *payload.Pending {
	p := payload.NewPending(key)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if gate != nil {
			<-gate
		}
		f.mu.Lock()
		f.blobs[key] = data
		f.mu.Unlock()
		p.Resolve(nil)
	}()
	return p
}

func (f *fakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[key]
	if !ok {
		return nil, payload.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

func (f *fakeBlobStore) IsAvailable(context.Context) bool { return true }
func (f *fakeBlobStore) Close() error                     { return nil }

// stored waits for every in-flight write to settle, then counts blobs.
func (f *fakeBlobStore) stored() int {
	f.wg.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

func TestPayloadOffload(t *testing.T) {
	ctx := context.Background()
	blobs := newFakeBlobStore()
	s := newTestStore(t, WithPayloadStore(blobs, 1))

	created, err := s.Create(ctx, UpsertRequest{
		TypeName: "Patient",
		Payload:  []byte(`{"resourceType":"Patient"}`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, blobs.stored())

	t.Run("reads hydrate from the blob store", func(t *testing.T) {
		res, err := s.Read(ctx, "Patient", created.LogicalID)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"resourceType":"Patient"}`), res.Payload)
	})

	t.Run("failed write removes its blob", func(t *testing.T) {
		// The blob lands only after the transaction has already failed,
		// so the cleanup has to wait for the write to settle before it
		// can delete anything.
		gate := make(chan struct{})
		blobs.holdPuts(gate)
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(gate)
		}()

		_, err := s.Update(ctx, UpsertRequest{
			TypeName:  "Patient",
			LogicalID: created.LogicalID,
			VersionID: 99,
			Payload:   []byte(`{"resourceType":"Patient","active":true}`),
		})
		require.ErrorIs(t, err, persistence.ErrVersionConflict)
		assert.Equal(t, 1, blobs.stored())
	})
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.Create(ctx, UpsertRequest{
		TypeName:   "Patient",
		Payload:    []byte(`{}`),
		Parameters: patientParams("active"),
	})
	require.NoError(t, err)

	// Both writers target version 2 with parameter values the registry
	// has never seen, so the losing side must surface a clean conflict.
	errs := make(chan error, 2)
	for _, status := range []string{"inactive", "on-hold"} {
		status := status
		go func() {
			_, err := s.Update(ctx, UpsertRequest{
				TypeName:   "Patient",
				LogicalID:  created.LogicalID,
				VersionID:  2,
				Payload:    []byte(`{}`),
				Parameters: patientParams(status),
			})
			errs <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, persistence.ErrVersionConflict)
			conflicts++
		} else {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	res, err := s.Read(ctx, "Patient", created.LogicalID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), res.VersionID)
}

func TestErase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.Create(ctx, UpsertRequest{TypeName: "Patient", Payload: []byte(`{}`)})
	require.NoError(t, err)
	id := created.LogicalID
	_, err = s.Update(ctx, UpsertRequest{TypeName: "Patient", LogicalID: id, VersionID: 2, Payload: []byte(`{}`)})
	require.NoError(t, err)

	t.Run("single version", func(t *testing.T) {
		outcome, err := s.Erase(ctx, "Patient", id, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.VersionsRemoved)
		assert.True(t, outcome.Partial)
	})

	t.Run("whole resource", func(t *testing.T) {
		outcome, err := s.Erase(ctx, "Patient", id, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.VersionsRemoved)
		assert.False(t, outcome.Partial)

		_, err = s.Read(ctx, "Patient", id)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})
}
