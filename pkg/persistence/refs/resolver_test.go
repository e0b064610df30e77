package refs

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
)

// fakeDAO backs the shared cache tier; the resolver never reaches it.
type fakeDAO struct{}

func (fakeDAO) ReadResourceTypeID(context.Context, string) (int32, bool, error) {
	return 0, false, nil
}
func (fakeDAO) ReadAllResourceTypes(context.Context) (map[string]int32, error) {
	return map[string]int32{}, nil
}
func (fakeDAO) GetOrCreateResourceTypeID(context.Context, string) (int32, error) {
	return 0, nil
}
func (fakeDAO) AcquireParameterNameID(context.Context, string) (int32, error) {
	return 0, nil
}
func (fakeDAO) ReadOrAddCodeSystemID(context.Context, string) (int32, error) {
	return 0, nil
}
func (fakeDAO) ReadCanonicalID(context.Context, string) (int32, bool, error) {
	return 0, false, nil
}
func (fakeDAO) ReadCommonTokenValueID(context.Context, persistence.TokenKey) (int64, bool, error) {
	return 0, false, nil
}
func (fakeDAO) ReadCommonTokenValueIDs(context.Context, []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	return nil, nil
}

// fakeTx implements the interned-value and identity slices of
// persistence.Tx and records the upsert batches it saw.
type fakeTx struct {
	persistence.Tx

	codeSystems map[string]int32
	nextCSID    int32

	tokens      map[persistence.TokenKey]int64
	nextTokenID int64
	tokenBatch  []persistence.TokenKey

	canonicals     map[string]int32
	nextCanonID    int32
	canonicalBatch []string
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		codeSystems: map[string]int32{},
		tokens:      map[persistence.TokenKey]int64{},
		canonicals:  map[string]int32{},
	}
}

func (f *fakeTx) ReadOrAddCodeSystemID(_ context.Context, name string) (int32, error) {
	if id, ok := f.codeSystems[name]; ok {
		return id, nil
	}
	f.nextCSID++
	f.codeSystems[name] = f.nextCSID
	return f.nextCSID, nil
}

func (f *fakeTx) ReadCanonicalID(_ context.Context, url string) (int32, bool, error) {
	id, ok := f.canonicals[url]
	return id, ok, nil
}

func (f *fakeTx) ReadCommonTokenValueID(_ context.Context, key persistence.TokenKey) (int64, bool, error) {
	id, ok := f.tokens[key]
	return id, ok, nil
}

func (f *fakeTx) UpsertCommonTokenValues(_ context.Context, keys []persistence.TokenKey) error {
	f.tokenBatch = append([]persistence.TokenKey(nil), keys...)
	for _, key := range keys {
		if _, ok := f.tokens[key]; !ok {
			f.nextTokenID++
			f.tokens[key] = f.nextTokenID
		}
	}
	return nil
}

func (f *fakeTx) ReadCommonTokenValueIDs(_ context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	var out []persistence.ResolvedToken
	for _, key := range keys {
		if id, ok := f.tokens[key]; ok {
			out = append(out, persistence.ResolvedToken{TokenKey: key, CommonTokenValueID: id})
		}
	}
	return out, nil
}

func (f *fakeTx) UpsertCanonicalValues(_ context.Context, urls []string) error {
	f.canonicalBatch = append([]string(nil), urls...)
	for _, url := range urls {
		if _, ok := f.canonicals[url]; !ok {
			f.nextCanonID++
			f.canonicals[url] = f.nextCanonID
		}
	}
	return nil
}

func (f *fakeTx) ReadCanonicalIDs(_ context.Context, urls []string) (map[string]int32, error) {
	out := make(map[string]int32)
	for _, url := range urls {
		if id, ok := f.canonicals[url]; ok {
			out[url] = id
		}
	}
	return out, nil
}

func newTxCache(t *testing.T, tx identity.TxDAO) *identity.TxCache {
	cache, err := identity.NewCache(fakeDAO{}, 100, 100)
	require.NoError(t, err)
	return cache.NewTx(tx)
}

func TestResolveTokens(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()
	txc := newTxCache(t, tx)
	resolver := NewResolver(txc)

	tokens := []TokenRef{
		{CodeSystem: "http://loinc.org", Value: "zulu"},
		{CodeSystem: "http://loinc.org", Value: "alpha"},
		{CodeSystem: "http://snomed.info/sct", Value: "alpha"},
		{CodeSystem: "http://loinc.org", Value: "alpha"}, // duplicate
	}
	resolved, err := resolver.ResolveTokens(ctx, tx, tokens)
	require.NoError(t, err)

	t.Run("every input resolves", func(t *testing.T) {
		assert.Len(t, resolved, 3)
		for _, tok := range tokens {
			assert.Contains(t, resolved, tok)
		}
	})

	t.Run("upsert batch is bound in sorted order", func(t *testing.T) {
		require.Len(t, tx.tokenBatch, 3)
		isSorted := sort.SliceIsSorted(tx.tokenBatch, func(i, j int) bool {
			if tx.tokenBatch[i].TokenValue != tx.tokenBatch[j].TokenValue {
				return tx.tokenBatch[i].TokenValue < tx.tokenBatch[j].TokenValue
			}
			return tx.tokenBatch[i].CodeSystemID < tx.tokenBatch[j].CodeSystemID
		})
		assert.True(t, isSorted)
	})

	t.Run("second resolve is served from the transaction tier", func(t *testing.T) {
		tx.tokenBatch = nil
		again, err := resolver.ResolveTokens(ctx, tx, tokens)
		require.NoError(t, err)
		assert.Equal(t, resolved, again)
		assert.Nil(t, tx.tokenBatch)
	})
}

func TestResolveCanonicals(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()
	txc := newTxCache(t, tx)
	resolver := NewResolver(txc)

	urls := []string{
		"http://example.org/sd/b",
		"http://example.org/sd/a",
		"http://example.org/sd/b", // duplicate
	}
	resolved, err := resolver.ResolveCanonicals(ctx, tx, urls)
	require.NoError(t, err)

	assert.Len(t, resolved, 2)
	assert.Equal(t, []string{"http://example.org/sd/a", "http://example.org/sd/b"}, tx.canonicalBatch)

	tx.canonicalBatch = nil
	again, err := resolver.ResolveCanonicals(ctx, tx, urls)
	require.NoError(t, err)
	assert.Equal(t, resolved, again)
	assert.Nil(t, tx.canonicalBatch)
}
