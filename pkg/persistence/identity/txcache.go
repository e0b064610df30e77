package identity

import (
	"context"
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// TxDAO is the identity slice of a backend transaction. Miss paths of
// the transaction tier go through it, never through the pool: a backend
// whose transaction holds its only connection (sqlite) would otherwise
// deadlock against itself.
type TxDAO interface {
	ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error)
	GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error)
	AcquireParameterNameID(ctx context.Context, name string) (int32, error)
	ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error)
	ReadCanonicalID(ctx context.Context, url string) (int32, bool, error)
	ReadCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error)
	ReadCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error)
}

// TxCache is the transaction tier. It is confined to one transaction, so
// none of it is synchronized. Entries resolved or created during the
// transaction stay here until Commit promotes them into the shared tier
// in one pass; Discard drops them, which is the rollback behavior.
type TxCache struct {
	shared *Cache
	dao    TxDAO

	resourceTypes  map[string]int32
	parameterNames map[string]int32
	codeSystems    map[string]int32
	tokenValues    map[persistence.TokenKey]int64
	canonicals     map[string]int32
}

// NewTx creates the transaction tier on top of the shared cache, bound to
// the active transaction's identity surface.
func (c *Cache) NewTx(dao TxDAO) *TxCache {
	return &TxCache{
		shared:         c,
		dao:            dao,
		resourceTypes:  make(map[string]int32),
		parameterNames: make(map[string]int32),
		codeSystems:    make(map[string]int32),
		tokenValues:    make(map[persistence.TokenKey]int64),
		canonicals:     make(map[string]int32),
	}
}

// GetResourceTypeID resolves a type name for a write path. A database hit
// seeds only this transaction's tier, so a rolled-back transaction cannot
// poison the shared cache with a candidate entry.
func (t *TxCache) GetResourceTypeID(ctx context.Context, name string) (int32, error) {
	if id, ok := t.resourceTypes[name]; ok {
		return id, nil
	}
	if id, ok := t.shared.peekResourceTypeID(name); ok {
		return id, nil
	}
	id, found, err := t.dao.ReadResourceTypeID(ctx, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: resource type %q is not registered in this database", persistence.ErrConfiguration, name)
	}
	t.resourceTypes[name] = id
	return id, nil
}

// GetOrCreateResourceTypeID is the explicit bootstrap path for a first
// write of a brand-new resource type.
func (t *TxCache) GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error) {
	if id, ok := t.resourceTypes[name]; ok {
		return id, nil
	}
	if id, ok := t.shared.peekResourceTypeID(name); ok {
		return id, nil
	}
	id, err := t.dao.GetOrCreateResourceTypeID(ctx, name)
	if err != nil {
		return 0, err
	}
	t.resourceTypes[name] = id
	return id, nil
}

func (t *TxCache) GetParameterNameID(ctx context.Context, name string) (int32, error) {
	if id, ok := t.parameterNames[name]; ok {
		return id, nil
	}
	if id, ok := t.shared.peekParameterNameID(name); ok {
		return id, nil
	}
	id, err := t.dao.AcquireParameterNameID(ctx, name)
	if err != nil {
		return 0, err
	}
	t.parameterNames[name] = id
	return id, nil
}

func (t *TxCache) GetCodeSystemID(ctx context.Context, name string) (int32, error) {
	if id, ok := t.codeSystems[name]; ok {
		return id, nil
	}
	if id, ok := t.shared.peekCodeSystemID(name); ok {
		return id, nil
	}
	id, err := t.dao.ReadOrAddCodeSystemID(ctx, name)
	if err != nil {
		return 0, err
	}
	t.codeSystems[name] = id
	return id, nil
}

func (t *TxCache) GetCanonicalID(ctx context.Context, url string) (int32, bool, error) {
	if id, ok := t.canonicals[url]; ok {
		return id, true, nil
	}
	if id, ok := t.shared.peekCanonicalID(url); ok {
		return id, true, nil
	}
	id, found, err := t.dao.ReadCanonicalID(ctx, url)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	t.canonicals[url] = id
	return id, true, nil
}

// GetCommonTokenValueID resolves one token value. The entry lands in the
// transaction tier only; keeping the shared ARC out of the hot extraction
// path avoids lock contention there, at the cost of the entry being
// invisible to other transactions until commit.
func (t *TxCache) GetCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error) {
	if id, ok := t.tokenValues[key]; ok {
		return id, true, nil
	}
	if id, ok := t.shared.peekTokenValueID(key); ok {
		return id, true, nil
	}
	id, found, err := t.dao.ReadCommonTokenValueID(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	t.tokenValues[key] = id
	return id, true, nil
}

// GetCommonTokenValueIDs is the batch form: resolve what the two tiers
// already know, issue one database round-trip for the remainder, and
// report what is still missing so the caller can upsert it.
func (t *TxCache) GetCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) (map[persistence.TokenKey]int64, []persistence.TokenKey, error) {
	resolved := make(map[persistence.TokenKey]int64, len(keys))
	var unknown []persistence.TokenKey
	for _, key := range keys {
		if id, ok := t.tokenValues[key]; ok {
			resolved[key] = id
			continue
		}
		if id, ok := t.shared.peekTokenValueID(key); ok {
			resolved[key] = id
			continue
		}
		unknown = append(unknown, key)
	}
	if len(unknown) == 0 {
		return resolved, nil, nil
	}

	fromDB, err := t.dao.ReadCommonTokenValueIDs(ctx, unknown)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range fromDB {
		resolved[r.TokenKey] = r.CommonTokenValueID
		t.tokenValues[r.TokenKey] = r.CommonTokenValueID
	}

	var missing []persistence.TokenKey
	for _, key := range unknown {
		if _, ok := resolved[key]; !ok {
			missing = append(missing, key)
		}
	}
	return resolved, missing, nil
}

// AddTokenValue stages a freshly interned token value.
func (t *TxCache) AddTokenValue(key persistence.TokenKey, id int64) {
	t.tokenValues[key] = id
}

// AddCanonical stages a freshly interned canonical URL.
func (t *TxCache) AddCanonical(url string, id int32) {
	t.canonicals[url] = id
}

// Commit promotes every staged entry into the shared tier. All entries
// are already resolved, so this is a straight bulk insert with no
// re-validation; it is the only point a write touches the shared tier.
func (t *TxCache) Commit() {
	for name, id := range t.resourceTypes {
		t.shared.addResourceType(name, id)
	}
	for name, id := range t.parameterNames {
		t.shared.parameterNames.Set(name, id, gocache.NoExpiration)
	}
	for name, id := range t.codeSystems {
		t.shared.codeSystems.Set(name, id, gocache.NoExpiration)
	}
	for key, id := range t.tokenValues {
		t.shared.tokenValues.Add(tokenCacheKey(key), id)
	}
	for url, id := range t.canonicals {
		t.shared.canonicals.Add(url, id)
	}
	t.Discard()
}

// Discard drops the transaction tier, which is the rollback behavior.
func (t *TxCache) Discard() {
	t.resourceTypes = make(map[string]int32)
	t.parameterNames = make(map[string]int32)
	t.codeSystems = make(map[string]int32)
	t.tokenValues = make(map[persistence.TokenKey]int64)
	t.canonicals = make(map[string]int32)
}
