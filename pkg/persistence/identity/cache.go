// Package identity provides the tiered name<->surrogate-id cache in front
// of the registry tables. The shared tier is visible to every transaction
// on a datastore; the transaction tier (TxCache) stages entries until
// commit. Entries are immutable once assigned, so the only miss mode is
// "not yet cached", never "stale".
package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/EagleChen/mapmutex"
	lru "github.com/hashicorp/golang-lru"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// DAO is the slice of the backend the cache needs for its miss paths.
// persistence.Backend satisfies it.
type DAO interface {
	ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error)
	ReadAllResourceTypes(ctx context.Context) (map[string]int32, error)
	GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error)
	AcquireParameterNameID(ctx context.Context, name string) (int32, error)
	ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error)
	ReadCanonicalID(ctx context.Context, url string) (int32, bool, error)
	ReadCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error)
	ReadCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error)
}

// Metrics is a point-in-time snapshot of cache effectiveness.
type Metrics struct {
	Hits   uint64
	Misses uint64
}

// Cache is the shared tier. The three registries are small and never
// shrink, so they live in unbounded maps; token values and canonicals are
// unbounded in the database and therefore sit behind ARC caches.
type Cache struct {
	dao DAO

	resourceTypes     *gocache.Cache // name -> int32
	resourceTypeNames *gocache.Cache // id (decimal string) -> name
	parameterNames    *gocache.Cache // name -> int32
	codeSystems       *gocache.Cache // name -> int32

	tokenValues *lru.ARCCache // tokenCacheKey -> int64
	canonicals  *lru.ARCCache // url -> int32

	goiLock *mapmutex.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache builds the shared tier for one datastore. Constructed once at
// startup and torn down at shutdown.
func NewCache(dao DAO, tokenCacheSize, canonicalCacheSize int) (*Cache, error) {
	tokens, err := lru.NewARC(tokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token value ARC: %w", err)
	}
	canonicals, err := lru.NewARC(canonicalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create canonical ARC: %w", err)
	}
	return &Cache{
		dao:               dao,
		resourceTypes:     gocache.New(gocache.NoExpiration, 0),
		resourceTypeNames: gocache.New(gocache.NoExpiration, 0),
		parameterNames:    gocache.New(gocache.NoExpiration, 0),
		codeSystems:       gocache.New(gocache.NoExpiration, 0),
		tokenValues:       tokens,
		canonicals:        canonicals,
		goiLock:           mapmutex.NewMapMutex(),
	}, nil
}

// GetResourceTypeID resolves a resource type name, filling both the
// forward and reverse shared caches on a database hit. A name absent from
// the database is a deployment mismatch, never an implicit create.
func (c *Cache) GetResourceTypeID(ctx context.Context, name string) (int32, error) {
	if id, ok := c.peekResourceTypeID(name); ok {
		return id, nil
	}
	id, found, err := c.dao.ReadResourceTypeID(ctx, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: resource type %q is not registered in this database", persistence.ErrConfiguration, name)
	}
	c.addResourceType(name, id)
	return id, nil
}

// GetResourceTypeName is the reverse lookup. A miss bulk-loads the whole
// registry in one call, which amortizes every future miss.
func (c *Cache) GetResourceTypeName(ctx context.Context, id int32) (string, error) {
	if name, ok := c.resourceTypeNames.Get(strconv.FormatInt(int64(id), 10)); ok {
		c.hits.Add(1)
		return name.(string), nil
	}
	c.misses.Add(1)
	all, err := c.dao.ReadAllResourceTypes(ctx)
	if err != nil {
		return "", err
	}
	for name, typeID := range all {
		c.addResourceType(name, typeID)
	}
	if name, ok := c.resourceTypeNames.Get(strconv.FormatInt(int64(id), 10)); ok {
		return name.(string), nil
	}
	return "", fmt.Errorf("%w: resource type id %d is not registered in this database", persistence.ErrConfiguration, id)
}

// GetParameterNameID resolves a parameter name, creating it in the
// database if needed. The keyed lock only reduces duplicate round-trips;
// correctness under the race is the database's get-or-create protocol.
func (c *Cache) GetParameterNameID(ctx context.Context, name string) (int32, error) {
	if id, ok := c.parameterNames.Get(name); ok {
		c.hits.Add(1)
		return id.(int32), nil
	}
	c.misses.Add(1)

	locked := c.goiLock.TryLock(name)
	if locked {
		defer c.goiLock.Unlock(name)
		// Another locker may have resolved it in the meantime
		if id, ok := c.parameterNames.Get(name); ok {
			return id.(int32), nil
		}
	}
	id, err := c.dao.AcquireParameterNameID(ctx, name)
	if err != nil {
		return 0, err
	}
	c.parameterNames.Set(name, id, gocache.NoExpiration)
	return id, nil
}

// GetCodeSystemID resolves a code system name via the read-or-add path.
func (c *Cache) GetCodeSystemID(ctx context.Context, name string) (int32, error) {
	if id, ok := c.codeSystems.Get(name); ok {
		c.hits.Add(1)
		return id.(int32), nil
	}
	c.misses.Add(1)

	locked := c.goiLock.TryLock(name)
	if locked {
		defer c.goiLock.Unlock(name)
		if id, ok := c.codeSystems.Get(name); ok {
			return id.(int32), nil
		}
	}
	id, err := c.dao.ReadOrAddCodeSystemID(ctx, name)
	if err != nil {
		return 0, err
	}
	c.codeSystems.Set(name, id, gocache.NoExpiration)
	return id, nil
}

// GetCanonicalID resolves a canonical URL. An unknown canonical is not an
// error and is not created here; creation happens only on the batch
// upsert path during parameter extraction.
func (c *Cache) GetCanonicalID(ctx context.Context, url string) (int32, bool, error) {
	if id, ok := c.canonicals.Get(url); ok {
		c.hits.Add(1)
		return id.(int32), true, nil
	}
	c.misses.Add(1)
	id, found, err := c.dao.ReadCanonicalID(ctx, url)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	c.canonicals.Add(url, id)
	return id, true, nil
}

// GetMetrics returns hit/miss counters for the shared tier.
func (c *Cache) GetMetrics() Metrics {
	return Metrics{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Cache) addResourceType(name string, id int32) {
	c.resourceTypes.Set(name, id, gocache.NoExpiration)
	c.resourceTypeNames.Set(strconv.FormatInt(int64(id), 10), name, gocache.NoExpiration)
}

func (c *Cache) peekResourceTypeID(name string) (int32, bool) {
	if id, ok := c.resourceTypes.Get(name); ok {
		c.hits.Add(1)
		return id.(int32), true
	}
	c.misses.Add(1)
	return 0, false
}

func (c *Cache) peekParameterNameID(name string) (int32, bool) {
	if id, ok := c.parameterNames.Get(name); ok {
		c.hits.Add(1)
		return id.(int32), true
	}
	c.misses.Add(1)
	return 0, false
}

func (c *Cache) peekCodeSystemID(name string) (int32, bool) {
	if id, ok := c.codeSystems.Get(name); ok {
		c.hits.Add(1)
		return id.(int32), true
	}
	c.misses.Add(1)
	return 0, false
}

func (c *Cache) peekCanonicalID(url string) (int32, bool) {
	if id, ok := c.canonicals.Get(url); ok {
		c.hits.Add(1)
		return id.(int32), true
	}
	c.misses.Add(1)
	return 0, false
}

func (c *Cache) peekTokenValueID(key persistence.TokenKey) (int64, bool) {
	if id, ok := c.tokenValues.Get(tokenCacheKey(key)); ok {
		c.hits.Add(1)
		return id.(int64), true
	}
	c.misses.Add(1)
	return 0, false
}

// tokenCacheKey renders a TokenKey for the ARC cache. '*' cannot occur in
// the numeric prefix and therefore is a safe separator.
func tokenCacheKey(key persistence.TokenKey) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(int64(key.CodeSystemID), 10))
	sb.WriteRune('*')
	sb.WriteString(key.TokenValue)
	return sb.String()
}
