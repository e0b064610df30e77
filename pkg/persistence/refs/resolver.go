// Package refs interns token values and canonical URLs into surrogate
// ids inside one transaction. It is the concurrency-sensitive part of the
// engine: missing values are created with the backend's conflict-tolerant
// upsert, and every batch is bound in one global sort order so two
// transactions upserting overlapping sets cannot deadlock on row locks
// acquired in different orders.
package refs

import (
	"context"
	"fmt"
	"sort"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
)

// TokenRef is a (code system name, token value) pair as extracted from a
// resource, before either part is interned.
type TokenRef struct {
	CodeSystem string
	Value      string
}

// Resolver resolves batches of extracted references against the identity
// cache, creating missing entries through the transaction.
type Resolver struct {
	cache *identity.TxCache
}

func NewResolver(cache *identity.TxCache) *Resolver {
	return &Resolver{cache: cache}
}

// ResolveTokens returns the common-token-value id for every input pair,
// interning missing ones. Results are keyed by the input TokenRef.
func (r *Resolver) ResolveTokens(ctx context.Context, tx persistence.Tx, tokens []TokenRef) (map[TokenRef]int64, error) {
	if len(tokens) == 0 {
		return map[TokenRef]int64{}, nil
	}

	// Intern the code systems first; many tokens share few systems, so
	// this is nearly always served from cache.
	keyByRef := make(map[TokenRef]persistence.TokenKey, len(tokens))
	keys := make([]persistence.TokenKey, 0, len(tokens))
	seen := make(map[persistence.TokenKey]bool, len(tokens))
	for _, tok := range tokens {
		csID, err := r.cache.GetCodeSystemID(ctx, tok.CodeSystem)
		if err != nil {
			return nil, err
		}
		key := persistence.TokenKey{CodeSystemID: csID, TokenValue: tok.Value}
		keyByRef[tok] = key
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	resolved, missing, err := r.cache.GetCommonTokenValueIDs(ctx, keys)
	if err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		sortTokenKeys(missing)
		if err = tx.UpsertCommonTokenValues(ctx, missing); err != nil {
			return nil, err
		}
		// Re-read to pick up final ids, including rows lost to a
		// concurrent writer's insert.
		created, err := tx.ReadCommonTokenValueIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, row := range created {
			resolved[row.TokenKey] = row.CommonTokenValueID
			r.cache.AddTokenValue(row.TokenKey, row.CommonTokenValueID)
		}
	}

	out := make(map[TokenRef]int64, len(tokens))
	for ref, key := range keyByRef {
		id, ok := resolved[key]
		if !ok {
			return nil, fmt.Errorf("%w: token value %q did not resolve after upsert", persistence.ErrDataAccess, ref.Value)
		}
		out[ref] = id
	}
	return out, nil
}

// ResolveCanonicals returns the canonical id for every URL, interning
// missing ones. This is the only path that creates canonical values.
func (r *Resolver) ResolveCanonicals(ctx context.Context, tx persistence.Tx, urls []string) (map[string]int32, error) {
	if len(urls) == 0 {
		return map[string]int32{}, nil
	}

	out := make(map[string]int32, len(urls))
	var missing []string
	seen := make(map[string]bool, len(urls))
	for _, url := range urls {
		if seen[url] {
			continue
		}
		seen[url] = true
		id, found, err := r.cache.GetCanonicalID(ctx, url)
		if err != nil {
			return nil, err
		}
		if found {
			out[url] = id
			continue
		}
		missing = append(missing, url)
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		if err := tx.UpsertCanonicalValues(ctx, missing); err != nil {
			return nil, err
		}
		created, err := tx.ReadCanonicalIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for url, id := range created {
			out[url] = id
			r.cache.AddCanonical(url, id)
		}
		for _, url := range missing {
			if _, ok := out[url]; !ok {
				return nil, fmt.Errorf("%w: canonical %q did not resolve after upsert", persistence.ErrDataAccess, url)
			}
		}
	}
	return out, nil
}

// sortTokenKeys fixes the bind order across all writers: by value first,
// then by code system.
func sortTokenKeys(keys []persistence.TokenKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TokenValue != keys[j].TokenValue {
			return keys[i].TokenValue < keys[j].TokenValue
		}
		return keys[i].CodeSystemID < keys[j].CodeSystemID
	})
}
