package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
)

// Reindex re-extracts the search parameters of the given logical
// resources inside one transaction and advances their reindex timestamp
// to tstamp, moving them out of the current sweep window. It returns how
// many rows were stamped.
//
// The whole batch commits or rolls back together; conflict-tolerant
// parameter inserts make a retried batch safe.
func (s *Store) Reindex(ctx context.Context, indexIDs []int64, tstamp time.Time) (int, error) {
	if s.extractor == nil {
		return 0, fmt.Errorf("%w: reindex requires a parameter extractor", persistence.ErrConfiguration)
	}
	if len(indexIDs) == 0 {
		return 0, nil
	}

	var stamped int
	var txc *identity.TxCache
	err := s.backend.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		txc = s.cache.NewTx(tx)
		processed := make([]int64, 0, len(indexIDs))
		for _, indexID := range indexIDs {
			res, err := tx.ReadResourceForReindex(ctx, indexID)
			if err != nil {
				// Erased since enumeration; nothing left to stamp.
				if errors.Is(err, persistence.ErrNotFound) {
					continue
				}
				return err
			}
			if err = s.reindexOne(ctx, tx, txc, res); err != nil {
				return err
			}
			processed = append(processed, indexID)
		}
		var err error
		stamped, err = tx.UpdateReindexTstamp(ctx, processed, tstamp)
		return err
	})
	if err != nil {
		if txc != nil {
			txc.Discard()
		}
		return 0, err
	}
	txc.Commit()
	return stamped, nil
}

func (s *Store) reindexOne(ctx context.Context, tx persistence.Tx, txc *identity.TxCache, res *persistence.Resource) error {
	// Tombstones have no parameters; stamping them is all that remains.
	if res.Deleted {
		return nil
	}
	if err := s.hydrate(ctx, res); err != nil {
		return err
	}
	values, err := s.extractor.Extract(ctx, res.TypeName, res.Payload)
	if err != nil {
		return fmt.Errorf("failed to extract parameters for %s/%s: %w", res.TypeName, res.LogicalID, err)
	}

	// Unchanged extraction output means the stored rows are already
	// right; skip the rewrite and only move the timestamp.
	hash := persistence.ParameterHash(values)
	if bytes.Equal(hash, res.ParameterHash) {
		s.paramSkips.Add(1)
		return nil
	}

	rows, err := resolveParameters(ctx, tx, txc, values)
	if err != nil {
		return err
	}
	if err = tx.ReplaceParameters(ctx, res.LogicalResourceID, rows); err != nil {
		return err
	}
	return tx.UpdateParameterHash(ctx, res.LogicalResourceID, hash)
}
