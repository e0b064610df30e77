package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rung/go-safecast"
	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// ChangesQuery is the caller-facing change-log cursor. The cursor is the
// last seen ChangeID; timestamps only narrow the window and never order
// the result.
type ChangesQuery struct {
	Count         int
	AfterChangeID int64
	// TypeName filters to one resource type; empty means all.
	TypeName           string
	FromLastModified   *time.Time
	BeforeLastModified *time.Time
}

// Changes enumerates the change log in append order.
func (s *Store) Changes(ctx context.Context, q ChangesQuery) ([]persistence.ChangeRecord, error) {
	req := persistence.ChangesRequest{
		Count:              q.Count,
		AfterChangeID:      q.AfterChangeID,
		FromLastModified:   q.FromLastModified,
		BeforeLastModified: q.BeforeLastModified,
	}
	if q.TypeName != "" {
		typeID, err := s.cache.GetResourceTypeID(ctx, q.TypeName)
		if err != nil {
			return nil, err
		}
		req.ResourceTypeID = typeID
	}
	return s.backend.Changes(ctx, req)
}

// RetrieveIndex enumerates reindex candidates after the cursor, oldest
// index id first.
func (s *Store) RetrieveIndex(ctx context.Context, count int, notModifiedAfter time.Time, afterIndexID int64, typeName string) ([]int64, error) {
	req := persistence.RetrieveIndexRequest{
		Count:            count,
		NotModifiedAfter: notModifiedAfter,
		AfterIndexID:     afterIndexID,
	}
	if typeName != "" {
		typeID, err := s.cache.GetResourceTypeID(ctx, typeName)
		if err != nil {
			return nil, err
		}
		req.ResourceTypeID = typeID
	}
	return s.backend.RetrieveIndex(ctx, req)
}

// FetchResourcePayloads streams versions of one type modified in
// [from, to) to cb, hydrating offloaded payloads on the way.
func (s *Store) FetchResourcePayloads(ctx context.Context, typeName string, from, to time.Time, cb persistence.PayloadCallback) (time.Time, error) {
	typeID, err := s.cache.GetResourceTypeID(ctx, typeName)
	if err != nil {
		return time.Time{}, err
	}
	return s.backend.FetchPayloads(ctx, typeID, from, to, func(res *persistence.Resource) (bool, error) {
		res.TypeName = typeName
		if err := s.hydrate(ctx, res); err != nil {
			return false, err
		}
		return cb(res)
	})
}

// Erase physically removes a logical resource, or one non-current version
// of it when versionID is non-zero. Offloaded payload blobs are removed
// after the relational delete commits.
func (s *Store) Erase(ctx context.Context, typeName, logicalID string, versionID int) (*persistence.EraseOutcome, error) {
	version, err := safecast.Int32(versionID)
	if err != nil {
		return nil, fmt.Errorf("%w: version %d out of range", persistence.ErrDataAccess, versionID)
	}
	typeID, err := s.cache.GetResourceTypeID(ctx, typeName)
	if err != nil {
		return nil, err
	}

	// Collect the blob keys first; after the delete there is nothing left
	// to enumerate them from.
	var payloadKeys []string
	if s.payloads != nil {
		versions, err := s.backend.History(ctx, typeID, logicalID, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, res := range versions {
			if res.PayloadKey == "" {
				continue
			}
			if version != 0 && res.VersionID != version {
				continue
			}
			payloadKeys = append(payloadKeys, res.PayloadKey)
		}
	}

	outcome, err := s.backend.Erase(ctx, persistence.EraseRequest{
		ResourceTypeID: typeID,
		TypeName:       typeName,
		LogicalID:      logicalID,
		VersionID:      version,
	})
	if err != nil {
		return nil, err
	}

	for _, key := range payloadKeys {
		if err := s.payloads.Delete(ctx, key); err != nil {
			// The relational rows are gone; an unreachable blob is the
			// lesser failure, so log and keep going.
			zap.S().Warnf("Failed to remove erased payload %s: %s", key, err)
		}
	}
	return outcome, nil
}
