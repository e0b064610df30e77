package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rung/go-safecast"
	"go.uber.org/zap"

	"github.com/fhirgrid/fhirstore/pkg/payload"
	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
)

// UpsertRequest carries one create or update.
type UpsertRequest struct {
	TypeName string
	// LogicalID may be empty on create; the store assigns one.
	LogicalID string
	// VersionID is the version the caller expects to write: 1 for a
	// create, current+1 for an update. Anything else is a conflict.
	VersionID int
	Payload   []byte
	// Parameters are the extracted search-parameter values of Payload.
	Parameters []persistence.ParameterValue
}

// UpsertResult reports what was written.
type UpsertResult struct {
	LogicalID    string
	VersionID    int32
	VersionToken string
	LastUpdated  time.Time
	// ParametersSkipped is true when the parameter hash matched the
	// previous version and the parameter rows were left untouched.
	ParametersSkipped bool
}

// Create persists version 1 of a new logical resource. An unknown
// resource type is registered on first use.
func (s *Store) Create(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	if req.LogicalID == "" {
		req.LogicalID = uuid.NewString()
	}
	if req.VersionID == 0 {
		req.VersionID = 1
	}
	result, err := s.upsert(ctx, req, true, false)
	if err != nil {
		return nil, err
	}
	s.creates.Add(1)
	return result, nil
}

// Update persists the next version of an existing logical resource under
// the optimistic concurrency check.
func (s *Store) Update(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	result, err := s.upsert(ctx, req, false, false)
	if err != nil {
		return nil, err
	}
	s.updates.Add(1)
	return result, nil
}

// Delete writes a tombstone version and clears the parameter rows, so the
// resource stops matching searches while its history stays readable.
func (s *Store) Delete(ctx context.Context, typeName, logicalID string, newVersion int) (*UpsertResult, error) {
	result, err := s.upsert(ctx, UpsertRequest{
		TypeName:  typeName,
		LogicalID: logicalID,
		VersionID: newVersion,
	}, false, true)
	if err != nil {
		return nil, err
	}
	s.deletes.Add(1)
	return result, nil
}

func (s *Store) upsert(ctx context.Context, req UpsertRequest, create, deleted bool) (*UpsertResult, error) {
	version, err := safecast.Int32(req.VersionID)
	if err != nil || version < 1 {
		return nil, fmt.Errorf("%w: version %d out of range", persistence.ErrDataAccess, req.VersionID)
	}

	result := &UpsertResult{
		LogicalID:    req.LogicalID,
		VersionID:    version,
		VersionToken: uuid.NewString(),
		LastUpdated:  now(),
	}
	hash := persistence.ParameterHash(req.Parameters)

	// Start the blob upload before the relational work; the transaction
	// blocks on it just before commit.
	var pending *payload.Pending
	payloadBytes := req.Payload
	payloadKey := ""
	if s.payloads != nil && !deleted && len(req.Payload) >= s.offloadThreshold {
		payloadKey = fmt.Sprintf("%s/%s/%d/%s", req.TypeName, req.LogicalID, version, result.VersionToken)
		pending = s.payloads.Put(ctx, payloadKey, req.Payload)
		payloadBytes = nil
	}

	var txc *identity.TxCache
	err = s.backend.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		txc = s.cache.NewTx(tx)
		var typeID int32
		var err error
		if create {
			typeID, err = txc.GetOrCreateResourceTypeID(ctx, req.TypeName)
		} else {
			typeID, err = txc.GetResourceTypeID(ctx, req.TypeName)
		}
		if err != nil {
			return err
		}

		ins, err := tx.InsertResourceVersion(ctx, persistence.InsertRequest{
			ResourceTypeID: typeID,
			LogicalID:      req.LogicalID,
			VersionID:      version,
			LastUpdated:    result.LastUpdated,
			Deleted:        deleted,
			Payload:        payloadBytes,
			PayloadKey:     payloadKey,
			VersionToken:   result.VersionToken,
			ParameterHash:  hash,
		})
		if err != nil {
			return err
		}

		if !deleted && ins.PreviousParameterHash != nil && bytes.Equal(ins.PreviousParameterHash, hash) {
			result.ParametersSkipped = true
			s.paramSkips.Add(1)
		} else {
			rows, err := resolveParameters(ctx, tx, txc, req.Parameters)
			if err != nil {
				return err
			}
			if err = tx.ReplaceParameters(ctx, ins.LogicalResourceID, rows); err != nil {
				return err
			}
		}

		if pending != nil {
			if err = pending.Wait(ctx); err != nil {
				return fmt.Errorf("payload offload for %s failed: %w", payloadKey, err)
			}
		}
		return nil
	})
	if err != nil {
		if txc != nil {
			txc.Discard()
		}
		if pending != nil {
			// The relational row never landed; drop the orphan blob. The
			// background write must settle first or a slow Put would land
			// the blob after this delete.
			_ = pending.Wait(context.Background())
			if delErr := s.payloads.Delete(ctx, payloadKey); delErr != nil {
				zap.S().Warnf("Failed to remove orphaned payload %s: %s", payloadKey, delErr)
			}
		}
		return nil, err
	}
	txc.Commit()
	return result, nil
}
