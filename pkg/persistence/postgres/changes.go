package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// Changes enumerates the change log in append order. Keyset pagination on
// change_id keeps the cursor stable under concurrent inserts; OFFSET
// would not.
func (c *Connection) Changes(ctx context.Context, req persistence.ChangesRequest) ([]persistence.ChangeRecord, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()

	query := `SELECT cl.change_id, rt.resource_type, cl.logical_id, cl.version_id, cl.change_type, cl.change_tstamp
		FROM resource_change_log cl
		JOIN resource_types rt ON rt.resource_type_id = cl.resource_type_id
		WHERE cl.change_id > $1`
	args := []any{req.AfterChangeID}
	if req.FromLastModified != nil {
		args = append(args, *req.FromLastModified)
		query += ` AND cl.change_tstamp >= $` + strconv.Itoa(len(args))
	}
	if req.BeforeLastModified != nil {
		args = append(args, *req.BeforeLastModified)
		query += ` AND cl.change_tstamp < $` + strconv.Itoa(len(args))
	}
	if req.ResourceTypeID != 0 {
		args = append(args, req.ResourceTypeID)
		query += ` AND cl.resource_type_id = $` + strconv.Itoa(len(args))
	}
	args = append(args, req.Count)
	query += ` ORDER BY cl.change_id LIMIT $` + strconv.Itoa(len(args))

	rows, err := c.db.Query(readCtx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []persistence.ChangeRecord
	for rows.Next() {
		var r persistence.ChangeRecord
		var changeType string
		if err = rows.Scan(&r.ChangeID, &r.TypeName, &r.LogicalID, &r.VersionID, &changeType, &r.ChangeTstamp); err != nil {
			return nil, classify(err)
		}
		r.ChangeType = persistence.ChangeType(changeType)
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}

// RetrieveIndex enumerates reindex candidates: logical resources whose
// reindex timestamp predates the cutoff, in index-id order after the
// caller's cursor.
func (c *Connection) RetrieveIndex(ctx context.Context, req persistence.RetrieveIndexRequest) ([]int64, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()

	query := `SELECT logical_resource_id FROM logical_resources
		WHERE reindex_tstamp < $1 AND logical_resource_id > $2`
	args := []any{req.NotModifiedAfter, req.AfterIndexID}
	if req.ResourceTypeID != 0 {
		args = append(args, req.ResourceTypeID)
		query += ` AND resource_type_id = $` + strconv.Itoa(len(args))
	}
	args = append(args, req.Count)
	query += ` ORDER BY logical_resource_id LIMIT $` + strconv.Itoa(len(args))

	rows, err := c.db.Query(readCtx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// FetchPayloads streams versions modified in [from, to) in last-updated
// order. The callback can stop the scan early; the returned marker is the
// last-updated value of the last record handed to the callback.
func (c *Connection) FetchPayloads(ctx context.Context, resourceTypeID int32, from, to time.Time, cb persistence.PayloadCallback) (time.Time, error) {
	var marker time.Time
	rows, err := c.db.Query(ctx,
		`SELECT lr.logical_resource_id, lr.logical_id, rv.version_id, rv.last_updated, rv.is_deleted, rv.payload, rv.payload_key
		 FROM resource_versions rv
		 JOIN logical_resources lr ON lr.logical_resource_id = rv.logical_resource_id
		 WHERE lr.resource_type_id = $1 AND rv.last_updated >= $2 AND rv.last_updated < $3
		 ORDER BY rv.last_updated, rv.resource_version_id`,
		resourceTypeID, from, to)
	if err != nil {
		return marker, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var res persistence.Resource
		if err = rows.Scan(&res.LogicalResourceID, &res.LogicalID, &res.VersionID, &res.LastUpdated,
			&res.Deleted, &res.Payload, &res.PayloadKey); err != nil {
			return marker, classify(err)
		}
		keepGoing, cbErr := cb(&res)
		if cbErr != nil {
			return marker, cbErr
		}
		marker = res.LastUpdated
		if !keepGoing {
			return marker, nil
		}
	}
	if err = rows.Err(); err != nil {
		return marker, classify(err)
	}
	return marker, nil
}

// Erase physically removes a resource or one of its non-current versions.
// Unlike delete, this is outside the versioning model and irreversible.
func (c *Connection) Erase(ctx context.Context, req persistence.EraseRequest) (*persistence.EraseOutcome, error) {
	outcome := &persistence.EraseOutcome{TypeName: req.TypeName, LogicalID: req.LogicalID}
	// Erase manages its own transaction because it needs the pgx.Tx
	// directly for multi-table deletes.
	txn, err := c.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		rollbackCtx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
		defer cncl()
		_ = txn.Rollback(rollbackCtx)
	}()

	var logicalResourceID int64
	var currentVersion int32
	err = txn.QueryRow(ctx,
		`SELECT logical_resource_id, current_version FROM logical_resources
		 WHERE resource_type_id = $1 AND logical_id = $2 FOR UPDATE`,
		req.ResourceTypeID, req.LogicalID).Scan(&logicalResourceID, &currentVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, req.LogicalID)
		}
		return nil, classify(err)
	}

	if req.VersionID != 0 {
		if req.VersionID == currentVersion {
			return nil, fmt.Errorf("%w: cannot erase the current version %d of %s",
				persistence.ErrDataAccess, req.VersionID, req.LogicalID)
		}
		tag, err := txn.Exec(ctx,
			`DELETE FROM resource_versions WHERE logical_resource_id = $1 AND version_id = $2`,
			logicalResourceID, req.VersionID)
		if err != nil {
			return nil, classify(err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("%w: %s version %d", persistence.ErrNotFound, req.LogicalID, req.VersionID)
		}
		outcome.VersionsRemoved = 1
		outcome.Partial = true
	} else {
		var removed int64
		tag, err := txn.Exec(ctx, `DELETE FROM resource_versions WHERE logical_resource_id = $1`, logicalResourceID)
		if err != nil {
			return nil, classify(err)
		}
		removed = tag.RowsAffected()
		// Parameter rows and the logical row go with it; the cascade on
		// logical_resource_id covers the parameter tables.
		if _, err = txn.Exec(ctx, `DELETE FROM logical_resources WHERE logical_resource_id = $1`, logicalResourceID); err != nil {
			return nil, classify(err)
		}
		outcome.VersionsRemoved = int(removed)
	}

	if err = txn.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return outcome, nil
}
