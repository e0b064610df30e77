package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// Changes enumerates the change log in append order, keyset-paginated on
// change_id.
func (c *Connection) Changes(ctx context.Context, req persistence.ChangesRequest) ([]persistence.ChangeRecord, error) {
	query := `SELECT cl.change_id, rt.resource_type, cl.logical_id, cl.version_id, cl.change_type, cl.change_tstamp
		FROM resource_change_log cl
		JOIN resource_types rt ON rt.resource_type_id = cl.resource_type_id
		WHERE cl.change_id > ?`
	args := []any{req.AfterChangeID}
	if req.FromLastModified != nil {
		query += ` AND cl.change_tstamp >= ?`
		args = append(args, req.FromLastModified.UnixNano())
	}
	if req.BeforeLastModified != nil {
		query += ` AND cl.change_tstamp < ?`
		args = append(args, req.BeforeLastModified.UnixNano())
	}
	if req.ResourceTypeID != 0 {
		query += ` AND cl.resource_type_id = ?`
		args = append(args, req.ResourceTypeID)
	}
	query += ` ORDER BY cl.change_id LIMIT ?`
	args = append(args, req.Count)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []persistence.ChangeRecord
	for rows.Next() {
		var r persistence.ChangeRecord
		var changeType string
		var tstamp int64
		if err = rows.Scan(&r.ChangeID, &r.TypeName, &r.LogicalID, &r.VersionID, &changeType, &tstamp); err != nil {
			return nil, classify(err)
		}
		r.ChangeType = persistence.ChangeType(changeType)
		r.ChangeTstamp = time.Unix(0, tstamp)
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}

func (c *Connection) RetrieveIndex(ctx context.Context, req persistence.RetrieveIndexRequest) ([]int64, error) {
	query := `SELECT logical_resource_id FROM logical_resources
		WHERE reindex_tstamp < ? AND logical_resource_id > ?`
	args := []any{req.NotModifiedAfter.UnixNano(), req.AfterIndexID}
	if req.ResourceTypeID != 0 {
		query += ` AND resource_type_id = ?`
		args = append(args, req.ResourceTypeID)
	}
	query += ` ORDER BY logical_resource_id LIMIT ?`
	args = append(args, req.Count)

	rows, err := c.db.QueryContext(ctx, query, args...)
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
// order. The callback can stop the scan early.
func (c *Connection) FetchPayloads(ctx context.Context, resourceTypeID int32, from, to time.Time, cb persistence.PayloadCallback) (time.Time, error) {
	var marker time.Time
	rows, err := c.db.QueryContext(ctx,
		`SELECT lr.logical_resource_id, lr.logical_id, rv.version_id, rv.last_updated, rv.is_deleted, rv.payload, rv.payload_key
		 FROM resource_versions rv
		 JOIN logical_resources lr ON lr.logical_resource_id = rv.logical_resource_id
		 WHERE lr.resource_type_id = ? AND rv.last_updated >= ? AND rv.last_updated < ?
		 ORDER BY rv.last_updated, rv.resource_version_id`,
		resourceTypeID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return marker, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var res persistence.Resource
		var lastUpdated int64
		if err = rows.Scan(&res.LogicalResourceID, &res.LogicalID, &res.VersionID, &lastUpdated,
			&res.Deleted, &res.Payload, &res.PayloadKey); err != nil {
			return marker, classify(err)
		}
		res.LastUpdated = time.Unix(0, lastUpdated)
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
func (c *Connection) Erase(ctx context.Context, req persistence.EraseRequest) (*persistence.EraseOutcome, error) {
	outcome := &persistence.EraseOutcome{TypeName: req.TypeName, LogicalID: req.LogicalID}
	txn, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	// Rollback after a successful commit is a no-op.
	defer txn.Rollback() //nolint:errcheck

	var logicalResourceID int64
	var currentVersion int32
	err = txn.QueryRowContext(ctx,
		`SELECT logical_resource_id, current_version FROM logical_resources
		 WHERE resource_type_id = ? AND logical_id = ?`,
		req.ResourceTypeID, req.LogicalID).Scan(&logicalResourceID, &currentVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, req.LogicalID)
		}
		return nil, classify(err)
	}

	if req.VersionID != 0 {
		if req.VersionID == currentVersion {
			return nil, fmt.Errorf("%w: cannot erase the current version %d of %s",
				persistence.ErrDataAccess, req.VersionID, req.LogicalID)
		}
		result, err := txn.ExecContext(ctx,
			`DELETE FROM resource_versions WHERE logical_resource_id = ? AND version_id = ?`,
			logicalResourceID, req.VersionID)
		if err != nil {
			return nil, classify(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, classify(err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s version %d", persistence.ErrNotFound, req.LogicalID, req.VersionID)
		}
		outcome.VersionsRemoved = 1
		outcome.Partial = true
	} else {
		result, err := txn.ExecContext(ctx, `DELETE FROM resource_versions WHERE logical_resource_id = ?`, logicalResourceID)
		if err != nil {
			return nil, classify(err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return nil, classify(err)
		}
		// The cascade on logical_resource_id clears the parameter tables.
		if _, err = txn.ExecContext(ctx, `DELETE FROM logical_resources WHERE logical_resource_id = ?`, logicalResourceID); err != nil {
			return nil, classify(err)
		}
		outcome.VersionsRemoved = int(removed)
	}

	if err = txn.Commit(); err != nil {
		return nil, classify(err)
	}
	return outcome, nil
}
