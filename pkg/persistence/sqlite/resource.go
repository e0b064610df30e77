package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// ReadResource reads one version; versionID 0 selects the current one.
// Tombstones are returned as-is, the facade decides how to surface them.
func (c *Connection) ReadResource(ctx context.Context, resourceTypeID int32, logicalID string, versionID int32) (*persistence.Resource, error) {
	query := `SELECT lr.logical_resource_id, rv.version_id, rv.last_updated, rv.is_deleted, rv.payload, rv.payload_key, rv.version_token, lr.parameter_hash
		FROM logical_resources lr
		JOIN resource_versions rv ON rv.logical_resource_id = lr.logical_resource_id`
	args := []any{resourceTypeID, logicalID}
	if versionID == 0 {
		query += ` AND rv.version_id = lr.current_version WHERE lr.resource_type_id = ? AND lr.logical_id = ?`
	} else {
		query += ` AND rv.version_id = ? WHERE lr.resource_type_id = ? AND lr.logical_id = ?`
		args = []any{versionID, resourceTypeID, logicalID}
	}

	var res persistence.Resource
	var lastUpdated int64
	res.LogicalID = logicalID
	err := c.db.QueryRowContext(ctx, query, args...).Scan(
		&res.LogicalResourceID, &res.VersionID, &lastUpdated, &res.Deleted,
		&res.Payload, &res.PayloadKey, &res.VersionToken, &res.ParameterHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s version %d", persistence.ErrNotFound, logicalID, versionID)
		}
		return nil, classify(err)
	}
	res.LastUpdated = time.Unix(0, lastUpdated)
	return &res, nil
}

// History returns all versions of one logical resource, newest first.
// count 0 means unbounded.
func (c *Connection) History(ctx context.Context, resourceTypeID int32, logicalID string, count, offset int) ([]*persistence.Resource, error) {
	query := `SELECT lr.logical_resource_id, rv.version_id, rv.last_updated, rv.is_deleted, rv.payload, rv.payload_key, rv.version_token
		FROM logical_resources lr
		JOIN resource_versions rv ON rv.logical_resource_id = lr.logical_resource_id
		WHERE lr.resource_type_id = ? AND lr.logical_id = ?
		ORDER BY rv.version_id DESC`
	args := []any{resourceTypeID, logicalID}
	if count > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, count, offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var versions []*persistence.Resource
	for rows.Next() {
		res := &persistence.Resource{LogicalID: logicalID}
		var lastUpdated int64
		if err = rows.Scan(&res.LogicalResourceID, &res.VersionID, &lastUpdated, &res.Deleted,
			&res.Payload, &res.PayloadKey, &res.VersionToken); err != nil {
			return nil, classify(err)
		}
		res.LastUpdated = time.Unix(0, lastUpdated)
		versions = append(versions, res)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, logicalID)
	}
	return versions, nil
}
