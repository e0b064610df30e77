package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// liteTx is the transactional surface over one sql.Tx.
type liteTx struct {
	tx   *sql.Tx
	conn *Connection
}

// Identity operations run on the transaction's own connection. The pool
// is capped at one connection, so a pool-level lookup from inside the
// transaction would wait on the connection the transaction holds.

func (t *liteTx) ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error) {
	return readID(ctx, t.tx, selectResourceTypeSQL, name)
}

func (t *liteTx) GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, t.tx, name, selectResourceTypeSQL, insertResourceTypeSQL)
}

func (t *liteTx) AcquireParameterNameID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, t.tx, name, selectParamNameSQL, insertParamNameSQL)
}

func (t *liteTx) ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, t.tx, name, selectCodeSystemSQL, insertCodeSystemSQL)
}

func (t *liteTx) ReadCanonicalID(ctx context.Context, url string) (int32, bool, error) {
	return readID(ctx, t.tx, selectCanonicalSQL, url)
}

func (t *liteTx) ReadCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error) {
	return readTokenID(ctx, t.tx, key)
}

func (t *liteTx) InsertResourceVersion(ctx context.Context, req persistence.InsertRequest) (*persistence.InsertResult, error) {
	var (
		logicalResourceID int64
		currentVersion    int32
		prevHash          []byte
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT logical_resource_id, current_version, parameter_hash FROM logical_resources
		 WHERE resource_type_id = ? AND logical_id = ?`,
		req.ResourceTypeID, req.LogicalID).Scan(&logicalResourceID, &currentVersion, &prevHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, classify(err)
		}
		if req.VersionID != 1 {
			t.conn.conflicts.Add(1)
			return nil, fmt.Errorf("%w: expected version 1 for new resource %s, got %d",
				persistence.ErrVersionConflict, req.LogicalID, req.VersionID)
		}
		result, err := t.tx.ExecContext(ctx,
			`INSERT INTO logical_resources (resource_type_id, logical_id, current_version, is_deleted, last_updated, parameter_hash)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			req.ResourceTypeID, req.LogicalID, req.VersionID, req.Deleted, req.LastUpdated.UnixNano(), req.ParameterHash)
		if err != nil {
			if isUniqueViolation(err) {
				t.conn.conflicts.Add(1)
				return nil, fmt.Errorf("%w: %v", persistence.ErrVersionConflict, err)
			}
			return nil, classify(err)
		}
		logicalResourceID, err = result.LastInsertId()
		if err != nil {
			return nil, classify(err)
		}
		prevHash = nil
	} else {
		if req.VersionID != currentVersion+1 {
			t.conn.conflicts.Add(1)
			return nil, fmt.Errorf("%w: resource %s is at version %d, caller expected to write %d",
				persistence.ErrVersionConflict, req.LogicalID, currentVersion, req.VersionID)
		}
		_, err = t.tx.ExecContext(ctx,
			`UPDATE logical_resources SET current_version = ?, is_deleted = ?, last_updated = ?, parameter_hash = ?
			 WHERE logical_resource_id = ?`,
			req.VersionID, req.Deleted, req.LastUpdated.UnixNano(), req.ParameterHash, logicalResourceID)
		if err != nil {
			return nil, classify(err)
		}
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO resource_versions (logical_resource_id, version_id, last_updated, is_deleted, payload, payload_key, version_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		logicalResourceID, req.VersionID, req.LastUpdated.UnixNano(), req.Deleted, req.Payload, req.PayloadKey, req.VersionToken)
	if err != nil {
		return nil, classify(err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO resource_change_log (resource_type_id, logical_id, version_id, change_type, change_tstamp)
		 VALUES (?, ?, ?, ?, ?)`,
		req.ResourceTypeID, req.LogicalID, req.VersionID, string(changeTypeFor(req)), req.LastUpdated.UnixNano())
	if err != nil {
		return nil, classify(err)
	}

	t.conn.inserts.Add(1)
	return &persistence.InsertResult{LogicalResourceID: logicalResourceID, PreviousParameterHash: prevHash}, nil
}

func changeTypeFor(req persistence.InsertRequest) persistence.ChangeType {
	switch {
	case req.Deleted:
		return persistence.ChangeDelete
	case req.VersionID == 1:
		return persistence.ChangeCreate
	default:
		return persistence.ChangeUpdate
	}
}

// UpsertCommonTokenValues uses the negative-join form, one statement per
// value in the caller's sorted order.
func (t *liteTx) UpsertCommonTokenValues(ctx context.Context, keys []persistence.TokenKey) error {
	for _, key := range keys {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO common_token_values (code_system_id, token_value)
			 SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM common_token_values WHERE code_system_id = ? AND token_value = ?)`,
			key.CodeSystemID, key.TokenValue, key.CodeSystemID, key.TokenValue)
		if err != nil && !isUniqueViolation(err) {
			return classify(err)
		}
	}
	return nil
}

func (t *liteTx) ReadCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	return readTokenIDs(ctx, t.tx, keys)
}

func (t *liteTx) UpsertCanonicalValues(ctx context.Context, urls []string) error {
	for _, url := range urls {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO canonical_values (url)
			 SELECT ? WHERE NOT EXISTS (SELECT 1 FROM canonical_values WHERE url = ?)`, url, url)
		if err != nil && !isUniqueViolation(err) {
			return classify(err)
		}
	}
	return nil
}

func (t *liteTx) ReadCanonicalIDs(ctx context.Context, urls []string) (map[string]int32, error) {
	if len(urls) == 0 {
		return map[string]int32{}, nil
	}
	var sb strings.Builder
	sb.WriteString(`SELECT url, canonical_id FROM canonical_values WHERE url IN (`)
	args := make([]any, 0, len(urls))
	for i, url := range urls {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteRune('?')
		args = append(args, url)
	}
	sb.WriteRune(')')
	rows, err := t.tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := make(map[string]int32, len(urls))
	for rows.Next() {
		var url string
		var id int32
		if err = rows.Scan(&url, &id); err != nil {
			return nil, classify(err)
		}
		out[url] = id
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

var parameterTables = []string{
	"str_values",
	"number_values",
	"date_values",
	"token_values",
	"quantity_values",
	"resource_refs",
	"canonical_refs",
}

func (t *liteTx) ReplaceParameters(ctx context.Context, logicalResourceID int64, rows []persistence.ParameterRow) error {
	for _, table := range parameterTables {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE logical_resource_id = ?`, logicalResourceID); err != nil {
			return classify(err)
		}
	}
	for i := range rows {
		if err := t.insertParameterRow(ctx, logicalResourceID, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *liteTx) insertParameterRow(ctx context.Context, logicalResourceID int64, row *persistence.ParameterRow) error {
	var err error
	switch row.Kind {
	case persistence.ParamString:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO str_values (parameter_name_id, logical_resource_id, str_value) VALUES (?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.StrValue)
	case persistence.ParamNumber:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO number_values (parameter_name_id, logical_resource_id, number_value) VALUES (?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.NumberValue)
	case persistence.ParamDate:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO date_values (parameter_name_id, logical_resource_id, date_start, date_end) VALUES (?, ?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.DateStart.UnixNano(), row.DateEnd.UnixNano())
	case persistence.ParamToken:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO token_values (parameter_name_id, logical_resource_id, common_token_value_id) VALUES (?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.CommonTokenValueID)
	case persistence.ParamQuantity:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO quantity_values (parameter_name_id, logical_resource_id, code_system_id, quantity_code, quantity_value, quantity_low, quantity_high)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.CodeSystemID, row.QuantityCode, row.QuantityValue, row.QuantityLow, row.QuantityHigh)
	case persistence.ParamReference:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO resource_refs (parameter_name_id, logical_resource_id, ref_resource_type_id, ref_logical_id, ref_version_id)
			 VALUES (?, ?, ?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.RefTypeID, row.RefLogicalID, row.RefVersionID)
	case persistence.ParamCanonical:
		_, err = t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO canonical_refs (parameter_name_id, logical_resource_id, canonical_id) VALUES (?, ?, ?)`,
			row.ParameterNameID, logicalResourceID, row.CanonicalID)
	default:
		return fmt.Errorf("%w: unhandled parameter kind %s", persistence.ErrDataAccess, row.Kind)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (t *liteTx) ReadResourceForReindex(ctx context.Context, indexID int64) (*persistence.Resource, error) {
	var res persistence.Resource
	var lastUpdated int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT lr.logical_resource_id, rt.resource_type, lr.logical_id, lr.current_version, rv.last_updated, rv.is_deleted, rv.payload, rv.payload_key, rv.version_token, lr.parameter_hash
		 FROM logical_resources lr
		 JOIN resource_types rt ON rt.resource_type_id = lr.resource_type_id
		 JOIN resource_versions rv ON rv.logical_resource_id = lr.logical_resource_id AND rv.version_id = lr.current_version
		 WHERE lr.logical_resource_id = ?`,
		indexID).Scan(&res.LogicalResourceID, &res.TypeName, &res.LogicalID, &res.VersionID, &lastUpdated,
		&res.Deleted, &res.Payload, &res.PayloadKey, &res.VersionToken, &res.ParameterHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no logical resource for index id %d", persistence.ErrNotFound, indexID)
		}
		return nil, classify(err)
	}
	res.LastUpdated = time.Unix(0, lastUpdated)
	return &res, nil
}

func (t *liteTx) UpdateParameterHash(ctx context.Context, logicalResourceID int64, hash []byte) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE logical_resources SET parameter_hash = ? WHERE logical_resource_id = ?`,
		hash, logicalResourceID); err != nil {
		return classify(err)
	}
	return nil
}

func (t *liteTx) UpdateReindexTstamp(ctx context.Context, indexIDs []int64, tstamp time.Time) (int, error) {
	if len(indexIDs) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString(`UPDATE logical_resources SET reindex_tstamp = ? WHERE logical_resource_id IN (`)
	args := []any{tstamp.UnixNano()}
	for i, id := range indexIDs {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteRune('?')
		args = append(args, id)
	}
	sb.WriteRune(')')
	result, err := t.tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}
