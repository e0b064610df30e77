package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// pgTx is the transactional surface over one pgx.Tx.
type pgTx struct {
	tx   pgx.Tx
	conn *Connection
}

// Identity operations on the transaction's connection. Ids created here
// roll back with the transaction, which is what the transaction-tier
// cache expects when it discards its staged entries.

func (t *pgTx) ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error) {
	return readID(ctx, t.tx, selectResourceTypeSQL, name)
}

func (t *pgTx) GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, t.tx, name, selectResourceTypeSQL, insertResourceTypeSQL)
}

func (t *pgTx) AcquireParameterNameID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, t.tx, name, selectParamNameSQL, insertParamNameSQL)
}

func (t *pgTx) ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, t.tx, name, selectCodeSystemSQL, insertCodeSystemSQL)
}

func (t *pgTx) ReadCanonicalID(ctx context.Context, url string) (int32, bool, error) {
	return readID(ctx, t.tx, selectCanonicalSQL, url)
}

func (t *pgTx) ReadCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error) {
	return readTokenID(ctx, t.tx, key)
}

// InsertResourceVersion persists one new version under the optimistic
// concurrency check. The logical-resource row is locked for the duration
// of the version arithmetic; the database stays the single arbiter of
// version order.
func (t *pgTx) InsertResourceVersion(ctx context.Context, req persistence.InsertRequest) (*persistence.InsertResult, error) {
	var (
		logicalResourceID int64
		currentVersion    int32
		prevHash          []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT logical_resource_id, current_version, parameter_hash FROM logical_resources
		 WHERE resource_type_id = $1 AND logical_id = $2 FOR UPDATE`,
		req.ResourceTypeID, req.LogicalID).Scan(&logicalResourceID, &currentVersion, &prevHash)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, classify(err)
		}
		// First version of a brand-new logical resource
		if req.VersionID != 1 {
			t.conn.conflicts.Add(1)
			return nil, fmt.Errorf("%w: expected version 1 for new resource %s, got %d",
				persistence.ErrVersionConflict, req.LogicalID, req.VersionID)
		}
		err = t.tx.QueryRow(ctx,
			`INSERT INTO logical_resources (resource_type_id, logical_id, current_version, is_deleted, last_updated, parameter_hash)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING logical_resource_id`,
			req.ResourceTypeID, req.LogicalID, req.VersionID, req.Deleted, req.LastUpdated, req.ParameterHash).Scan(&logicalResourceID)
		if err != nil {
			if isUniqueViolation(err) {
				// A concurrent transaction created version 1 first
				t.conn.conflicts.Add(1)
				return nil, fmt.Errorf("%w: %v", persistence.ErrVersionConflict, err)
			}
			return nil, classify(err)
		}
		prevHash = nil
	} else {
		if req.VersionID != currentVersion+1 {
			t.conn.conflicts.Add(1)
			return nil, fmt.Errorf("%w: resource %s is at version %d, caller expected to write %d",
				persistence.ErrVersionConflict, req.LogicalID, currentVersion, req.VersionID)
		}
		_, err = t.tx.Exec(ctx,
			`UPDATE logical_resources SET current_version = $1, is_deleted = $2, last_updated = $3, parameter_hash = $4
			 WHERE logical_resource_id = $5`,
			req.VersionID, req.Deleted, req.LastUpdated, req.ParameterHash, logicalResourceID)
		if err != nil {
			return nil, classify(err)
		}
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO resource_versions (logical_resource_id, version_id, last_updated, is_deleted, payload, payload_key, version_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		logicalResourceID, req.VersionID, req.LastUpdated, req.Deleted, req.Payload, req.PayloadKey, req.VersionToken)
	if err != nil {
		return nil, classify(err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO resource_change_log (resource_type_id, logical_id, version_id, change_type, change_tstamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		req.ResourceTypeID, req.LogicalID, req.VersionID, string(changeTypeFor(req)), req.LastUpdated)
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

// UpsertCommonTokenValues inserts missing token values with a
// conflict-ignoring multi-row insert. Callers pass the batch pre-sorted.
func (t *pgTx) UpsertCommonTokenValues(ctx context.Context, keys []persistence.TokenKey) error {
	if len(keys) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO common_token_values (code_system_id, token_value) VALUES `)
	args := make([]any, 0, len(keys)*2)
	for i, key := range keys {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteString("($")
		sb.WriteString(strconv.Itoa(len(args) + 1))
		sb.WriteString(",$")
		sb.WriteString(strconv.Itoa(len(args) + 2))
		sb.WriteRune(')')
		args = append(args, key.CodeSystemID, key.TokenValue)
	}
	sb.WriteString(` ON CONFLICT (code_system_id, token_value) DO NOTHING`)
	if _, err := t.tx.Exec(ctx, sb.String(), args...); err != nil {
		return classify(err)
	}
	return nil
}

func (t *pgTx) ReadCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	return readTokenIDs(ctx, t.tx, keys)
}

func (t *pgTx) UpsertCanonicalValues(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO canonical_values (url) VALUES `)
	args := make([]any, 0, len(urls))
	for i, url := range urls {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteString("($")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteRune(')')
		args = append(args, url)
	}
	sb.WriteString(` ON CONFLICT (url) DO NOTHING`)
	if _, err := t.tx.Exec(ctx, sb.String(), args...); err != nil {
		return classify(err)
	}
	return nil
}

func (t *pgTx) ReadCanonicalIDs(ctx context.Context, urls []string) (map[string]int32, error) {
	if len(urls) == 0 {
		return map[string]int32{}, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT url, canonical_id FROM canonical_values WHERE url = ANY($1)`, urls)
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

// ReplaceParameters rewrites the parameter rows for one logical resource.
// Inserts tolerate duplicates so a retried reindex batch stays safe.
func (t *pgTx) ReplaceParameters(ctx context.Context, logicalResourceID int64, rows []persistence.ParameterRow) error {
	for _, table := range parameterTables {
		if _, err := t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE logical_resource_id = $1`, logicalResourceID); err != nil {
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

func (t *pgTx) insertParameterRow(ctx context.Context, logicalResourceID int64, row *persistence.ParameterRow) error {
	var err error
	switch row.Kind {
	case persistence.ParamString:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO str_values (parameter_name_id, logical_resource_id, str_value)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.StrValue)
	case persistence.ParamNumber:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO number_values (parameter_name_id, logical_resource_id, number_value)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.NumberValue)
	case persistence.ParamDate:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO date_values (parameter_name_id, logical_resource_id, date_start, date_end)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.DateStart, row.DateEnd)
	case persistence.ParamToken:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO token_values (parameter_name_id, logical_resource_id, common_token_value_id)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.CommonTokenValueID)
	case persistence.ParamQuantity:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO quantity_values (parameter_name_id, logical_resource_id, code_system_id, quantity_code, quantity_value, quantity_low, quantity_high)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.CodeSystemID, row.QuantityCode, row.QuantityValue, row.QuantityLow, row.QuantityHigh)
	case persistence.ParamReference:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO resource_refs (parameter_name_id, logical_resource_id, ref_resource_type_id, ref_logical_id, ref_version_id)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.RefTypeID, row.RefLogicalID, row.RefVersionID)
	case persistence.ParamCanonical:
		_, err = t.tx.Exec(ctx,
			`INSERT INTO canonical_refs (parameter_name_id, logical_resource_id, canonical_id)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			row.ParameterNameID, logicalResourceID, row.CanonicalID)
	default:
		return fmt.Errorf("%w: unhandled parameter kind %s", persistence.ErrDataAccess, row.Kind)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// ReadResourceForReindex loads the current version behind an index id and
// locks the row so two workers in the same sweep cannot interleave.
func (t *pgTx) ReadResourceForReindex(ctx context.Context, indexID int64) (*persistence.Resource, error) {
	var res persistence.Resource
	err := t.tx.QueryRow(ctx,
		`SELECT lr.logical_resource_id, rt.resource_type, lr.logical_id, lr.current_version, rv.last_updated, rv.is_deleted, rv.payload, rv.payload_key, rv.version_token, lr.parameter_hash
		 FROM logical_resources lr
		 JOIN resource_types rt ON rt.resource_type_id = lr.resource_type_id
		 JOIN resource_versions rv ON rv.logical_resource_id = lr.logical_resource_id AND rv.version_id = lr.current_version
		 WHERE lr.logical_resource_id = $1 FOR UPDATE OF lr`,
		indexID).Scan(&res.LogicalResourceID, &res.TypeName, &res.LogicalID, &res.VersionID, &res.LastUpdated,
		&res.Deleted, &res.Payload, &res.PayloadKey, &res.VersionToken, &res.ParameterHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no logical resource for index id %d", persistence.ErrNotFound, indexID)
		}
		return nil, classify(err)
	}
	return &res, nil
}

func (t *pgTx) UpdateParameterHash(ctx context.Context, logicalResourceID int64, hash []byte) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE logical_resources SET parameter_hash = $1 WHERE logical_resource_id = $2`,
		hash, logicalResourceID); err != nil {
		return classify(err)
	}
	return nil
}

func (t *pgTx) UpdateReindexTstamp(ctx context.Context, indexIDs []int64, tstamp time.Time) (int, error) {
	if len(indexIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE logical_resources SET reindex_tstamp = $1 WHERE logical_resource_id = ANY($2)`,
		tstamp, indexIDs)
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}
