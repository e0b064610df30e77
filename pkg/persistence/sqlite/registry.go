package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// dbq is satisfied by both *sql.DB and *sql.Tx. Registry operations run
// through it so a transaction resolves identities on its own connection;
// with a single-connection pool a pool-level query from inside the
// transaction would wait on itself.
type dbq interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	selectResourceTypeSQL = `SELECT resource_type_id FROM resource_types WHERE resource_type = ?`
	insertResourceTypeSQL = `INSERT INTO resource_types (resource_type) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM resource_types WHERE resource_type = ?)`
	selectParamNameSQL    = `SELECT parameter_name_id FROM parameter_names WHERE parameter_name = ?`
	insertParamNameSQL    = `INSERT INTO parameter_names (parameter_name) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM parameter_names WHERE parameter_name = ?)`
	selectCodeSystemSQL   = `SELECT code_system_id FROM code_systems WHERE code_system_name = ?`
	insertCodeSystemSQL   = `INSERT INTO code_systems (code_system_name) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM code_systems WHERE code_system_name = ?)`
	selectCanonicalSQL    = `SELECT canonical_id FROM canonical_values WHERE url = ?`
	selectTokenValueSQL   = `SELECT common_token_value_id FROM common_token_values WHERE code_system_id = ? AND token_value = ?`
)

func (c *Connection) ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error) {
	return readID(ctx, c.db, selectResourceTypeSQL, name)
}

func (c *Connection) ReadAllResourceTypes(ctx context.Context) (map[string]int32, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT resource_type, resource_type_id FROM resource_types`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	all := make(map[string]int32)
	for rows.Next() {
		var name string
		var id int32
		if err = rows.Scan(&name, &id); err != nil {
			return nil, classify(err)
		}
		all[name] = id
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return all, nil
}

func (c *Connection) GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, c.db, name, selectResourceTypeSQL, insertResourceTypeSQL)
}

func (c *Connection) AcquireParameterNameID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, c.db, name, selectParamNameSQL, insertParamNameSQL)
}

func (c *Connection) ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error) {
	return getOrCreateID(ctx, c.db, name, selectCodeSystemSQL, insertCodeSystemSQL)
}

// readID resolves one name to its surrogate id; absent is not an error.
func readID(ctx context.Context, q dbq, selectQuery, name string) (int32, bool, error) {
	var id int32
	err := q.QueryRowContext(ctx, selectQuery, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, classify(err)
	}
	return id, true, nil
}

// getOrCreateID uses the negative-join insert: safe here because SQLite
// serializes writers.
func getOrCreateID(ctx context.Context, q dbq, name, selectQuery, insertQuery string) (int32, error) {
	var id int32
	err := q.QueryRowContext(ctx, selectQuery, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classify(err)
	}
	if _, err = q.ExecContext(ctx, insertQuery, name, name); err != nil && !isUniqueViolation(err) {
		return 0, classify(err)
	}
	if err = q.QueryRowContext(ctx, selectQuery, name).Scan(&id); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (c *Connection) ReadCanonicalID(ctx context.Context, url string) (int32, bool, error) {
	return readID(ctx, c.db, selectCanonicalSQL, url)
}

func (c *Connection) ReadCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error) {
	return readTokenID(ctx, c.db, key)
}

func readTokenID(ctx context.Context, q dbq, key persistence.TokenKey) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, selectTokenValueSQL, key.CodeSystemID, key.TokenValue).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, classify(err)
	}
	return id, true, nil
}

func (c *Connection) ReadCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	return readTokenIDs(ctx, c.db, keys)
}

func readTokenIDs(ctx context.Context, q dbq, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteString(`SELECT common_token_value_id, code_system_id, token_value FROM common_token_values WHERE (code_system_id, token_value) IN (`)
	args := make([]any, 0, len(keys)*2)
	for i, key := range keys {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteString("(?,?)")
		args = append(args, key.CodeSystemID, key.TokenValue)
	}
	sb.WriteRune(')')

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []persistence.ResolvedToken
	for rows.Next() {
		var r persistence.ResolvedToken
		if err = rows.Scan(&r.CommonTokenValueID, &r.CodeSystemID, &r.TokenValue); err != nil {
			return nil, classify(err)
		}
		out = append(out, r)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
