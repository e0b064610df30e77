package postgres

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

// pgq is satisfied by both the pool and a pgx.Tx, so registry operations
// can run on whichever connection the caller already holds.
type pgq interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const (
	selectResourceTypeSQL = `SELECT resource_type_id FROM resource_types WHERE resource_type = $1`
	insertResourceTypeSQL = `INSERT INTO resource_types (resource_type) VALUES ($1) ON CONFLICT (resource_type) DO NOTHING`
	selectParamNameSQL    = `SELECT parameter_name_id FROM parameter_names WHERE parameter_name = $1`
	insertParamNameSQL    = `INSERT INTO parameter_names (parameter_name) VALUES ($1) ON CONFLICT (parameter_name) DO NOTHING`
	selectCodeSystemSQL   = `SELECT code_system_id FROM code_systems WHERE code_system_name = $1`
	insertCodeSystemSQL   = `INSERT INTO code_systems (code_system_name) VALUES ($1) ON CONFLICT (code_system_name) DO NOTHING`
	selectCanonicalSQL    = `SELECT canonical_id FROM canonical_values WHERE url = $1`
	selectTokenValueSQL   = `SELECT common_token_value_id FROM common_token_values WHERE code_system_id = $1 AND token_value = $2`
)

func (c *Connection) ReadResourceTypeID(ctx context.Context, name string) (int32, bool, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return readID(readCtx, c.db, selectResourceTypeSQL, name)
}

func (c *Connection) ReadAllResourceTypes(ctx context.Context) (map[string]int32, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	rows, err := c.db.Query(readCtx, `SELECT resource_type, resource_type_id FROM resource_types`)
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

// GetOrCreateResourceTypeID registers a resource type on first encounter.
// Select first, then a conflict-ignoring insert, then select again: two
// concurrent first writers converge on the same row.
func (c *Connection) GetOrCreateResourceTypeID(ctx context.Context, name string) (int32, error) {
	opCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return getOrCreateID(opCtx, c.db, name, selectResourceTypeSQL, insertResourceTypeSQL)
}

func (c *Connection) AcquireParameterNameID(ctx context.Context, name string) (int32, error) {
	opCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return getOrCreateID(opCtx, c.db, name, selectParamNameSQL, insertParamNameSQL)
}

func (c *Connection) ReadOrAddCodeSystemID(ctx context.Context, name string) (int32, error) {
	opCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return getOrCreateID(opCtx, c.db, name, selectCodeSystemSQL, insertCodeSystemSQL)
}

func readID(ctx context.Context, q pgq, selectQuery, name string) (int32, bool, error) {
	var id int32
	err := q.QueryRow(ctx, selectQuery, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, classify(err)
	}
	return id, true, nil
}

func getOrCreateID(ctx context.Context, q pgq, name, selectQuery, insertQuery string) (int32, error) {
	var id int32
	err := q.QueryRow(ctx, selectQuery, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, classify(err)
	}

	// Row isn't there yet. The insert ignores a concurrent writer's win;
	// the re-read picks up whichever row ended up in the table.
	if _, err = q.Exec(ctx, insertQuery, name); err != nil && !isUniqueViolation(err) {
		return 0, classify(err)
	}
	if err = q.QueryRow(ctx, selectQuery, name).Scan(&id); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (c *Connection) ReadCanonicalID(ctx context.Context, url string) (int32, bool, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return readID(readCtx, c.db, selectCanonicalSQL, url)
}

func (c *Connection) ReadCommonTokenValueID(ctx context.Context, key persistence.TokenKey) (int64, bool, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return readTokenID(readCtx, c.db, key)
}

func readTokenID(ctx context.Context, q pgq, key persistence.TokenKey) (int64, bool, error) {
	var id int64
	err := q.QueryRow(ctx, selectTokenValueSQL, key.CodeSystemID, key.TokenValue).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, classify(err)
	}
	return id, true, nil
}

func (c *Connection) ReadCommonTokenValueIDs(ctx context.Context, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
	readCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	return readTokenIDs(readCtx, c.db, keys)
}

// readTokenIDs resolves a batch of token keys in one round-trip.
func readTokenIDs(ctx context.Context, q pgq, keys []persistence.TokenKey) ([]persistence.ResolvedToken, error) {
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
		sb.WriteString("($")
		sb.WriteString(strconv.Itoa(len(args) + 1))
		sb.WriteString(",$")
		sb.WriteString(strconv.Itoa(len(args) + 2))
		sb.WriteRune(')')
		args = append(args, key.CodeSystemID, key.TokenValue)
	}
	sb.WriteRune(')')

	rows, err := q.Query(ctx, sb.String(), args...)
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
