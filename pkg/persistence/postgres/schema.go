package postgres

import (
	"context"
	"time"
)

var schemaTables = []string{
	"resource_types",
	"parameter_names",
	"code_systems",
	"common_token_values",
	"canonical_values",
	"logical_resources",
	"resource_versions",
	"resource_change_log",
}

// reindexEpoch is the initial reindex timestamp: older than any cutoff,
// so a fresh row is always eligible for the first sweep.
const reindexEpoch = "1970-01-01T00:00:00Z"

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS resource_types (
		resource_type_id INT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		resource_type TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS parameter_names (
		parameter_name_id INT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		parameter_name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS code_systems (
		code_system_id INT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		code_system_name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS common_token_values (
		common_token_value_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		code_system_id INT NOT NULL REFERENCES code_systems(code_system_id),
		token_value TEXT NOT NULL,
		UNIQUE (code_system_id, token_value)
	)`,
	`CREATE TABLE IF NOT EXISTS canonical_values (
		canonical_id INT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		url TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS logical_resources (
		logical_resource_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		resource_type_id INT NOT NULL REFERENCES resource_types(resource_type_id),
		logical_id TEXT NOT NULL,
		current_version INT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		last_updated TIMESTAMPTZ NOT NULL,
		parameter_hash BYTEA,
		reindex_tstamp TIMESTAMPTZ NOT NULL DEFAULT '` + reindexEpoch + `',
		UNIQUE (resource_type_id, logical_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_versions (
		resource_version_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		version_id INT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		is_deleted BOOLEAN NOT NULL,
		payload BYTEA,
		payload_key TEXT NOT NULL DEFAULT '',
		version_token TEXT NOT NULL,
		UNIQUE (logical_resource_id, version_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_change_log (
		change_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		resource_type_id INT NOT NULL REFERENCES resource_types(resource_type_id),
		logical_id TEXT NOT NULL,
		version_id INT NOT NULL,
		change_type TEXT NOT NULL,
		change_tstamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_tstamp ON resource_change_log (change_tstamp, change_id)`,
	`CREATE TABLE IF NOT EXISTS str_values (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		str_value TEXT NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, str_value)
	)`,
	`CREATE TABLE IF NOT EXISTS number_values (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		number_value DOUBLE PRECISION NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, number_value)
	)`,
	`CREATE TABLE IF NOT EXISTS date_values (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		date_start TIMESTAMPTZ NOT NULL,
		date_end TIMESTAMPTZ NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, date_start, date_end)
	)`,
	`CREATE TABLE IF NOT EXISTS token_values (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		common_token_value_id BIGINT NOT NULL REFERENCES common_token_values(common_token_value_id),
		UNIQUE (logical_resource_id, parameter_name_id, common_token_value_id)
	)`,
	`CREATE TABLE IF NOT EXISTS quantity_values (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		code_system_id INT NOT NULL DEFAULT 0,
		quantity_code TEXT NOT NULL DEFAULT '',
		quantity_value DOUBLE PRECISION NOT NULL,
		quantity_low DOUBLE PRECISION NOT NULL,
		quantity_high DOUBLE PRECISION NOT NULL,
		UNIQUE (logical_resource_id, parameter_name_id, code_system_id, quantity_code, quantity_value, quantity_low, quantity_high)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_refs (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		ref_resource_type_id INT NOT NULL,
		ref_logical_id TEXT NOT NULL,
		ref_version_id INT NOT NULL DEFAULT 0,
		UNIQUE (logical_resource_id, parameter_name_id, ref_resource_type_id, ref_logical_id, ref_version_id)
	)`,
	`CREATE TABLE IF NOT EXISTS canonical_refs (
		parameter_name_id INT NOT NULL REFERENCES parameter_names(parameter_name_id),
		logical_resource_id BIGINT NOT NULL REFERENCES logical_resources(logical_resource_id) ON DELETE CASCADE,
		canonical_id INT NOT NULL REFERENCES canonical_values(canonical_id),
		UNIQUE (logical_resource_id, parameter_name_id, canonical_id)
	)`,
}

// Migrate creates the schema when it does not exist yet.
func (c *Connection) Migrate(ctx context.Context) error {
	migrateCtx, cncl := context.WithTimeout(ctx, 1*time.Minute)
	defer cncl()
	for _, ddl := range schemaDDL {
		if _, err := c.db.Exec(migrateCtx, ddl); err != nil {
			return classify(err)
		}
	}
	return nil
}
