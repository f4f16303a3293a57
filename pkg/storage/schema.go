package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL for the primary store, applied idempotently at
// service start. Permissions numbers are stored as BIGINT via an int64
// bit-cast of the uint64 value.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id        TEXT PRIMARY KEY,
		email          TEXT NOT NULL UNIQUE,
		name           TEXT NOT NULL UNIQUE,
		password_hash  TEXT NOT NULL,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		name_changed_at TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		client_id      TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		name           TEXT NOT NULL,
		icon           TEXT NOT NULL DEFAULT '',
		redirect_uris  TEXT[] NOT NULL,
		permissions    BIGINT NOT NULL,
		default_expiry BIGINT NOT NULL,
		secret_hash    TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_id    TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		client_id   TEXT,
		token_type  TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL,
		permissions BIGINT NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		used_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS tokens_user_type_idx ON tokens (user_id, token_type)`,
	`CREATE INDEX IF NOT EXISTS tokens_expires_idx ON tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS authorization_codes (
		client_id      TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
		code_hash      TEXT NOT NULL,
		user_id        TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		code_challenge TEXT NOT NULL,
		permissions    BIGINT NOT NULL,
		redirect_uri   TEXT NOT NULL,
		token_expiry   TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (client_id, code_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS email_change_requests (
		request_id TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL UNIQUE REFERENCES users(user_id) ON DELETE CASCADE,
		new_email  TEXT NOT NULL,
		token_id   TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS authors (
		author_id     TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL,
		verified      BOOLEAN NOT NULL DEFAULT FALSE,
		storage_used  BIGINT NOT NULL DEFAULT 0,
		storage_quota BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS packages (
		package_id   TEXT PRIMARY KEY,
		package_name TEXT NOT NULL,
		author_id    TEXT NOT NULL REFERENCES authors(author_id),
		package_type TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS packages_author_idx ON packages (author_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS packages_name_lower_idx ON packages (LOWER(package_name))`,
	`CREATE TABLE IF NOT EXISTS versions (
		package_id        TEXT NOT NULL REFERENCES packages(package_id) ON DELETE CASCADE,
		version_string    TEXT NOT NULL,
		version_value     BIGINT NOT NULL,
		status            TEXT NOT NULL,
		is_public         BOOLEAN NOT NULL DEFAULT FALSE,
		is_stored         BOOLEAN NOT NULL DEFAULT TRUE,
		private_key       TEXT NOT NULL DEFAULT '',
		dependencies      TEXT NOT NULL DEFAULT '[]',
		incompatibilities TEXT NOT NULL DEFAULT '[]',
		xp_selection      TEXT NOT NULL DEFAULT '*',
		plat_macos        BOOLEAN NOT NULL DEFAULT FALSE,
		plat_windows      BOOLEAN NOT NULL DEFAULT FALSE,
		plat_linux        BOOLEAN NOT NULL DEFAULT FALSE,
		object_key        TEXT NOT NULL DEFAULT '',
		hash_sha256       TEXT NOT NULL DEFAULT '',
		size_bytes        BIGINT NOT NULL DEFAULT 0,
		installed_size    BIGINT NOT NULL DEFAULT 0,
		downloads         BIGINT NOT NULL DEFAULT 0,
		uploaded_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (package_id, version_string)
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		package_id      TEXT NOT NULL,
		package_version TEXT NOT NULL,
		hour            TIMESTAMPTZ NOT NULL,
		count           BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (package_id, package_version, hour)
	)`,
}

// Migrate applies the schema. Every statement is idempotent so repeated
// startups are safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
