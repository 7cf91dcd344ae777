// CertHub
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package postgres

import "fmt"

// schemaVersion defines the current schema version.
// Increment this value when adding a new migration.
const schemaVersion = 1

// getMigration returns migration SQL for a schema version.
func getMigration(version int) string {
	switch version {
	case 1:
		return migrateV1
		// case 2:
		//   return migrateV2
	}
	panic(fmt.Sprintf("migration version not implemented: %v", version))
}

// migrateV1 is the baseline schema.
//
// Ids of users and devices are uuid strings stored as TEXT; certificates,
// jobs, tokens, sessions and audit rows use identity columns. Every table
// carries org_id and every query filters on it.
const migrateV1 = `
	CREATE TABLE users (
		id TEXT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		ad_username TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		role_global TEXT NOT NULL,
		auto_approve_install_jobs BOOLEAN NOT NULL DEFAULT FALSE,
		password_hash TEXT NOT NULL DEFAULT '',
		password_set_at TIMESTAMPTZ,
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT users_org_username_uq UNIQUE (org_id, ad_username)
	);

	CREATE TABLE devices (
		id TEXT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		hostname TEXT NOT NULL,
		os_name TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		is_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
		assigned_user_id TEXT REFERENCES users (id) ON DELETE SET NULL,
		device_token_hash TEXT NOT NULL DEFAULT '',
		token_created_at TIMESTAMPTZ,
		last_seen_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ,
		allow_keep_until BOOLEAN NOT NULL DEFAULT FALSE,
		allow_exempt BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX devices_org_hostname_uq ON devices (org_id, lower(hostname));

	CREATE TABLE user_devices (
		org_id BIGINT NOT NULL,
		user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		device_id TEXT NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT user_devices_pk PRIMARY KEY (user_id, device_id)
	);

	CREATE TABLE certificates (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		org_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		issuer TEXT NOT NULL DEFAULT '',
		serial_number TEXT NOT NULL DEFAULT '',
		not_before TIMESTAMPTZ,
		not_after TIMESTAMPTZ,
		sha1_fingerprint TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		parse_ok BOOLEAN NOT NULL DEFAULT FALSE,
		parse_error TEXT NOT NULL DEFAULT '',
		last_ingested_at TIMESTAMPTZ,
		last_error_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT certificates_org_name_uq UNIQUE (org_id, name)
	);
	-- not unique: batch ingest inserts duplicate fingerprints before its
	-- dedupe pass collapses them
	CREATE INDEX certificates_org_sha1_idx ON certificates (org_id, sha1_fingerprint);
	CREATE INDEX certificates_org_serial_idx ON certificates (org_id, serial_number);

	CREATE TABLE install_jobs (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		org_id BIGINT NOT NULL,
		-- no FK: jobs outlive certificate deletion
		cert_id BIGINT NOT NULL,
		device_id TEXT NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		requested_by_user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		approved_by_user_id TEXT,
		approved_at TIMESTAMPTZ,
		claimed_by_device_id TEXT,
		claimed_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		thumbprint TEXT NOT NULL DEFAULT '',
		payload_token_hash TEXT NOT NULL DEFAULT '',
		payload_token_expires_at TIMESTAMPTZ,
		payload_token_used_at TIMESTAMPTZ,
		payload_token_device_id TEXT NOT NULL DEFAULT '',
		cleanup_mode TEXT NOT NULL DEFAULT 'DEFAULT',
		keep_until TIMESTAMPTZ,
		keep_reason TEXT NOT NULL DEFAULT '',
		keep_set_by_user_id TEXT,
		keep_set_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX install_jobs_org_status_created_idx
		ON install_jobs (org_id, status, created_at);
	CREATE INDEX install_jobs_cleanup_keep_idx
		ON install_jobs (cleanup_mode, keep_until);

	CREATE TABLE device_installed_certs (
		org_id BIGINT NOT NULL,
		device_id TEXT NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		thumbprint TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		issuer TEXT NOT NULL DEFAULT '',
		serial_number TEXT NOT NULL DEFAULT '',
		not_before TIMESTAMPTZ,
		not_after TIMESTAMPTZ,
		installed_via_agent BOOLEAN NOT NULL DEFAULT FALSE,
		cleanup_mode TEXT NOT NULL DEFAULT 'DEFAULT',
		keep_until TIMESTAMPTZ,
		keep_reason TEXT NOT NULL DEFAULT '',
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		removed_at TIMESTAMPTZ,
		CONSTRAINT device_installed_certs_pk PRIMARY KEY (device_id, thumbprint)
	);

	CREATE TABLE auth_tokens (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		org_id BIGINT NOT NULL,
		user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		purpose TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE user_sessions (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		org_id BIGINT NOT NULL,
		user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		refresh_token_hash TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE audit_log (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		org_id BIGINT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		actor_user_id TEXT,
		actor_device_id TEXT,
		ip TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		meta JSONB
	);
	CREATE INDEX audit_log_org_time_idx ON audit_log (org_id, occurred_at DESC);
`
