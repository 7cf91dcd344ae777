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

// Package postgres implements storage.Store on PostgreSQL via pgx
// connection pools.
//
// The state-machine primitives are expressed as conditional UPDATEs so
// concurrent claims and results are serialized by the database; the
// payload token consume runs under a row lock. Schema migrations are
// applied at startup, see schema.go.
package postgres

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype/zeronull"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/storage"
)

// Config holds the PostgreSQL backend configuration.
type Config struct {
	// ConnString is a libpq connection string or URL.
	ConnString string
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
	// Logger emits storage log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentStorage)
	}
	return nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db     querier
	pool   *pgxpool.Pool // nil inside WithTx
	clock  clockwork.Clock
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to the database and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing connection string")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		db:     pool,
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// migrationLockID is an arbitrary but stable advisory lock key that
// serializes concurrent instances applying migrations.
const migrationLockID = 873218343

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		"CREATE TABLE IF NOT EXISTS migrations (version INTEGER PRIMARY KEY, created TIMESTAMPTZ NOT NULL)",
	); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return trace.Wrap(err)
		}
		var current int
		if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
			return trace.Wrap(err)
		}
		for version := current + 1; version <= schemaVersion; version++ {
			s.logger.InfoContext(ctx, "Applying schema migration.", "version", version)
			if _, err := tx.Exec(ctx, getMigration(version)); err != nil {
				return trace.Wrap(err, "applying migration %v", version)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO migrations (version, created) VALUES ($1, $2)",
				version, s.clock.Now().UTC(),
			); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}))
}

// WithTx runs fn in a transaction. Nested calls reuse the outer
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.pool == nil {
		return trace.Wrap(fn(s))
	}
	return trace.Wrap(pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{db: tx, clock: s.clock, logger: s.logger})
	}))
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return trace.Wrap(s.pool.Ping(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	return trace.Wrap(err)
}

// uniqueConstraint returns the violated constraint name when err is a
// unique violation.
func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// cond accumulates WHERE clauses with positional parameters.
type cond struct {
	clauses []string
	args    []any
}

// add appends a clause; format must contain a single %d for the
// parameter ordinal.
func (c *cond) add(format string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(format, len(c.args)))
}

// expr appends a clause without parameters.
func (c *cond) expr(clause string) {
	c.clauses = append(c.clauses, clause)
}

func (c *cond) where() string {
	return strings.Join(c.clauses, " AND ")
}

// prefixColumns qualifies each column of a comma-separated list with a
// table alias, for join queries.
func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func collectRows[T any](rows pgx.Rows, err error, scan func(pgx.Row) (T, error)) ([]T, error) {
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ---- users ----

const userColumns = `id, org_id, ad_username, email, display_name, is_active,
	role_global, auto_approve_install_jobs, password_hash, password_set_at,
	failed_login_attempts, locked_until, created_at, updated_at`

func scanUser(row pgx.Row) (storage.User, error) {
	var u storage.User
	err := row.Scan(
		&u.ID, &u.OrgID, &u.ADUsername, &u.Email, &u.DisplayName, &u.IsActive,
		&u.RoleGlobal, &u.AutoApproveInstallJobs, &u.PasswordHash, &u.PasswordSetAt,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, trace.Wrap(convertError(err))
}

func (s *Store) CreateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	if user.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if user.ADUsername == "" {
		return nil, trace.BadParameter("missing parameter ADUsername")
	}
	u := *user
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	if _, err := s.db.Exec(ctx, `
		INSERT INTO users (
			id, org_id, ad_username, email, display_name, is_active, role_global,
			auto_approve_install_jobs, password_hash, password_set_at,
			failed_login_attempts, locked_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		u.ID, u.OrgID, u.ADUsername, u.Email, u.DisplayName, u.IsActive, u.RoleGlobal,
		u.AutoApproveInstallJobs, u.PasswordHash, u.PasswordSetAt,
		u.FailedLoginAttempts, u.LockedUntil, u.CreatedAt, u.UpdatedAt,
	); err != nil {
		if _, ok := uniqueConstraint(err); ok {
			return nil, trace.AlreadyExists("user %q already exists", u.ADUsername)
		}
		return nil, trace.Wrap(err)
	}
	out := u
	return &out, nil
}

func (s *Store) GetUser(ctx context.Context, orgID int64, id string) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE org_id = $1 AND id = $2", orgID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

func (s *Store) GetUserByADUsername(ctx context.Context, username string) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE ad_username = $1 ORDER BY id LIMIT 1", username))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user not found")
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email <> '' AND lower(email) = lower($1) ORDER BY id LIMIT 1", email))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user not found")
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, orgID int64) ([]storage.User, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE org_id = $1 ORDER BY ad_username", orgID)
	return collectRows(rows, err, scanUser)
}

func (s *Store) UpdateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	u := *user
	u.UpdatedAt = s.now()
	err := s.db.QueryRow(ctx, `
		UPDATE users SET
			ad_username = $1, email = $2, display_name = $3, is_active = $4,
			role_global = $5, auto_approve_install_jobs = $6, password_hash = $7,
			password_set_at = $8, failed_login_attempts = $9, locked_until = $10,
			updated_at = $11
		WHERE org_id = $12 AND id = $13
		RETURNING created_at`,
		u.ADUsername, u.Email, u.DisplayName, u.IsActive,
		u.RoleGlobal, u.AutoApproveInstallJobs, u.PasswordHash,
		u.PasswordSetAt, u.FailedLoginAttempts, u.LockedUntil,
		u.UpdatedAt, u.OrgID, u.ID,
	).Scan(&u.CreatedAt)
	if err != nil {
		if _, ok := uniqueConstraint(err); ok {
			return nil, trace.AlreadyExists("user %q already exists", u.ADUsername)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user %q not found", u.ID)
		}
		return nil, trace.Wrap(err)
	}
	out := u
	return &out, nil
}

// ---- devices ----

const deviceColumns = `id, org_id, hostname, os_name, os_version, agent_version,
	is_allowed, auto_approve, assigned_user_id, device_token_hash, token_created_at,
	last_seen_at, last_heartbeat_at, allow_keep_until, allow_exempt, created_at,
	updated_at`

func scanDevice(row pgx.Row) (storage.Device, error) {
	var d storage.Device
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Hostname, &d.OSName, &d.OSVersion, &d.AgentVersion,
		&d.IsAllowed, &d.AutoApprove, &d.AssignedUserID, &d.DeviceTokenHash,
		&d.TokenCreatedAt, &d.LastSeenAt, &d.LastHeartbeatAt, &d.AllowKeepUntil,
		&d.AllowExempt, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, trace.Wrap(convertError(err))
}

func (s *Store) CreateDevice(ctx context.Context, device *storage.Device) (*storage.Device, error) {
	if device.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if device.Hostname == "" {
		return nil, trace.BadParameter("missing parameter Hostname")
	}
	d := *device
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	if _, err := s.db.Exec(ctx, `
		INSERT INTO devices (
			id, org_id, hostname, os_name, os_version, agent_version, is_allowed,
			auto_approve, assigned_user_id, device_token_hash, token_created_at,
			last_seen_at, last_heartbeat_at, allow_keep_until, allow_exempt,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.OrgID, d.Hostname, d.OSName, d.OSVersion, d.AgentVersion, d.IsAllowed,
		d.AutoApprove, d.AssignedUserID, d.DeviceTokenHash, d.TokenCreatedAt,
		d.LastSeenAt, d.LastHeartbeatAt, d.AllowKeepUntil, d.AllowExempt,
		d.CreatedAt, d.UpdatedAt,
	); err != nil {
		if _, ok := uniqueConstraint(err); ok {
			return nil, trace.AlreadyExists("device %q already exists", d.Hostname)
		}
		return nil, trace.Wrap(err)
	}
	out := d
	return &out, nil
}

func (s *Store) GetDevice(ctx context.Context, orgID int64, id string) (*storage.Device, error) {
	d, err := scanDevice(s.db.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE org_id = $1 AND id = $2", orgID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("device %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &d, nil
}

func (s *Store) GetDeviceByID(ctx context.Context, id string) (*storage.Device, error) {
	d, err := scanDevice(s.db.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = $1", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("device %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &d, nil
}

func (s *Store) ListDevices(ctx context.Context, orgID int64, filter storage.DeviceFilter) ([]storage.Device, error) {
	c := &cond{}
	c.add("org_id = $%d", orgID)
	if filter.AssignedUserID != "" {
		c.add("assigned_user_id = $%d", filter.AssignedUserID)
	}
	if filter.Hostname != "" {
		c.add("lower(hostname) = lower($%d)", filter.Hostname)
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE "+c.where()+" ORDER BY hostname",
		c.args...)
	return collectRows(rows, err, scanDevice)
}

func (s *Store) UpdateDevice(ctx context.Context, device *storage.Device) (*storage.Device, error) {
	d := *device
	d.UpdatedAt = s.now()
	err := s.db.QueryRow(ctx, `
		UPDATE devices SET
			hostname = $1, os_name = $2, os_version = $3, agent_version = $4,
			is_allowed = $5, auto_approve = $6, assigned_user_id = $7,
			device_token_hash = $8, token_created_at = $9, last_seen_at = $10,
			last_heartbeat_at = $11, allow_keep_until = $12, allow_exempt = $13,
			updated_at = $14
		WHERE org_id = $15 AND id = $16
		RETURNING created_at`,
		d.Hostname, d.OSName, d.OSVersion, d.AgentVersion,
		d.IsAllowed, d.AutoApprove, d.AssignedUserID,
		d.DeviceTokenHash, d.TokenCreatedAt, d.LastSeenAt,
		d.LastHeartbeatAt, d.AllowKeepUntil, d.AllowExempt,
		d.UpdatedAt, d.OrgID, d.ID,
	).Scan(&d.CreatedAt)
	if err != nil {
		if _, ok := uniqueConstraint(err); ok {
			return nil, trace.AlreadyExists("device %q already exists", d.Hostname)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("device %q not found", d.ID)
		}
		return nil, trace.Wrap(err)
	}
	out := d
	return &out, nil
}

func (s *Store) LinkUserDevice(ctx context.Context, link storage.UserDevice) error {
	if link.OrgID == 0 || link.UserID == "" || link.DeviceID == "" {
		return trace.BadParameter("user-device link requires OrgID, UserID and DeviceID")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_devices (org_id, user_id, device_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO NOTHING`,
		link.OrgID, link.UserID, link.DeviceID, s.now())
	return trace.Wrap(err)
}

func (s *Store) ListUserDeviceIDs(ctx context.Context, orgID int64, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT device_id FROM user_devices WHERE org_id = $1 AND user_id = $2 ORDER BY device_id",
		orgID, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, trace.Wrap(err)
}

// ---- certificates ----

const certColumns = `id, org_id, name, subject, issuer, serial_number, not_before,
	not_after, sha1_fingerprint, source_path, parse_ok, parse_error,
	last_ingested_at, last_error_at, created_at, updated_at`

func scanCert(row pgx.Row) (storage.Certificate, error) {
	var c storage.Certificate
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Name, &c.Subject, &c.Issuer, &c.SerialNumber, &c.NotBefore,
		&c.NotAfter, &c.SHA1Fingerprint, &c.SourcePath, &c.ParseOK, &c.ParseError,
		&c.LastIngestedAt, &c.LastErrorAt, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, trace.Wrap(convertError(err))
}

func certExistsError(err error, name string) error {
	if _, ok := uniqueConstraint(err); !ok {
		return nil
	}
	return trace.AlreadyExists("certificate %q already exists", name)
}

func (s *Store) CreateCertificate(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	if cert.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if cert.Name == "" {
		return nil, trace.BadParameter("missing parameter Name")
	}
	c := *cert
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	err := s.db.QueryRow(ctx, `
		INSERT INTO certificates (
			org_id, name, subject, issuer, serial_number, not_before, not_after,
			sha1_fingerprint, source_path, parse_ok, parse_error, last_ingested_at,
			last_error_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		c.OrgID, c.Name, c.Subject, c.Issuer, c.SerialNumber, c.NotBefore, c.NotAfter,
		c.SHA1Fingerprint, c.SourcePath, c.ParseOK, c.ParseError, c.LastIngestedAt,
		c.LastErrorAt, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		if exists := certExistsError(err, c.Name); exists != nil {
			return nil, exists
		}
		return nil, trace.Wrap(err)
	}
	out := c
	return &out, nil
}

func (s *Store) GetCertificate(ctx context.Context, orgID, id int64) (*storage.Certificate, error) {
	c, err := scanCert(s.db.QueryRow(ctx,
		"SELECT "+certColumns+" FROM certificates WHERE org_id = $1 AND id = $2", orgID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("certificate %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

func (s *Store) getCertificateWhere(ctx context.Context, clause string, args ...any) (*storage.Certificate, error) {
	c, err := scanCert(s.db.QueryRow(ctx,
		"SELECT "+certColumns+" FROM certificates WHERE "+clause+" ORDER BY id LIMIT 1", args...))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("certificate not found")
		}
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

func (s *Store) GetCertificateBySHA1(ctx context.Context, orgID int64, sha1 string) (*storage.Certificate, error) {
	return s.getCertificateWhere(ctx,
		"org_id = $1 AND sha1_fingerprint <> '' AND sha1_fingerprint = $2", orgID, sha1)
}

func (s *Store) GetCertificateBySerial(ctx context.Context, orgID int64, serial string) (*storage.Certificate, error) {
	return s.getCertificateWhere(ctx,
		"org_id = $1 AND serial_number <> '' AND serial_number = $2", orgID, serial)
}

func (s *Store) GetCertificateByName(ctx context.Context, orgID int64, name string) (*storage.Certificate, error) {
	return s.getCertificateWhere(ctx, "org_id = $1 AND name = $2", orgID, name)
}

func (s *Store) GetCertificateBySourcePath(ctx context.Context, orgID int64, path string) (*storage.Certificate, error) {
	return s.getCertificateWhere(ctx,
		"org_id = $1 AND source_path <> '' AND source_path = $2", orgID, path)
}

func (s *Store) ListCertificates(ctx context.Context, orgID int64, filter storage.CertificateFilter) ([]storage.Certificate, error) {
	c := &cond{}
	c.add("org_id = $%d", orgID)
	if filter.Query != "" {
		c.add("strpos(lower(name), lower($%d)) > 0", filter.Query)
	}
	if filter.Name != "" {
		c.add("name = $%d", filter.Name)
	}
	if filter.ParseOK != nil {
		c.add("parse_ok = $%d", *filter.ParseOK)
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+certColumns+" FROM certificates WHERE "+c.where()+" ORDER BY name",
		c.args...)
	return collectRows(rows, err, scanCert)
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	c := *cert
	c.UpdatedAt = s.now()
	err := s.db.QueryRow(ctx, `
		UPDATE certificates SET
			name = $1, subject = $2, issuer = $3, serial_number = $4, not_before = $5,
			not_after = $6, sha1_fingerprint = $7, source_path = $8, parse_ok = $9,
			parse_error = $10, last_ingested_at = $11, last_error_at = $12,
			updated_at = $13
		WHERE org_id = $14 AND id = $15
		RETURNING created_at`,
		c.Name, c.Subject, c.Issuer, c.SerialNumber, c.NotBefore,
		c.NotAfter, c.SHA1Fingerprint, c.SourcePath, c.ParseOK,
		c.ParseError, c.LastIngestedAt, c.LastErrorAt,
		c.UpdatedAt, c.OrgID, c.ID,
	).Scan(&c.CreatedAt)
	if err != nil {
		if exists := certExistsError(err, c.Name); exists != nil {
			return nil, exists
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("certificate %v not found", c.ID)
		}
		return nil, trace.Wrap(err)
	}
	out := c
	return &out, nil
}

func (s *Store) DeleteCertificate(ctx context.Context, orgID, id int64) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM certificates WHERE org_id = $1 AND id = $2", orgID, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("certificate %v not found", id)
	}
	return nil
}

// ---- install jobs ----

const jobColumns = `id, org_id, cert_id, device_id, requested_by_user_id, status,
	approved_by_user_id, approved_at, claimed_by_device_id, claimed_at, started_at,
	finished_at, error_code, error_message, thumbprint, payload_token_hash,
	payload_token_expires_at, payload_token_used_at, payload_token_device_id,
	cleanup_mode, keep_until, keep_reason, keep_set_by_user_id, keep_set_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (storage.InstallJob, error) {
	var j storage.InstallJob
	err := row.Scan(
		&j.ID, &j.OrgID, &j.CertID, &j.DeviceID, &j.RequestedByUserID, &j.Status,
		&j.ApprovedByUserID, &j.ApprovedAt, &j.ClaimedByDeviceID, &j.ClaimedAt, &j.StartedAt,
		&j.FinishedAt, &j.ErrorCode, &j.ErrorMessage, &j.Thumbprint, &j.PayloadTokenHash,
		&j.PayloadTokenExpiresAt, &j.PayloadTokenUsedAt, &j.PayloadTokenDeviceID,
		&j.CleanupMode, &j.KeepUntil, &j.KeepReason, &j.KeepSetByUserID, &j.KeepSetAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	return j, trace.Wrap(convertError(err))
}

func (s *Store) CreateInstallJob(ctx context.Context, job *storage.InstallJob) (*storage.InstallJob, error) {
	if job.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if job.CertID == 0 || job.DeviceID == "" {
		return nil, trace.BadParameter("install job requires CertID and DeviceID")
	}
	j := *job
	if j.Status == "" {
		j.Status = storage.JobStatusRequested
	}
	if j.CleanupMode == "" {
		j.CleanupMode = storage.CleanupDefault
	}
	now := s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	err := s.db.QueryRow(ctx, `
		INSERT INTO install_jobs (
			org_id, cert_id, device_id, requested_by_user_id, status,
			approved_by_user_id, approved_at, claimed_by_device_id, claimed_at,
			started_at, finished_at, error_code, error_message, thumbprint,
			payload_token_hash, payload_token_expires_at, payload_token_used_at,
			payload_token_device_id, cleanup_mode, keep_until, keep_reason,
			keep_set_by_user_id, keep_set_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		RETURNING id`,
		j.OrgID, j.CertID, j.DeviceID, j.RequestedByUserID, j.Status,
		j.ApprovedByUserID, j.ApprovedAt, j.ClaimedByDeviceID, j.ClaimedAt,
		j.StartedAt, j.FinishedAt, j.ErrorCode, j.ErrorMessage, j.Thumbprint,
		j.PayloadTokenHash, j.PayloadTokenExpiresAt, j.PayloadTokenUsedAt,
		j.PayloadTokenDeviceID, j.CleanupMode, j.KeepUntil, j.KeepReason,
		j.KeepSetByUserID, j.KeepSetAt, j.CreatedAt, j.UpdatedAt,
	).Scan(&j.ID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	out := j
	return &out, nil
}

func (s *Store) GetInstallJob(ctx context.Context, orgID, id int64) (*storage.InstallJob, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM install_jobs WHERE org_id = $1 AND id = $2", orgID, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("install job %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &j, nil
}

func jobConditions(alias string, orgID int64, filter storage.JobFilter) *cond {
	c := &cond{}
	c.add(alias+"org_id = $%d", orgID)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		c.add(alias+"status = ANY($%d)", statuses)
	}
	if filter.DeviceID != "" {
		c.add(alias+"device_id = $%d", filter.DeviceID)
	}
	if len(filter.DeviceIDs) > 0 {
		c.add(alias+"device_id = ANY($%d)", filter.DeviceIDs)
	}
	if filter.RequestedByUserID != "" {
		c.add(alias+"requested_by_user_id = $%d", filter.RequestedByUserID)
	}
	if !filter.CreatedAfter.IsZero() {
		c.add(alias+"created_at >= $%d", filter.CreatedAfter.UTC())
	}
	if !filter.StartedBefore.IsZero() {
		c.add(alias+"started_at <= $%d", filter.StartedBefore.UTC())
	}
	return c
}

func jobOrder(alias string, filter storage.JobFilter) string {
	dir := "DESC"
	if filter.OrderAsc {
		dir = "ASC"
	}
	order := fmt.Sprintf(" ORDER BY %screated_at %s, %sid %s", alias, dir, alias, dir)
	if filter.Limit > 0 {
		order += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return order
}

func (s *Store) ListInstallJobs(ctx context.Context, orgID int64, filter storage.JobFilter) ([]storage.InstallJob, error) {
	c := jobConditions("", orgID, filter)
	rows, err := s.db.Query(ctx,
		"SELECT "+jobColumns+" FROM install_jobs WHERE "+c.where()+jobOrder("", filter),
		c.args...)
	return collectRows(rows, err, scanJob)
}

func scanJobView(row pgx.Row) (storage.InstallJobView, error) {
	var v storage.InstallJobView
	err := row.Scan(
		&v.ID, &v.OrgID, &v.CertID, &v.DeviceID, &v.RequestedByUserID, &v.Status,
		&v.ApprovedByUserID, &v.ApprovedAt, &v.ClaimedByDeviceID, &v.ClaimedAt, &v.StartedAt,
		&v.FinishedAt, &v.ErrorCode, &v.ErrorMessage, &v.Thumbprint, &v.PayloadTokenHash,
		&v.PayloadTokenExpiresAt, &v.PayloadTokenUsedAt, &v.PayloadTokenDeviceID,
		&v.CleanupMode, &v.KeepUntil, &v.KeepReason, &v.KeepSetByUserID, &v.KeepSetAt,
		&v.CreatedAt, &v.UpdatedAt,
		&v.CertName, &v.DeviceHostname, &v.RequestedByName, &v.ApprovedByName,
	)
	return v, trace.Wrap(convertError(err))
}

func (s *Store) ListInstallJobViews(ctx context.Context, orgID int64, filter storage.JobFilter) ([]storage.InstallJobView, error) {
	c := jobConditions("j.", orgID, filter)
	rows, err := s.db.Query(ctx,
		"SELECT "+prefixColumns(jobColumns, "j")+`,
			COALESCE(c.name, ''),
			d.hostname,
			COALESCE(NULLIF(ru.display_name, ''), ru.ad_username, ''),
			COALESCE(NULLIF(au.display_name, ''), au.ad_username, '')
		FROM install_jobs AS j
		LEFT JOIN certificates AS c ON c.id = j.cert_id
		JOIN devices AS d ON d.id = j.device_id
		JOIN users AS ru ON ru.id = j.requested_by_user_id
		LEFT JOIN users AS au ON au.id = j.approved_by_user_id
		WHERE `+c.where()+jobOrder("j.", filter),
		c.args...)
	return collectRows(rows, err, scanJobView)
}

// jobConflict distinguishes a missing job from a failed state guard.
func (s *Store) jobConflict(ctx context.Context, orgID, id int64, guard error) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM install_jobs WHERE org_id = $1 AND id = $2)",
		orgID, id).Scan(&exists); err != nil {
		return trace.Wrap(err)
	}
	if !exists {
		return trace.NotFound("install job %v not found", id)
	}
	return guard
}

func (s *Store) settleRequested(ctx context.Context, orgID, id int64, approverID string, to storage.JobStatus, now time.Time) (*storage.InstallJob, error) {
	nowUTC := now.UTC()
	var finished *time.Time
	if to == storage.JobStatusCanceled {
		finished = &nowUTC
	}
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE install_jobs SET
			status = $1, approved_by_user_id = $2, approved_at = $3,
			finished_at = $4, updated_at = $3
		WHERE org_id = $5 AND id = $6 AND status = $7
		RETURNING `+jobColumns,
		to, approverID, nowUTC, finished, orgID, id, storage.JobStatusRequested))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, s.jobConflict(ctx, orgID, id,
				trace.CompareFailed("install job %v is not REQUESTED", id))
		}
		return nil, trace.Wrap(err)
	}
	return &j, nil
}

func (s *Store) ApproveInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*storage.InstallJob, error) {
	return s.settleRequested(ctx, orgID, id, approverID, storage.JobStatusPending, now)
}

func (s *Store) DenyInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*storage.InstallJob, error) {
	return s.settleRequested(ctx, orgID, id, approverID, storage.JobStatusCanceled, now)
}

func (s *Store) ClaimInstallJob(ctx context.Context, orgID, id int64, deviceID, tokenHash string, expiresAt, now time.Time) (*storage.InstallJob, bool, error) {
	nowUTC, expUTC := now.UTC(), expiresAt.UTC()
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE install_jobs SET
			status = $1, claimed_by_device_id = $2, claimed_at = $3, started_at = $3,
			payload_token_hash = $4, payload_token_expires_at = $5,
			payload_token_used_at = NULL, payload_token_device_id = $2, updated_at = $3
		WHERE org_id = $6 AND id = $7 AND status = $8 AND device_id = $2
		RETURNING `+jobColumns,
		storage.JobStatusInProgress, deviceID, nowUTC, tokenHash, expUTC,
		orgID, id, storage.JobStatusPending))
	if err == nil {
		return &j, false, nil
	}
	if !trace.IsNotFound(err) {
		return nil, false, trace.Wrap(err)
	}
	// Re-claim by the claiming device refreshes the payload token; the
	// previous token stops working.
	j, err = scanJob(s.db.QueryRow(ctx, `
		UPDATE install_jobs SET
			payload_token_hash = $1, payload_token_expires_at = $2,
			payload_token_used_at = NULL, payload_token_device_id = $3, updated_at = $4
		WHERE org_id = $5 AND id = $6 AND status = $7 AND claimed_by_device_id = $3
		RETURNING `+jobColumns,
		tokenHash, expUTC, deviceID, nowUTC,
		orgID, id, storage.JobStatusInProgress))
	if err == nil {
		return &j, true, nil
	}
	if !trace.IsNotFound(err) {
		return nil, false, trace.Wrap(err)
	}
	return nil, false, s.jobConflict(ctx, orgID, id,
		trace.CompareFailed("install job %v cannot be claimed by device %v", id, deviceID))
}

func (s *Store) ConsumePayloadToken(ctx context.Context, orgID, id int64, deviceID, presentedHash string, now time.Time) (*storage.InstallJob, storage.PayloadDenial, error) {
	var job *storage.InstallJob
	var denial storage.PayloadDenial
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			"SELECT "+jobColumns+" FROM install_jobs WHERE org_id = $1 AND id = $2 FOR UPDATE",
			orgID, id))
		if err != nil {
			return trace.Wrap(err)
		}
		switch {
		case j.Status != storage.JobStatusInProgress:
			denial = storage.PayloadDenialJobNotInProgress
		case j.PayloadTokenUsedAt != nil:
			denial = storage.PayloadDenialTokenUsed
		case j.PayloadTokenDeviceID != "" && j.PayloadTokenDeviceID != deviceID:
			denial = storage.PayloadDenialDeviceMismatch
		case j.PayloadTokenHash == "" || j.PayloadTokenExpiresAt == nil:
			denial = storage.PayloadDenialMissingToken
		case now.UTC().After(j.PayloadTokenExpiresAt.UTC()):
			denial = storage.PayloadDenialTokenExpired
		case subtle.ConstantTimeCompare([]byte(presentedHash), []byte(j.PayloadTokenHash)) != 1:
			denial = storage.PayloadDenialTokenMismatch
		}
		if denial != storage.PayloadDenialNone {
			job = &j
			return nil
		}
		stamped := now.UTC()
		if _, err := tx.Exec(ctx,
			"UPDATE install_jobs SET payload_token_used_at = $1, updated_at = $1 WHERE org_id = $2 AND id = $3",
			stamped, orgID, id); err != nil {
			return trace.Wrap(err)
		}
		j.PayloadTokenUsedAt = &stamped
		j.UpdatedAt = stamped
		job = &j
		return nil
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, storage.PayloadDenialNone, trace.NotFound("install job %v not found", id)
		}
		return nil, storage.PayloadDenialNone, trace.Wrap(err)
	}
	return job, denial, nil
}

func (s *Store) CompleteInstallJob(ctx context.Context, orgID, id int64, deviceID string, status storage.JobStatus, thumbprint, errorCode, errorMessage string, now time.Time) (*storage.InstallJob, error) {
	if status != storage.JobStatusDone && status != storage.JobStatusFailed {
		return nil, trace.BadParameter("result status must be DONE or FAILED, got %q", status)
	}
	nowUTC := now.UTC()
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE install_jobs SET
			status = $1, thumbprint = $2, error_code = $3, error_message = $4,
			finished_at = $5, updated_at = $5
		WHERE org_id = $6 AND id = $7 AND status = $8 AND device_id = $9
		RETURNING `+jobColumns,
		status, thumbprint, errorCode, errorMessage, nowUTC,
		orgID, id, storage.JobStatusInProgress, deviceID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, s.jobConflict(ctx, orgID, id,
				trace.CompareFailed("install job %v is not IN_PROGRESS for device %v", id, deviceID))
		}
		return nil, trace.Wrap(err)
	}
	return &j, nil
}

func (s *Store) ReapInstallJob(ctx context.Context, orgID, id int64, cutoff, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE install_jobs SET
			status = $1, error_code = 'TIMEOUT',
			error_message = 'install did not finish within the reap threshold',
			finished_at = $2, updated_at = $2
		WHERE org_id = $3 AND id = $4 AND status = $5 AND started_at <= $6`,
		storage.JobStatusFailed, now.UTC(),
		orgID, id, storage.JobStatusInProgress, cutoff.UTC())
	if err != nil {
		return false, trace.Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if err := s.jobConflict(ctx, orgID, id, nil); err != nil {
		return false, trace.Wrap(err)
	}
	return false, nil
}

// ---- installed certs ----

const installedColumns = `org_id, device_id, thumbprint, subject, issuer,
	serial_number, not_before, not_after, installed_via_agent, cleanup_mode,
	keep_until, keep_reason, first_seen_at, last_seen_at, removed_at`

func scanInstalled(row pgx.Row) (storage.InstalledCert, error) {
	var c storage.InstalledCert
	err := row.Scan(
		&c.OrgID, &c.DeviceID, &c.Thumbprint, &c.Subject, &c.Issuer,
		&c.SerialNumber, &c.NotBefore, &c.NotAfter, &c.InstalledViaAgent, &c.CleanupMode,
		&c.KeepUntil, &c.KeepReason, &c.FirstSeenAt, &c.LastSeenAt, &c.RemovedAt,
	)
	return c, trace.Wrap(convertError(err))
}

func (s *Store) UpsertInstalledCert(ctx context.Context, cert *storage.InstalledCert) (*storage.InstalledCert, error) {
	if cert.OrgID == 0 || cert.DeviceID == "" || cert.Thumbprint == "" {
		return nil, trace.BadParameter("installed cert requires OrgID, DeviceID and Thumbprint")
	}
	c := *cert
	now := s.now()
	c.LastSeenAt = now
	c.RemovedAt = nil
	err := s.db.QueryRow(ctx, `
		INSERT INTO device_installed_certs (
			org_id, device_id, thumbprint, subject, issuer, serial_number,
			not_before, not_after, installed_via_agent, cleanup_mode, keep_until,
			keep_reason, first_seen_at, last_seen_at, removed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, NULL)
		ON CONFLICT (device_id, thumbprint) DO UPDATE SET
			subject = EXCLUDED.subject, issuer = EXCLUDED.issuer,
			serial_number = EXCLUDED.serial_number, not_before = EXCLUDED.not_before,
			not_after = EXCLUDED.not_after,
			installed_via_agent = EXCLUDED.installed_via_agent,
			cleanup_mode = EXCLUDED.cleanup_mode, keep_until = EXCLUDED.keep_until,
			keep_reason = EXCLUDED.keep_reason, last_seen_at = EXCLUDED.last_seen_at,
			removed_at = NULL
		RETURNING first_seen_at`,
		c.OrgID, c.DeviceID, c.Thumbprint, c.Subject, c.Issuer, c.SerialNumber,
		c.NotBefore, c.NotAfter, c.InstalledViaAgent, c.CleanupMode, c.KeepUntil,
		c.KeepReason, now,
	).Scan(&c.FirstSeenAt)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	out := c
	return &out, nil
}

func (s *Store) MarkInstalledCertsRemoved(ctx context.Context, orgID int64, deviceID string, keep []string, now time.Time) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE device_installed_certs SET removed_at = $1
		WHERE org_id = $2 AND device_id = $3 AND removed_at IS NULL
			AND NOT (thumbprint = ANY($4))`,
		now.UTC(), orgID, deviceID, keep)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListInstalledCerts(ctx context.Context, orgID int64, deviceID string, filter storage.InstalledCertFilter) ([]storage.InstalledCert, error) {
	c := &cond{}
	c.add("org_id = $%d", orgID)
	c.add("device_id = $%d", deviceID)
	if filter.AgentOnly {
		c.expr("installed_via_agent")
	}
	if !filter.IncludeRemoved {
		c.expr("removed_at IS NULL")
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+installedColumns+" FROM device_installed_certs WHERE "+c.where()+
			" ORDER BY last_seen_at DESC, thumbprint",
		c.args...)
	return collectRows(rows, err, scanInstalled)
}

// ---- auth tokens ----

const authTokenColumns = `id, org_id, user_id, token_hash, purpose, expires_at,
	used_at, created_at`

func scanAuthToken(row pgx.Row) (storage.AuthToken, error) {
	var t storage.AuthToken
	err := row.Scan(
		&t.ID, &t.OrgID, &t.UserID, &t.TokenHash, &t.Purpose, &t.ExpiresAt,
		&t.UsedAt, &t.CreatedAt,
	)
	return t, trace.Wrap(convertError(err))
}

func (s *Store) CreateAuthToken(ctx context.Context, token *storage.AuthToken) (*storage.AuthToken, error) {
	if token.OrgID == 0 || token.UserID == "" || token.TokenHash == "" {
		return nil, trace.BadParameter("auth token requires OrgID, UserID and TokenHash")
	}
	t := *token
	t.CreatedAt = s.now()
	err := s.db.QueryRow(ctx, `
		INSERT INTO auth_tokens (org_id, user_id, token_hash, purpose, expires_at, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.OrgID, t.UserID, t.TokenHash, t.Purpose, t.ExpiresAt, t.UsedAt, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	out := t
	return &out, nil
}

func (s *Store) GetAuthTokenByHash(ctx context.Context, hash string) (*storage.AuthToken, error) {
	t, err := scanAuthToken(s.db.QueryRow(ctx,
		"SELECT "+authTokenColumns+" FROM auth_tokens WHERE token_hash = $1", hash))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("auth token not found")
		}
		return nil, trace.Wrap(err)
	}
	return &t, nil
}

func (s *Store) MarkAuthTokenUsed(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE auth_tokens SET used_at = $1 WHERE id = $2", now.UTC(), id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("auth token %v not found", id)
	}
	return nil
}

func (s *Store) InvalidateAuthTokens(ctx context.Context, orgID int64, userID string, purpose storage.TokenPurpose, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE auth_tokens SET used_at = $1
		WHERE org_id = $2 AND user_id = $3 AND purpose = $4 AND used_at IS NULL`,
		now.UTC(), orgID, userID, purpose)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- sessions ----

const sessionColumns = `id, org_id, user_id, refresh_token_hash, expires_at,
	revoked_at, ip, user_agent, created_at`

func scanSession(row pgx.Row) (storage.Session, error) {
	var ses storage.Session
	err := row.Scan(
		&ses.ID, &ses.OrgID, &ses.UserID, &ses.RefreshTokenHash, &ses.ExpiresAt,
		&ses.RevokedAt, &ses.IP, &ses.UserAgent, &ses.CreatedAt,
	)
	return ses, trace.Wrap(convertError(err))
}

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (*storage.Session, error) {
	if session.OrgID == 0 || session.UserID == "" || session.RefreshTokenHash == "" {
		return nil, trace.BadParameter("session requires OrgID, UserID and RefreshTokenHash")
	}
	ses := *session
	ses.CreatedAt = s.now()
	err := s.db.QueryRow(ctx, `
		INSERT INTO user_sessions (org_id, user_id, refresh_token_hash, expires_at, revoked_at, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		ses.OrgID, ses.UserID, ses.RefreshTokenHash, ses.ExpiresAt, ses.RevokedAt,
		ses.IP, ses.UserAgent, ses.CreatedAt,
	).Scan(&ses.ID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	out := ses
	return &out, nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, hash string) (*storage.Session, error) {
	ses, err := scanSession(s.db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM user_sessions WHERE refresh_token_hash = $1", hash))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session not found")
		}
		return nil, trace.Wrap(err)
	}
	return &ses, nil
}

func (s *Store) RevokeSession(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE user_sessions SET revoked_at = $1 WHERE id = $2", now.UTC(), id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("session %v not found", id)
	}
	return nil
}

// ---- audit ----

const auditColumns = `id, org_id, action, entity_type, entity_id, actor_user_id,
	actor_device_id, ip, occurred_at, meta`

func scanAuditRecord(row pgx.Row) (storage.AuditRecord, error) {
	var rec storage.AuditRecord
	var meta []byte
	err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.Action, &rec.EntityType, &rec.EntityID,
		(*zeronull.Text)(&rec.ActorUserID), (*zeronull.Text)(&rec.ActorDeviceID),
		&rec.IP, &rec.Time, &meta,
	)
	if err != nil {
		return rec, trace.Wrap(convertError(err))
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return rec, trace.Wrap(err)
		}
	}
	return rec, nil
}

func (s *Store) AppendAuditEvent(ctx context.Context, event events.Event) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	occurred := event.Time
	if occurred.IsZero() {
		occurred = s.now()
	}
	var meta []byte
	if len(event.Meta) > 0 {
		var err error
		meta, err = json.Marshal(event.Meta)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO audit_log (org_id, action, entity_type, entity_id, actor_user_id, actor_device_id, ip, occurred_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.OrgID, event.Action, event.EntityType, event.EntityID,
		zeronull.Text(event.ActorUserID), zeronull.Text(event.ActorDeviceID),
		event.IP, occurred.UTC(), meta,
	); err != nil {
		return trace.Wrap(err)
	}
	events.ObserveEmitted(event.Action)
	return nil
}

func auditConditions(alias string, orgID int64, filter storage.AuditFilter) *cond {
	c := &cond{}
	c.add(alias+"org_id = $%d", orgID)
	if len(filter.Actions) > 0 {
		c.add(alias+"action = ANY($%d)", filter.Actions)
	}
	if filter.EntityType != "" {
		c.add(alias+"entity_type = $%d", filter.EntityType)
	}
	if filter.ActorUserID != "" {
		c.add(alias+"actor_user_id = $%d", filter.ActorUserID)
	}
	if filter.ActorDeviceID != "" {
		c.add(alias+"actor_device_id = $%d", filter.ActorDeviceID)
	}
	if !filter.Since.IsZero() {
		c.add(alias+"occurred_at >= $%d", filter.Since.UTC())
	}
	return c
}

func auditLimit(filter storage.AuditFilter) string {
	if filter.Limit > 0 {
		return fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return ""
}

func (s *Store) ListAuditEvents(ctx context.Context, orgID int64, filter storage.AuditFilter) ([]storage.AuditRecord, error) {
	c := auditConditions("", orgID, filter)
	rows, err := s.db.Query(ctx,
		"SELECT "+auditColumns+" FROM audit_log WHERE "+c.where()+
			" ORDER BY id DESC"+auditLimit(filter),
		c.args...)
	return collectRows(rows, err, scanAuditRecord)
}

func scanAuditView(row pgx.Row) (storage.AuditView, error) {
	var v storage.AuditView
	var meta []byte
	err := row.Scan(
		&v.ID, &v.OrgID, &v.Action, &v.EntityType, &v.EntityID,
		(*zeronull.Text)(&v.ActorUserID), (*zeronull.Text)(&v.ActorDeviceID),
		&v.IP, &v.Time, &meta, &v.ActorLabel,
	)
	if err != nil {
		return v, trace.Wrap(convertError(err))
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &v.Meta); err != nil {
			return v, trace.Wrap(err)
		}
	}
	return v, nil
}

func (s *Store) ListAuditEventViews(ctx context.Context, orgID int64, filter storage.AuditFilter) ([]storage.AuditView, error) {
	c := auditConditions("a.", orgID, filter)
	rows, err := s.db.Query(ctx,
		"SELECT "+prefixColumns(auditColumns, "a")+`,
			CASE
				WHEN a.actor_user_id IS NOT NULL THEN COALESCE(NULLIF(u.display_name, ''), u.ad_username, '')
				WHEN a.actor_device_id IS NOT NULL THEN COALESCE(d.hostname, '')
				ELSE ''
			END
		FROM audit_log AS a
		LEFT JOIN users AS u ON u.id = a.actor_user_id
		LEFT JOIN devices AS d ON d.id = a.actor_device_id
		WHERE `+c.where()+" ORDER BY a.id DESC"+auditLimit(filter),
		c.args...)
	return collectRows(rows, err, scanAuditView)
}
