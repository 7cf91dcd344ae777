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

// Package storage defines the persistent records of the control plane and
// the Store interface its services program against.
//
// Every record is tenant-scoped by OrgID and every read takes the org as
// an explicit argument; implementations must never return a row from
// another org. The state-machine primitives (claim, payload consume,
// complete, reap) carry their guards into the store so concurrent callers
// are serialized by the database, not by process locks.
package storage

import (
	"context"
	"time"

	"github.com/gravitational/certhub/lib/events"
)

// Role is an operator's global role.
type Role string

const (
	// RoleDev has full control, including user administration.
	RoleDev Role = "DEV"
	// RoleAdmin manages devices and approvals.
	RoleAdmin Role = "ADMIN"
	// RoleView may browse and request installs on owned devices.
	RoleView Role = "VIEW"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDev, RoleAdmin, RoleView:
		return true
	}
	return false
}

// Elevated reports whether the role carries approval authority.
func (r Role) Elevated() bool {
	return r == RoleDev || r == RoleAdmin
}

// JobStatus is the lifecycle state of an install job.
type JobStatus string

const (
	JobStatusRequested  JobStatus = "REQUESTED"
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCanceled   JobStatus = "CANCELED"
	// JobStatusExpired is reserved; no transition currently produces it.
	JobStatusExpired JobStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled, JobStatusExpired:
		return true
	}
	return false
}

// CleanupMode governs local auto-removal of an installed certificate.
type CleanupMode string

const (
	// CleanupDefault applies the agent's standard removal horizon.
	CleanupDefault CleanupMode = "DEFAULT"
	// CleanupKeepUntil keeps the certificate until an explicit time.
	CleanupKeepUntil CleanupMode = "KEEP_UNTIL"
	// CleanupExempt never removes the certificate; requires a reason.
	CleanupExempt CleanupMode = "EXEMPT"
)

// Valid reports whether m is a known cleanup mode.
func (m CleanupMode) Valid() bool {
	switch m {
	case CleanupDefault, CleanupKeepUntil, CleanupExempt:
		return true
	}
	return false
}

// TokenPurpose is the purpose of a single-use auth token.
type TokenPurpose string

const (
	PurposeSetPassword   TokenPurpose = "SET_PASSWORD"
	PurposeResetPassword TokenPurpose = "RESET_PASSWORD"
)

// PayloadDenial is the reason a payload lease was refused. The values are
// the stable identifiers audited and returned to agents.
type PayloadDenial string

const (
	PayloadDenialNone             PayloadDenial = ""
	PayloadDenialMissingToken     PayloadDenial = "missing_token"
	PayloadDenialTokenUsed        PayloadDenial = "token_used"
	PayloadDenialTokenExpired     PayloadDenial = "token_expired"
	PayloadDenialTokenMismatch    PayloadDenial = "token_mismatch"
	PayloadDenialDeviceMismatch   PayloadDenial = "device_mismatch"
	PayloadDenialJobNotInProgress PayloadDenial = "job_not_in_progress"
)

// User is an operator identity.
type User struct {
	ID                     string
	OrgID                  int64
	ADUsername             string
	Email                  string
	DisplayName            string
	IsActive               bool
	RoleGlobal             Role
	AutoApproveInstallJobs bool
	PasswordHash           string
	PasswordSetAt          *time.Time
	FailedLoginAttempts    int
	LockedUntil            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Label is the human-readable identifier used in audit views and exports.
func (u *User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ADUsername
}

// Device is a managed endpoint.
type Device struct {
	ID              string
	OrgID           int64
	Hostname        string
	OSName          string
	OSVersion       string
	AgentVersion    string
	IsAllowed       bool
	AutoApprove     bool
	AssignedUserID  *string
	DeviceTokenHash string
	TokenCreatedAt  *time.Time
	LastSeenAt      *time.Time
	LastHeartbeatAt *time.Time
	AllowKeepUntil  bool
	AllowExempt     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserDevice links a user to a device beyond the device's assigned user.
type UserDevice struct {
	OrgID     int64
	UserID    string
	DeviceID  string
	CreatedAt time.Time
}

// Certificate is a catalog entry for one PKCS#12 file.
type Certificate struct {
	ID              int64
	OrgID           int64
	Name            string
	Subject         string
	Issuer          string
	SerialNumber    string
	NotBefore       *time.Time
	NotAfter        *time.Time
	SHA1Fingerprint string
	SourcePath      string
	ParseOK         bool
	ParseError      string
	LastIngestedAt  *time.Time
	LastErrorAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InstallJob is one request to install one certificate on one device.
type InstallJob struct {
	ID                    int64
	OrgID                 int64
	CertID                int64
	DeviceID              string
	RequestedByUserID     string
	Status                JobStatus
	ApprovedByUserID      *string
	ApprovedAt            *time.Time
	ClaimedByDeviceID     *string
	ClaimedAt             *time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
	ErrorCode             string
	ErrorMessage          string
	Thumbprint            string
	PayloadTokenHash      string
	PayloadTokenExpiresAt *time.Time
	PayloadTokenUsedAt    *time.Time
	PayloadTokenDeviceID  string
	CleanupMode           CleanupMode
	KeepUntil             *time.Time
	KeepReason            string
	KeepSetByUserID       *string
	KeepSetAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// InstallJobView is an install job joined with display labels.
type InstallJobView struct {
	InstallJob
	CertName        string
	DeviceHostname  string
	RequestedByName string
	ApprovedByName  string
}

// InstalledCert is a certificate observed in a device's local store.
type InstalledCert struct {
	OrgID             int64
	DeviceID          string
	Thumbprint        string
	Subject           string
	Issuer            string
	SerialNumber      string
	NotBefore         *time.Time
	NotAfter          *time.Time
	InstalledViaAgent bool
	CleanupMode       CleanupMode
	KeepUntil         *time.Time
	KeepReason        string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	RemovedAt         *time.Time
}

// AuthToken is a single-purpose opaque token (set/reset password).
type AuthToken struct {
	ID        int64
	OrgID     int64
	UserID    string
	TokenHash string
	Purpose   TokenPurpose
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Session is a refresh-token session of an operator.
type Session struct {
	ID               int64
	OrgID            int64
	UserID           string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	IP               string
	UserAgent        string
	CreatedAt        time.Time
}

// AuditRecord is a persisted audit event.
type AuditRecord struct {
	ID int64
	events.Event
}

// AuditView is an audit record joined with the actor's display label.
type AuditView struct {
	AuditRecord
	ActorLabel string
}

// CertificateFilter narrows certificate listings.
type CertificateFilter struct {
	// Query is a case-insensitive substring match on the name.
	Query string
	// Name is an exact name match.
	Name string
	// ParseOK filters by parse state when set.
	ParseOK *bool
}

// DeviceFilter narrows device listings.
type DeviceFilter struct {
	// AssignedUserID restricts to devices assigned to the user.
	AssignedUserID string
	// Hostname is an exact hostname match.
	Hostname string
}

// JobFilter narrows install job listings.
type JobFilter struct {
	// Statuses restricts to the given states.
	Statuses []JobStatus
	// DeviceID restricts to one device.
	DeviceID string
	// DeviceIDs restricts to a set of devices (my-device scope).
	DeviceIDs []string
	// RequestedByUserID restricts to one requester.
	RequestedByUserID string
	// CreatedAfter keeps jobs created at or after the given time.
	CreatedAfter time.Time
	// StartedBefore keeps jobs whose started_at is at or before the
	// given time (reaper cutoff).
	StartedBefore time.Time
	// OrderAsc orders by creation time ascending; default is descending.
	OrderAsc bool
	// Limit caps the result when positive.
	Limit int
}

// InstalledCertFilter narrows installed-cert listings.
type InstalledCertFilter struct {
	// AgentOnly keeps rows installed through the agent.
	AgentOnly bool
	// IncludeRemoved keeps rows already marked removed.
	IncludeRemoved bool
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	// Actions restricts to the given actions.
	Actions []string
	// EntityType restricts to one entity type.
	EntityType string
	// ActorUserID restricts to events of one operator.
	ActorUserID string
	// ActorDeviceID restricts to events of one device.
	ActorDeviceID string
	// Since keeps events at or after the given time.
	Since time.Time
	// Limit caps the result when positive.
	Limit int
}

// Users stores operator identities.
type Users interface {
	// CreateUser inserts a user; trace.AlreadyExists on a username
	// conflict within the org.
	CreateUser(ctx context.Context, user *User) (*User, error)
	// GetUser returns a user by id within an org.
	GetUser(ctx context.Context, orgID int64, id string) (*User, error)
	// GetUserByID returns a user by id alone. The lookup is deliberately
	// unscoped: access tokens carry no org, the org comes from the
	// returned row.
	GetUserByID(ctx context.Context, id string) (*User, error)
	// GetUserByADUsername locates a user by login name. The lookup is
	// deliberately unscoped: it runs before authentication establishes
	// an org.
	GetUserByADUsername(ctx context.Context, username string) (*User, error)
	// GetUserByEmail locates a user by email (password reset flow).
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// ListUsers returns all users of an org.
	ListUsers(ctx context.Context, orgID int64) ([]User, error)
	// UpdateUser replaces a user row matched by (org, id).
	UpdateUser(ctx context.Context, user *User) (*User, error)
}

// Devices stores managed endpoints and user-device links.
type Devices interface {
	// CreateDevice inserts a device; trace.AlreadyExists on a hostname
	// conflict within the org.
	CreateDevice(ctx context.Context, device *Device) (*Device, error)
	// GetDevice returns a device by id within an org.
	GetDevice(ctx context.Context, orgID int64, id string) (*Device, error)
	// GetDeviceByID locates a device by its uuid alone. The lookup runs
	// before authentication establishes an org; the org is then taken
	// from the returned row.
	GetDeviceByID(ctx context.Context, id string) (*Device, error)
	// ListDevices returns devices of an org, optionally filtered.
	ListDevices(ctx context.Context, orgID int64, filter DeviceFilter) ([]Device, error)
	// UpdateDevice replaces a device row matched by (org, id).
	UpdateDevice(ctx context.Context, device *Device) (*Device, error)
	// LinkUserDevice adds a user-device allow-list link; idempotent.
	LinkUserDevice(ctx context.Context, link UserDevice) error
	// ListUserDeviceIDs returns ids of devices linked to the user.
	ListUserDeviceIDs(ctx context.Context, orgID int64, userID string) ([]string, error)
}

// Certificates stores the PKCS#12 catalog.
type Certificates interface {
	CreateCertificate(ctx context.Context, cert *Certificate) (*Certificate, error)
	GetCertificate(ctx context.Context, orgID, id int64) (*Certificate, error)
	// GetCertificateBySHA1 returns the org's certificate with the given
	// fingerprint (primary reconciliation key).
	GetCertificateBySHA1(ctx context.Context, orgID int64, sha1 string) (*Certificate, error)
	GetCertificateBySerial(ctx context.Context, orgID int64, serial string) (*Certificate, error)
	GetCertificateByName(ctx context.Context, orgID int64, name string) (*Certificate, error)
	GetCertificateBySourcePath(ctx context.Context, orgID int64, path string) (*Certificate, error)
	ListCertificates(ctx context.Context, orgID int64, filter CertificateFilter) ([]Certificate, error)
	UpdateCertificate(ctx context.Context, cert *Certificate) (*Certificate, error)
	DeleteCertificate(ctx context.Context, orgID, id int64) error
}

// InstallJobs stores install jobs and owns the state-machine primitives.
type InstallJobs interface {
	CreateInstallJob(ctx context.Context, job *InstallJob) (*InstallJob, error)
	GetInstallJob(ctx context.Context, orgID, id int64) (*InstallJob, error)
	ListInstallJobs(ctx context.Context, orgID int64, filter JobFilter) ([]InstallJob, error)
	// ListInstallJobViews lists jobs joined with certificate, device and
	// requester labels.
	ListInstallJobViews(ctx context.Context, orgID int64, filter JobFilter) ([]InstallJobView, error)

	// ApproveInstallJob moves REQUESTED to PENDING; trace.CompareFailed
	// when the job is no longer REQUESTED.
	ApproveInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*InstallJob, error)
	// DenyInstallJob moves REQUESTED to CANCELED; trace.CompareFailed
	// when the job is no longer REQUESTED.
	DenyInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*InstallJob, error)

	// ClaimInstallJob atomically moves a PENDING job assigned to
	// deviceID into IN_PROGRESS, stamping claim fields and the payload
	// token. When the job is already IN_PROGRESS and claimed by the
	// same device, the token fields are refreshed instead (reclaimed is
	// true) and any previous token stops working. Every other state
	// returns trace.CompareFailed.
	ClaimInstallJob(ctx context.Context, orgID, id int64, deviceID, tokenHash string, expiresAt, now time.Time) (job *InstallJob, reclaimed bool, err error)

	// ConsumePayloadToken performs the single-use token check-and-mark
	// under a row lock. On success payload_token_used_at is stamped and
	// the job is returned with denial == PayloadDenialNone. A failed
	// precondition returns the denial reason with a nil error; error is
	// reserved for storage failures.
	ConsumePayloadToken(ctx context.Context, orgID, id int64, deviceID, presentedHash string, now time.Time) (*InstallJob, PayloadDenial, error)

	// CompleteInstallJob conditionally moves an IN_PROGRESS job of the
	// given device into a terminal status; trace.CompareFailed when the
	// guard does not hold.
	CompleteInstallJob(ctx context.Context, orgID, id int64, deviceID string, status JobStatus, thumbprint, errorCode, errorMessage string, now time.Time) (*InstallJob, error)

	// ReapInstallJob fails an IN_PROGRESS job whose started_at is at or
	// before cutoff. Returns false when the guard does not hold.
	ReapInstallJob(ctx context.Context, orgID, id int64, cutoff, now time.Time) (bool, error)
}

// InstalledCerts stores certificates reported present on devices.
type InstalledCerts interface {
	// UpsertInstalledCert inserts or refreshes a row keyed by
	// (org, device, thumbprint).
	UpsertInstalledCert(ctx context.Context, cert *InstalledCert) (*InstalledCert, error)
	// MarkInstalledCertsRemoved stamps removed_at on live rows of the
	// device whose thumbprint is not in keep. Returns the number of
	// rows marked.
	MarkInstalledCertsRemoved(ctx context.Context, orgID int64, deviceID string, keep []string, now time.Time) (int, error)
	// ListInstalledCerts returns the device's rows, newest first.
	ListInstalledCerts(ctx context.Context, orgID int64, deviceID string, filter InstalledCertFilter) ([]InstalledCert, error)
}

// AuthTokens stores single-purpose password tokens.
type AuthTokens interface {
	CreateAuthToken(ctx context.Context, token *AuthToken) (*AuthToken, error)
	// GetAuthTokenByHash locates a token by digest. Unscoped: the token
	// itself is the credential.
	GetAuthTokenByHash(ctx context.Context, hash string) (*AuthToken, error)
	// MarkAuthTokenUsed stamps used_at on the token.
	MarkAuthTokenUsed(ctx context.Context, id int64, now time.Time) error
	// InvalidateAuthTokens marks all unused tokens of the user and
	// purpose as used. Returns the number invalidated.
	InvalidateAuthTokens(ctx context.Context, orgID int64, userID string, purpose TokenPurpose, now time.Time) (int, error)
}

// Sessions stores refresh-token sessions.
type Sessions interface {
	CreateSession(ctx context.Context, session *Session) (*Session, error)
	// GetSessionByTokenHash locates a session by refresh token digest.
	GetSessionByTokenHash(ctx context.Context, hash string) (*Session, error)
	// RevokeSession stamps revoked_at on the session.
	RevokeSession(ctx context.Context, id int64, now time.Time) error
}

// AuditLog appends and lists audit events.
type AuditLog interface {
	// AppendAuditEvent validates and appends one event. Within WithTx
	// the append shares the transaction of the surrounding mutation.
	AppendAuditEvent(ctx context.Context, event events.Event) error
	ListAuditEvents(ctx context.Context, orgID int64, filter AuditFilter) ([]AuditRecord, error)
	// ListAuditEventViews lists events joined with actor labels
	// (username or hostname).
	ListAuditEventViews(ctx context.Context, orgID int64, filter AuditFilter) ([]AuditView, error)
}

// Store is the full persistence surface of the control plane.
type Store interface {
	Users
	Devices
	Certificates
	InstallJobs
	InstalledCerts
	AuthTokens
	Sessions
	AuditLog

	// WithTx runs fn atomically: every store call made through the
	// argument commits or rolls back as one unit. Nested calls reuse
	// the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
