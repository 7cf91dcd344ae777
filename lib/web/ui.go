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

package web

import (
	"time"

	"github.com/gravitational/certhub/lib/ingest"
	"github.com/gravitational/certhub/lib/storage"
)

// Wire shapes of the operator API. Storage records never serialize
// directly: the views below decide what leaves the server, and secrets
// (password hashes, token digests) have no field to leak through.

type userView struct {
	ID                     string     `json:"id"`
	ADUsername             string     `json:"ad_username"`
	Email                  string     `json:"email,omitempty"`
	DisplayName            string     `json:"display_name,omitempty"`
	IsActive               bool       `json:"is_active"`
	RoleGlobal             string     `json:"role_global"`
	AutoApproveInstallJobs bool       `json:"auto_approve_install_jobs"`
	PasswordSet            bool       `json:"password_set"`
	LockedUntil            *time.Time `json:"locked_until,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

func makeUser(u *storage.User) userView {
	return userView{
		ID:                     u.ID,
		ADUsername:             u.ADUsername,
		Email:                  u.Email,
		DisplayName:            u.DisplayName,
		IsActive:               u.IsActive,
		RoleGlobal:             string(u.RoleGlobal),
		AutoApproveInstallJobs: u.AutoApproveInstallJobs,
		PasswordSet:            u.PasswordSetAt != nil,
		LockedUntil:            u.LockedUntil,
		CreatedAt:              u.CreatedAt,
	}
}

func makeUsers(users []storage.User) []userView {
	out := make([]userView, 0, len(users))
	for i := range users {
		out = append(out, makeUser(&users[i]))
	}
	return out
}

type deviceView struct {
	ID              string     `json:"id"`
	Hostname        string     `json:"hostname"`
	OSName          string     `json:"os_name,omitempty"`
	OSVersion       string     `json:"os_version,omitempty"`
	AgentVersion    string     `json:"agent_version,omitempty"`
	IsAllowed       bool       `json:"is_allowed"`
	AutoApprove     bool       `json:"auto_approve"`
	AllowKeepUntil  bool       `json:"allow_keep_until"`
	AllowExempt     bool       `json:"allow_exempt"`
	AssignedUserID  string     `json:"assigned_user_id,omitempty"`
	TokenSet        bool       `json:"token_set"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func makeDevice(d *storage.Device) deviceView {
	v := deviceView{
		ID:              d.ID,
		Hostname:        d.Hostname,
		OSName:          d.OSName,
		OSVersion:       d.OSVersion,
		AgentVersion:    d.AgentVersion,
		IsAllowed:       d.IsAllowed,
		AutoApprove:     d.AutoApprove,
		AllowKeepUntil:  d.AllowKeepUntil,
		AllowExempt:     d.AllowExempt,
		TokenSet:        d.DeviceTokenHash != "",
		LastSeenAt:      d.LastSeenAt,
		LastHeartbeatAt: d.LastHeartbeatAt,
		CreatedAt:       d.CreatedAt,
	}
	if d.AssignedUserID != nil {
		v.AssignedUserID = *d.AssignedUserID
	}
	return v
}

func makeDevices(devices []storage.Device) []deviceView {
	out := make([]deviceView, 0, len(devices))
	for i := range devices {
		out = append(out, makeDevice(&devices[i]))
	}
	return out
}

type certificateView struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	DisplayName    string     `json:"display_name"`
	Subject        string     `json:"subject,omitempty"`
	Issuer         string     `json:"issuer,omitempty"`
	SerialNumber   string     `json:"serial_number,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty"`
	NotAfter       *time.Time `json:"not_after,omitempty"`
	SHA1           string     `json:"sha1_fingerprint,omitempty"`
	ParseOK        bool       `json:"parse_ok"`
	ParseError     string     `json:"parse_error,omitempty"`
	LastIngestedAt *time.Time `json:"last_ingested_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func makeCertificate(c *storage.Certificate) certificateView {
	return certificateView{
		ID:             c.ID,
		Name:           c.Name,
		DisplayName:    ingest.SanitizeName(c.Name),
		Subject:        c.Subject,
		Issuer:         c.Issuer,
		SerialNumber:   c.SerialNumber,
		NotBefore:      c.NotBefore,
		NotAfter:       c.NotAfter,
		SHA1:           c.SHA1Fingerprint,
		ParseOK:        c.ParseOK,
		ParseError:     c.ParseError,
		LastIngestedAt: c.LastIngestedAt,
		CreatedAt:      c.CreatedAt,
	}
}

func makeCertificates(certs []storage.Certificate) []certificateView {
	out := make([]certificateView, 0, len(certs))
	for i := range certs {
		out = append(out, makeCertificate(&certs[i]))
	}
	return out
}

type jobView struct {
	ID              int64      `json:"id"`
	CertID          int64      `json:"cert_id"`
	CertName        string     `json:"cert_name,omitempty"`
	DeviceID        string     `json:"device_id"`
	DeviceHostname  string     `json:"device_hostname,omitempty"`
	Status          string     `json:"status"`
	RequestedBy     string     `json:"requested_by"`
	RequestedByName string     `json:"requested_by_name,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedByName  string     `json:"approved_by_name,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Thumbprint      string     `json:"thumbprint,omitempty"`
	CleanupMode     string     `json:"cleanup_mode"`
	KeepUntil       *time.Time `json:"keep_until,omitempty"`
	KeepReason      string     `json:"keep_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func makeJob(j *storage.InstallJob) jobView {
	v := jobView{
		ID:           j.ID,
		CertID:       j.CertID,
		DeviceID:     j.DeviceID,
		Status:       string(j.Status),
		RequestedBy:  j.RequestedByUserID,
		ApprovedAt:   j.ApprovedAt,
		ClaimedAt:    j.ClaimedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		Thumbprint:   j.Thumbprint,
		CleanupMode:  string(j.CleanupMode),
		KeepUntil:    j.KeepUntil,
		KeepReason:   j.KeepReason,
		CreatedAt:    j.CreatedAt,
	}
	if j.ApprovedByUserID != nil {
		v.ApprovedBy = *j.ApprovedByUserID
	}
	return v
}

func makeJobView(j *storage.InstallJobView) jobView {
	v := makeJob(&j.InstallJob)
	v.CertName = j.CertName
	v.DeviceHostname = j.DeviceHostname
	v.RequestedByName = j.RequestedByName
	v.ApprovedByName = j.ApprovedByName
	return v
}

func makeJobViews(views []storage.InstallJobView) []jobView {
	out := make([]jobView, 0, len(views))
	for i := range views {
		out = append(out, makeJobView(&views[i]))
	}
	return out
}

type installedCertView struct {
	Thumbprint        string     `json:"thumbprint"`
	Subject           string     `json:"subject,omitempty"`
	Issuer            string     `json:"issuer,omitempty"`
	SerialNumber      string     `json:"serial_number,omitempty"`
	NotBefore         *time.Time `json:"not_before,omitempty"`
	NotAfter          *time.Time `json:"not_after,omitempty"`
	InstalledViaAgent bool       `json:"installed_via_agent"`
	CleanupMode       string     `json:"cleanup_mode,omitempty"`
	KeepUntil         *time.Time `json:"keep_until,omitempty"`
	KeepReason        string     `json:"keep_reason,omitempty"`
	FirstSeenAt       time.Time  `json:"first_seen_at"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	RemovedAt         *time.Time `json:"removed_at,omitempty"`
}

func makeInstalledCerts(rows []storage.InstalledCert) []installedCertView {
	out := make([]installedCertView, 0, len(rows))
	for _, row := range rows {
		out = append(out, installedCertView{
			Thumbprint:        row.Thumbprint,
			Subject:           row.Subject,
			Issuer:            row.Issuer,
			SerialNumber:      row.SerialNumber,
			NotBefore:         row.NotBefore,
			NotAfter:          row.NotAfter,
			InstalledViaAgent: row.InstalledViaAgent,
			CleanupMode:       string(row.CleanupMode),
			KeepUntil:         row.KeepUntil,
			KeepReason:        row.KeepReason,
			FirstSeenAt:       row.FirstSeenAt,
			LastSeenAt:        row.LastSeenAt,
			RemovedAt:         row.RemovedAt,
		})
	}
	return out
}

type auditEventView struct {
	ID            int64          `json:"id"`
	Action        string         `json:"action"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	ActorUserID   string         `json:"actor_user_id,omitempty"`
	ActorDeviceID string         `json:"actor_device_id,omitempty"`
	ActorLabel    string         `json:"actor_label,omitempty"`
	IP            string         `json:"ip,omitempty"`
	Time          time.Time      `json:"time"`
	Meta          map[string]any `json:"meta,omitempty"`
}

func makeAuditEvents(views []storage.AuditView) []auditEventView {
	out := make([]auditEventView, 0, len(views))
	for _, v := range views {
		out = append(out, auditEventView{
			ID:            v.ID,
			Action:        v.Action,
			EntityType:    v.EntityType,
			EntityID:      v.EntityID,
			ActorUserID:   v.ActorUserID,
			ActorDeviceID: v.ActorDeviceID,
			ActorLabel:    v.ActorLabel,
			IP:            v.IP,
			Time:          v.Time,
			Meta:          v.Meta,
		})
	}
	return out
}
