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

// Package events defines the audit event vocabulary of the control plane
// and the event record appended to the audit log.
//
// Audit writes participate in the caller's storage transaction: an event
// recorded alongside a state change commits or rolls back with it. Denial
// events (rejected payload fetches, refused results, rate-limit hits) are
// appended outside the failed mutation so they always commit.
package events

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// Audit event actions. These identifiers are stable: agents, operators and
// downstream consumers match on them.
const (
	UserCreated            = "USER_CREATED"
	UserUpdated            = "USER_UPDATED"
	DeviceCreated          = "DEVICE_CREATED"
	DeviceUpdated          = "DEVICE_UPDATED"
	DeviceTokenRotated     = "DEVICE_TOKEN_ROTATED"
	UserDeviceLinked       = "USER_DEVICE_LINKED"
	CertCreated            = "CERT_CREATED"
	CertIngestFromFS       = "CERT_INGEST_FROM_FS"
	InstallRequested       = "INSTALL_REQUESTED"
	InstallApproved        = "INSTALL_APPROVED"
	InstallDenied          = "INSTALL_DENIED"
	InstallClaimed         = "INSTALL_CLAIMED"
	InstallDone            = "INSTALL_DONE"
	InstallFailed          = "INSTALL_FAILED"
	JobReaped              = "JOB_REAPED"
	ResultDuplicate        = "RESULT_DUPLICATE"
	ResultDenied           = "RESULT_DENIED"
	RetentionSet           = "RETENTION_SET"
	PayloadIssued          = "PAYLOAD_ISSUED"
	PayloadDenied          = "PAYLOAD_DENIED"
	PayloadRateLimited     = "PAYLOAD_RATE_LIMITED"
	CertRemoved18H         = "CERT_REMOVED_18H"
	LoginSuccess           = "LOGIN_SUCCESS"
	LoginFailed            = "LOGIN_FAILED"
	LoginLocked            = "LOGIN_LOCKED"
	Logout                 = "LOGOUT"
	PasswordSet            = "PASSWORD_SET"
	PasswordReset          = "PASSWORD_RESET"
	PasswordResetRequested = "PASSWORD_RESET_REQUESTED"
)

// Entity types referenced by audit events.
const (
	EntityUser        = "USER"
	EntityDevice      = "DEVICE"
	EntityCertificate = "CERTIFICATE"
	EntityInstallJob  = "INSTALL_JOB"
	EntitySession     = "SESSION"
	EntitySystem      = "SYSTEM"
)

// Event is one audit log entry. Optional fields are zero when absent.
type Event struct {
	// OrgID is the tenant the event belongs to.
	OrgID int64
	// Action is one of the action identifiers above.
	Action string
	// EntityType describes what EntityID refers to.
	EntityType string
	// EntityID is the id of the affected entity, as a string.
	EntityID string
	// ActorUserID is set when an operator caused the event.
	ActorUserID string
	// ActorDeviceID is set when a device agent caused the event.
	ActorDeviceID string
	// IP is the observed client address, when known.
	IP string
	// Time is the event time. When zero the store stamps it at append.
	Time time.Time
	// Meta carries free-form detail. Values must be primitives: ids as
	// strings, enums as strings.
	Meta map[string]any
}

// Check validates the event before it is appended.
func (e *Event) Check() error {
	if e.OrgID == 0 {
		return trace.BadParameter("missing parameter OrgID")
	}
	if e.Action == "" {
		return trace.BadParameter("missing parameter Action")
	}
	if e.EntityType == "" {
		return trace.BadParameter("missing parameter EntityType")
	}
	for k, v := range e.Meta {
		switch v.(type) {
		case nil, string, bool,
			int, int32, int64, uint, uint32, uint64,
			float32, float64:
		default:
			return trace.BadParameter("meta value %q is not a primitive", k)
		}
	}
	return nil
}

var emittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certhub_audit_events_total",
		Help: "Audit events appended, by action.",
	},
	[]string{"action"},
)

func init() {
	prometheus.MustRegister(emittedTotal)
}

// ObserveEmitted counts an appended event. Storage implementations call it
// once per successful append.
func ObserveEmitted(action string) {
	emittedTotal.WithLabelValues(action).Inc()
}
