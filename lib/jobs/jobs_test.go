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

package jobs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/storage/memory"
)

func newService(t *testing.T) (*Service, *memory.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	svc, err := New(Config{Store: store, Clock: clock})
	require.NoError(t, err)
	return svc, store, clock
}

var seq atomic.Int64

func seedUser(t *testing.T, store *memory.Store, role storage.Role, mut func(*storage.User)) *storage.User {
	t.Helper()
	n := seq.Add(1)
	u := &storage.User{
		OrgID:      1,
		ADUsername: fmt.Sprintf("op%d", n),
		IsActive:   true,
		RoleGlobal: role,
	}
	if mut != nil {
		mut(u)
	}
	created, err := store.CreateUser(t.Context(), u)
	require.NoError(t, err)
	return created
}

func seedDevice(t *testing.T, store *memory.Store, mut func(*storage.Device)) *storage.Device {
	t.Helper()
	n := seq.Add(1)
	d := &storage.Device{
		OrgID:     1,
		Hostname:  fmt.Sprintf("WS-%03d", n),
		IsAllowed: true,
	}
	if mut != nil {
		mut(d)
	}
	created, err := store.CreateDevice(t.Context(), d)
	require.NoError(t, err)
	return created
}

// seedCert writes a real bundle file so the payload path can read it
// back. The base name controls the inferred password.
func seedCert(t *testing.T, store *memory.Store, base string) *storage.Certificate {
	t.Helper()
	n := seq.Add(1)
	path := filepath.Join(t.TempDir(), base)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("pfx-bytes-%d", n)), 0o600))
	cert, err := store.CreateCertificate(t.Context(), &storage.Certificate{
		OrgID:      1,
		Name:       fmt.Sprintf("cert-%d", n),
		SourcePath: path,
		ParseOK:    true,
	})
	require.NoError(t, err)
	return cert
}

func auditActions(t *testing.T, store *memory.Store, actions ...string) []storage.AuditRecord {
	t.Helper()
	recs, err := store.ListAuditEvents(t.Context(), 1, storage.AuditFilter{Actions: actions})
	require.NoError(t, err)
	return recs
}

func TestRequestAutoApprove(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		role       storage.Role
		userFlag   bool
		deviceFlag bool
		wantStatus storage.JobStatus
		wantVia    string
	}{
		{name: "dev by role", role: storage.RoleDev, wantStatus: storage.JobStatusPending, wantVia: "role"},
		{name: "admin by role", role: storage.RoleAdmin, wantStatus: storage.JobStatusPending, wantVia: "role"},
		{name: "view with user flag", role: storage.RoleView, userFlag: true, wantStatus: storage.JobStatusPending, wantVia: "flag"},
		{name: "view on auto-approve device", role: storage.RoleView, deviceFlag: true, wantStatus: storage.JobStatusPending, wantVia: "device"},
		{name: "plain view waits", role: storage.RoleView, wantStatus: storage.JobStatusRequested},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, store, _ := newService(t)
			ctx := t.Context()

			actor := seedUser(t, store, tc.role, func(u *storage.User) {
				u.AutoApproveInstallJobs = tc.userFlag
			})
			device := seedDevice(t, store, func(d *storage.Device) {
				d.AutoApprove = tc.deviceFlag
				d.AssignedUserID = &actor.ID
			})
			cert := seedCert(t, store, "bundle.pfx")

			job, err := svc.Request(ctx, actor, cert.ID, &InstallRequest{DeviceID: device.ID}, "10.0.0.1")
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, job.Status)

			requested := auditActions(t, store, events.InstallRequested)
			require.Len(t, requested, 1)
			require.Equal(t, actor.ID, requested[0].ActorUserID)

			approved := auditActions(t, store, events.InstallApproved)
			if tc.wantVia == "" {
				require.Nil(t, job.ApprovedByUserID)
				require.Empty(t, approved)
				return
			}
			require.NotNil(t, job.ApprovedByUserID)
			require.Equal(t, actor.ID, *job.ApprovedByUserID)
			require.Len(t, approved, 1)
			require.Equal(t, true, approved[0].Meta["auto"])
			require.Equal(t, tc.wantVia, approved[0].Meta["via"])
		})
	}
}

func TestRequestGuards(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := t.Context()

	view := seedUser(t, store, storage.RoleView, nil)
	admin := seedUser(t, store, storage.RoleAdmin, nil)
	cert := seedCert(t, store, "bundle.pfx")
	device := seedDevice(t, store, nil)

	// Unknown certificate and unknown device both read as not found.
	_, err := svc.Request(ctx, admin, cert.ID+1000, &InstallRequest{DeviceID: device.ID}, "")
	require.True(t, trace.IsNotFound(err))
	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{DeviceID: "no-such-device"}, "")
	require.True(t, trace.IsNotFound(err))

	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{}, "")
	require.True(t, trace.IsBadParameter(err))

	// A blocked device refuses installs regardless of role.
	blocked := seedDevice(t, store, func(d *storage.Device) { d.IsAllowed = false })
	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{DeviceID: blocked.ID}, "")
	require.True(t, trace.IsAccessDenied(err))

	// VIEW may only target devices assigned or linked to them.
	_, err = svc.Request(ctx, view, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.True(t, trace.IsAccessDenied(err))

	require.NoError(t, store.LinkUserDevice(ctx, storage.UserDevice{OrgID: 1, UserID: view.ID, DeviceID: device.ID}))
	job, err := svc.Request(ctx, view, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusRequested, job.Status)
}

func TestRequestRetention(t *testing.T) {
	t.Parallel()
	svc, store, clock := newService(t)
	ctx := t.Context()
	now := clock.Now()

	cert := seedCert(t, store, "bundle.pfx")
	admin := seedUser(t, store, storage.RoleAdmin, nil)
	view := seedUser(t, store, storage.RoleView, nil)
	open := seedDevice(t, store, func(d *storage.Device) {
		d.AllowKeepUntil = true
		d.AllowExempt = true
		d.AssignedUserID = &view.ID
	})
	strict := seedDevice(t, store, func(d *storage.Device) {
		d.AssignedUserID = &view.ID
	})

	// EXEMPT needs an elevated role, a reason and a consenting device.
	_, err := svc.Request(ctx, view, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupExempt, KeepReason: "X",
	}, "")
	require.True(t, trace.IsAccessDenied(err))

	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupExempt,
	}, "")
	require.True(t, trace.IsBadParameter(err))

	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{
		DeviceID: strict.ID, CleanupMode: storage.CleanupExempt, KeepReason: "legal hold",
	}, "")
	require.True(t, trace.IsAccessDenied(err))

	job, err := svc.Request(ctx, admin, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupExempt, KeepReason: "legal hold",
	}, "")
	require.NoError(t, err)
	require.Equal(t, storage.CleanupExempt, job.CleanupMode)
	require.Equal(t, "legal hold", job.KeepReason)
	require.NotNil(t, job.KeepSetByUserID)
	require.Equal(t, admin.ID, *job.KeepSetByUserID)
	require.NotNil(t, job.KeepSetAt)

	// KEEP_UNTIL must be a future deadline inside the caller's horizon.
	_, err = svc.Request(ctx, view, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupKeepUntil,
	}, "")
	require.True(t, trace.IsBadParameter(err))

	past := now.Add(-time.Hour)
	_, err = svc.Request(ctx, view, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupKeepUntil, KeepUntil: &past,
	}, "")
	require.True(t, trace.IsBadParameter(err))

	// Beyond the VIEW horizon is a validation error, not a role denial.
	far := now.Add(48 * time.Hour)
	_, err = svc.Request(ctx, view, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupKeepUntil, KeepUntil: &far,
	}, "")
	require.True(t, trace.IsBadParameter(err))

	soon := now.Add(2 * time.Hour)
	_, err = svc.Request(ctx, view, cert.ID, &InstallRequest{
		DeviceID: strict.ID, CleanupMode: storage.CleanupKeepUntil, KeepUntil: &soon,
	}, "")
	require.True(t, trace.IsAccessDenied(err))

	job, err = svc.Request(ctx, view, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupKeepUntil, KeepUntil: &soon,
	}, "")
	require.NoError(t, err)
	require.Equal(t, storage.CleanupKeepUntil, job.CleanupMode)
	require.NotNil(t, job.KeepUntil)
	require.Equal(t, soon.UTC(), job.KeepUntil.UTC())

	// An admin is not bound by the VIEW horizon.
	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupKeepUntil, KeepUntil: &far,
	}, "")
	require.NoError(t, err)

	// DEFAULT drops stray retention fields instead of rejecting them.
	job, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupDefault, KeepUntil: &soon, KeepReason: "stray",
	}, "")
	require.NoError(t, err)
	require.Equal(t, storage.CleanupDefault, job.CleanupMode)
	require.Nil(t, job.KeepUntil)
	require.Empty(t, job.KeepReason)

	_, err = svc.Request(ctx, admin, cert.ID, &InstallRequest{
		DeviceID: open.ID, CleanupMode: storage.CleanupMode("WHENEVER"),
	}, "")
	require.True(t, trace.IsBadParameter(err))

	set := auditActions(t, store, events.RetentionSet)
	require.Len(t, set, 3)
}

func TestApproveDeny(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := t.Context()

	admin := seedUser(t, store, storage.RoleAdmin, nil)
	view := seedUser(t, store, storage.RoleView, nil)
	cert := seedCert(t, store, "bundle.pfx")
	device := seedDevice(t, store, func(d *storage.Device) { d.AssignedUserID = &view.ID })

	job, err := svc.Request(ctx, view, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusRequested, job.Status)

	_, err = svc.Approve(ctx, view, job.ID, "")
	require.True(t, trace.IsAccessDenied(err))

	approved, err := svc.Approve(ctx, admin, job.ID, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusPending, approved.Status)
	require.NotNil(t, approved.ApprovedByUserID)
	require.Equal(t, admin.ID, *approved.ApprovedByUserID)

	// Deciding twice is a validation error: the job left REQUESTED.
	_, err = svc.Approve(ctx, admin, job.ID, "")
	require.True(t, trace.IsBadParameter(err))
	_, err = svc.Deny(ctx, admin, job.ID, "")
	require.True(t, trace.IsBadParameter(err))

	recs := auditActions(t, store, events.InstallApproved)
	require.Len(t, recs, 1)
	require.Equal(t, false, recs[0].Meta["auto"])

	second, err := svc.Request(ctx, view, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	denied, err := svc.Deny(ctx, admin, second.ID, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusCanceled, denied.Status)
	require.Len(t, auditActions(t, store, events.InstallDenied), 1)
}

func TestClaim(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := t.Context()

	dev := seedUser(t, store, storage.RoleDev, nil)
	device := seedDevice(t, store, nil)
	other := seedDevice(t, store, nil)
	cert := seedCert(t, store, "bundle.pfx")

	job, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusPending, job.Status)

	// Only the targeted device can claim.
	_, _, err = svc.Claim(ctx, other, job.ID, "")
	require.True(t, trace.IsCompareFailed(err))

	view, token, err := svc.Claim(ctx, device, job.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, storage.JobStatusInProgress, view.Status)
	require.Equal(t, cert.Name, view.CertName)
	require.Equal(t, device.Hostname, view.DeviceHostname)
	require.NotNil(t, view.ClaimedByDeviceID)
	require.Equal(t, device.ID, *view.ClaimedByDeviceID)

	// A reclaim by the owner refreshes the token; the old one dies.
	view2, token2, err := svc.Claim(ctx, device, job.ID, "")
	require.NoError(t, err)
	require.NotEqual(t, token, token2)
	require.Equal(t, storage.JobStatusInProgress, view2.Status)

	// Newest first: the reclaim sits on top of the original claim.
	claims := auditActions(t, store, events.InstallClaimed)
	require.Len(t, claims, 2)
	require.Equal(t, true, claims[0].Meta["reclaim"])
	require.Equal(t, false, claims[1].Meta["reclaim"])

	_, err = svc.Payload(ctx, device, job.ID, token, "")
	require.True(t, trace.IsAccessDenied(err))
	_, err = svc.Payload(ctx, device, job.ID, token2, "")
	require.NoError(t, err)

	// IN_PROGRESS is not claimable by another device.
	_, _, err = svc.Claim(ctx, other, job.ID, "")
	require.True(t, trace.IsCompareFailed(err))
}

func TestPayloadDelivery(t *testing.T) {
	t.Parallel()
	svc, store, clock := newService(t)
	ctx := t.Context()

	dev := seedUser(t, store, storage.RoleDev, nil)
	device := seedDevice(t, store, nil)
	cert := seedCert(t, store, "folha senha 4242.pfx")

	job, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	_, token, err := svc.Claim(ctx, device, job.ID, "")
	require.NoError(t, err)

	payload, err := svc.Payload(ctx, device, job.ID, token, "10.1.1.1")
	require.NoError(t, err)
	require.Equal(t, job.ID, payload.JobID)
	require.Equal(t, cert.ID, payload.CertID)
	require.Equal(t, "4242", payload.Password)
	require.Equal(t, cert.SourcePath, payload.SourcePath)
	require.Equal(t, clock.Now().UTC(), payload.GeneratedAt)

	raw, err := os.ReadFile(cert.SourcePath)
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString(raw), payload.PFXBase64)

	require.Len(t, auditActions(t, store, events.PayloadIssued), 1)

	// Replaying the consumed token is a conflict with its own trail.
	_, err = svc.Payload(ctx, device, job.ID, token, "10.1.1.1")
	require.True(t, trace.IsCompareFailed(err))
	denied := auditActions(t, store, events.PayloadDenied)
	require.Len(t, denied, 1)
	require.Equal(t, string(storage.PayloadDenialTokenUsed), denied[0].Meta["reason"])
}

func TestPayloadDenials(t *testing.T) {
	t.Parallel()
	svc, store, clock := newService(t)
	ctx := t.Context()

	dev := seedUser(t, store, storage.RoleDev, nil)
	device := seedDevice(t, store, nil)
	stranger := seedDevice(t, store, nil)
	cert := seedCert(t, store, "bundle.pfx")

	job, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)

	// Not claimed yet: the job is not deliverable.
	_, err = svc.Payload(ctx, device, job.ID, "whatever", "")
	require.True(t, trace.IsBadParameter(err))

	_, token, err := svc.Claim(ctx, device, job.ID, "")
	require.NoError(t, err)

	_, err = svc.Payload(ctx, device, job.ID+1000, token, "")
	require.True(t, trace.IsNotFound(err))

	// Another device holds a valid token string but no claim on the job.
	_, err = svc.Payload(ctx, stranger, job.ID, token, "")
	require.True(t, trace.IsAccessDenied(err))

	var se *httplib.StatusError
	_, err = svc.Payload(ctx, device, job.ID, "", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusPreconditionRequired, se.Code)

	_, err = svc.Payload(ctx, device, job.ID, "not-the-token", "")
	require.True(t, trace.IsAccessDenied(err))

	// Ten minutes later the lease is long dead.
	clock.Advance(10 * time.Minute)
	_, err = svc.Payload(ctx, device, job.ID, token, "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusGone, se.Code)

	// Audit listings come back newest first.
	denied := auditActions(t, store, events.PayloadDenied)
	reasons := make([]string, 0, len(denied))
	for _, rec := range denied {
		reasons = append(reasons, rec.Meta["reason"].(string))
	}
	require.Equal(t, []string{
		string(storage.PayloadDenialTokenExpired),
		string(storage.PayloadDenialTokenMismatch),
		string(storage.PayloadDenialMissingToken),
		string(storage.PayloadDenialDeviceMismatch),
		string(storage.PayloadDenialJobNotInProgress),
	}, reasons)
}

type denyAllLimiter struct{}

func (denyAllLimiter) AllowAgentPayload(ctx context.Context, deviceID string) bool { return false }

func TestPayloadRateLimit(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	store, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	svc, err := New(Config{Store: store, Clock: clock, Limiter: denyAllLimiter{}})
	require.NoError(t, err)
	ctx := t.Context()

	device := seedDevice(t, store, nil)
	_, err = svc.Payload(ctx, device, 12345, "token", "")
	require.True(t, trace.IsLimitExceeded(err))
	require.Len(t, auditActions(t, store, events.PayloadRateLimited), 1)
}

func TestReport(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	ctx := t.Context()

	dev := seedUser(t, store, storage.RoleDev, nil)
	device := seedDevice(t, store, nil)
	other := seedDevice(t, store, nil)
	cert := seedCert(t, store, "bundle.pfx")

	job, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	_, _, err = svc.Claim(ctx, device, job.ID, "")
	require.NoError(t, err)

	_, err = svc.Report(ctx, device, job.ID, &Result{Status: storage.JobStatusPending}, "")
	require.True(t, trace.IsBadParameter(err))

	// A bystander device cannot complete someone else's job.
	_, err = svc.Report(ctx, other, job.ID, &Result{Status: storage.JobStatusDone}, "")
	require.True(t, trace.IsCompareFailed(err))
	require.Len(t, auditActions(t, store, events.ResultDenied), 1)

	done, err := svc.Report(ctx, device, job.ID, &Result{Status: storage.JobStatusDone, Thumbprint: "AB12"}, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusDone, done.Status)
	require.Equal(t, "AB12", done.Thumbprint)
	require.NotNil(t, done.FinishedAt)
	recs := auditActions(t, store, events.InstallDone)
	require.Len(t, recs, 1)
	require.Equal(t, "AB12", recs[0].Meta["thumbprint"])

	// The agent retrying a delivered report is audited as a duplicate.
	_, err = svc.Report(ctx, device, job.ID, &Result{Status: storage.JobStatusDone, Thumbprint: "AB12"}, "")
	require.True(t, trace.IsCompareFailed(err))
	require.Len(t, auditActions(t, store, events.ResultDuplicate), 1)

	failing, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	_, _, err = svc.Claim(ctx, device, failing.ID, "")
	require.NoError(t, err)
	failed, err := svc.Report(ctx, device, failing.ID, &Result{
		Status: storage.JobStatusFailed, ErrorCode: "STORE_ACCESS", ErrorMessage: "cannot open local store",
	}, "")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusFailed, failed.Status)
	require.Equal(t, "STORE_ACCESS", failed.ErrorCode)
	recs = auditActions(t, store, events.InstallFailed)
	require.Len(t, recs, 1)
	require.Equal(t, "STORE_ACCESS", recs[0].Meta["error_code"])
}

func TestReap(t *testing.T) {
	t.Parallel()
	svc, store, clock := newService(t)
	ctx := t.Context()

	admin := seedUser(t, store, storage.RoleAdmin, nil)
	view := seedUser(t, store, storage.RoleView, nil)
	device := seedDevice(t, store, nil)
	cert := seedCert(t, store, "bundle.pfx")

	_, err := svc.Reap(ctx, view, 0, "")
	require.True(t, trace.IsAccessDenied(err))
	_, err = svc.Reap(ctx, admin, -5, "")
	require.True(t, trace.IsBadParameter(err))
	_, err = svc.Reap(ctx, admin, 20000, "")
	require.True(t, trace.IsBadParameter(err))

	stale, err := svc.Request(ctx, admin, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	_, _, err = svc.Claim(ctx, device, stale.ID, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	fresh, err := svc.Request(ctx, admin, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	_, _, err = svc.Claim(ctx, device, fresh.ID, "")
	require.NoError(t, err)

	reaped, err := svc.Reap(ctx, admin, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	got, err := store.GetInstallJob(ctx, 1, stale.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusFailed, got.Status)
	require.Equal(t, "TIMEOUT", got.ErrorCode)
	require.NotNil(t, got.FinishedAt)

	kept, err := store.GetInstallJob(ctx, 1, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusInProgress, kept.Status)

	require.Len(t, auditActions(t, store, events.JobReaped), 1)

	// A second pass finds nothing left to reap.
	reaped, err = svc.Reap(ctx, admin, 0, "")
	require.NoError(t, err)
	require.Zero(t, reaped)
}

func TestListForDevice(t *testing.T) {
	t.Parallel()
	svc, store, clock := newService(t)
	ctx := t.Context()

	dev := seedUser(t, store, storage.RoleDev, nil)
	device := seedDevice(t, store, nil)
	other := seedDevice(t, store, nil)
	cert := seedCert(t, store, "bundle.pfx")

	first, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: other.ID}, "")
	require.NoError(t, err)

	_, _, err = svc.Claim(ctx, device, first.ID, "")
	require.NoError(t, err)

	finished, err := svc.Request(ctx, dev, cert.ID, &InstallRequest{DeviceID: device.ID}, "")
	require.NoError(t, err)
	_, _, err = svc.Claim(ctx, device, finished.ID, "")
	require.NoError(t, err)
	_, err = svc.Report(ctx, device, finished.ID, &Result{Status: storage.JobStatusDone}, "")
	require.NoError(t, err)

	views, err := svc.ListForDevice(ctx, device)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, first.ID, views[0].ID)
	require.Equal(t, storage.JobStatusInProgress, views[0].Status)
	require.Equal(t, second.ID, views[1].ID)
	require.Equal(t, storage.JobStatusPending, views[1].Status)
	require.Equal(t, cert.Name, views[0].CertName)
}
