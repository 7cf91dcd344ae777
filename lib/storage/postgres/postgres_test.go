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

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/storage"
)

const urlEnvVar = "CERTHUB_TEST_POSTGRES_URL"

// newTestStore connects to the test database and truncates all tables.
// The tests are skipped unless CERTHUB_TEST_POSTGRES_URL is set.
func newTestStore(t *testing.T) *Store {
	connString, ok := os.LookupEnv(urlEnvVar)
	if !ok {
		t.Skipf("Missing %v environment variable.", urlEnvVar)
	}
	ctx := t.Context()
	store, err := New(ctx, Config{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, err = store.pool.Exec(ctx, `
		TRUNCATE users, devices, user_devices, certificates, install_jobs,
			device_installed_certs, auth_tokens, user_sessions, audit_log
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return store
}

type fixture struct {
	user   *storage.User
	device *storage.Device
	cert   *storage.Certificate
}

func seed(ctx context.Context, t *testing.T, store *Store, orgID int64) fixture {
	t.Helper()
	user, err := store.CreateUser(ctx, &storage.User{
		OrgID:      orgID,
		ADUsername: "operator",
		Email:      "operator@example.com",
		IsActive:   true,
		RoleGlobal: storage.RoleAdmin,
	})
	require.NoError(t, err)
	device, err := store.CreateDevice(ctx, &storage.Device{
		OrgID:     orgID,
		Hostname:  "WS-001",
		IsAllowed: true,
	})
	require.NoError(t, err)
	cert, err := store.CreateCertificate(ctx, &storage.Certificate{
		OrgID:           orgID,
		Name:            "payroll",
		SerialNumber:    "00A1B2C3",
		SHA1Fingerprint: "aa00000000000000000000000000000000000001",
		ParseOK:         true,
	})
	require.NoError(t, err)
	return fixture{user: user, device: device, cert: cert}
}

func pendingJob(ctx context.Context, t *testing.T, store *Store, fx fixture) *storage.InstallJob {
	t.Helper()
	job, err := store.CreateInstallJob(ctx, &storage.InstallJob{
		OrgID:             fx.user.OrgID,
		CertID:            fx.cert.ID,
		DeviceID:          fx.device.ID,
		RequestedByUserID: fx.user.ID,
		Status:            storage.JobStatusPending,
	})
	require.NoError(t, err)
	return job
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	// a second instance connecting to the same database must be a no-op
	again, err := New(ctx, Config{ConnString: os.Getenv(urlEnvVar)})
	require.NoError(t, err)
	require.NoError(t, again.Close())
	require.NoError(t, store.Ping(ctx))
}

func TestUserRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)

	got, err := store.GetUser(ctx, 1, fx.user.ID)
	require.NoError(t, err)
	require.Equal(t, "operator", got.ADUsername)
	require.Equal(t, storage.RoleAdmin, got.RoleGlobal)

	// cross-org reads must not leak
	_, err = store.GetUser(ctx, 2, fx.user.ID)
	require.True(t, trace.IsNotFound(err))

	// username lookups run unscoped
	byName, err := store.GetUserByADUsername(ctx, "operator")
	require.NoError(t, err)
	require.Equal(t, fx.user.ID, byName.ID)
	byEmail, err := store.GetUserByEmail(ctx, "OPERATOR@example.com")
	require.NoError(t, err)
	require.Equal(t, fx.user.ID, byEmail.ID)

	got.DisplayName = "Operator O."
	updated, err := store.UpdateUser(ctx, got)
	require.NoError(t, err)
	require.Equal(t, "Operator O.", updated.DisplayName)
	require.Equal(t, got.CreatedAt.UTC(), updated.CreatedAt.UTC())

	_, err = store.CreateUser(ctx, &storage.User{OrgID: 1, ADUsername: "operator", RoleGlobal: storage.RoleView})
	require.True(t, trace.IsAlreadyExists(err))
}

func TestDeviceHostnameUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seed(ctx, t, store, 1)

	_, err := store.CreateDevice(ctx, &storage.Device{OrgID: 1, Hostname: "ws-001"})
	require.True(t, trace.IsAlreadyExists(err), "hostname uniqueness must ignore case")

	// same hostname in another org is fine
	_, err = store.CreateDevice(ctx, &storage.Device{OrgID: 2, Hostname: "WS-001"})
	require.NoError(t, err)
}

func TestClaimLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)
	job := pendingJob(ctx, t, store, fx)

	now := time.Now()
	expires := now.Add(2 * time.Minute)
	claimed, reclaimed, err := store.ClaimInstallJob(ctx, 1, job.ID, fx.device.ID, "hash-1", expires, now)
	require.NoError(t, err)
	require.False(t, reclaimed)
	require.Equal(t, storage.JobStatusInProgress, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	require.Equal(t, "hash-1", claimed.PayloadTokenHash)

	// a re-claim by the same device refreshes the token
	refreshed, reclaimed, err := store.ClaimInstallJob(ctx, 1, job.ID, fx.device.ID, "hash-2", expires, now)
	require.NoError(t, err)
	require.True(t, reclaimed)
	require.Equal(t, "hash-2", refreshed.PayloadTokenHash)
	require.Nil(t, refreshed.PayloadTokenUsedAt)

	consumed, denial, err := store.ConsumePayloadToken(ctx, 1, job.ID, fx.device.ID, "hash-2", now)
	require.NoError(t, err)
	require.Equal(t, storage.PayloadDenialNone, denial)
	require.NotNil(t, consumed.PayloadTokenUsedAt)

	// the token is single use
	_, denial, err = store.ConsumePayloadToken(ctx, 1, job.ID, fx.device.ID, "hash-2", now)
	require.NoError(t, err)
	require.Equal(t, storage.PayloadDenialTokenUsed, denial)

	done, err := store.CompleteInstallJob(ctx, 1, job.ID, fx.device.ID, storage.JobStatusDone, "thumb", "", "", now)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusDone, done.Status)
	require.NotNil(t, done.FinishedAt)

	// terminal jobs refuse further transitions
	_, _, err = store.ClaimInstallJob(ctx, 1, job.ID, fx.device.ID, "hash-3", expires, now)
	require.True(t, trace.IsCompareFailed(err))
	_, err = store.CompleteInstallJob(ctx, 1, job.ID, fx.device.ID, storage.JobStatusFailed, "", "E", "boom", now)
	require.True(t, trace.IsCompareFailed(err))
}

func TestClaimGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)
	job := pendingJob(ctx, t, store, fx)
	now := time.Now()

	other, err := store.CreateDevice(ctx, &storage.Device{OrgID: 1, Hostname: "WS-002"})
	require.NoError(t, err)

	_, _, err = store.ClaimInstallJob(ctx, 1, job.ID, other.ID, "hash", now.Add(time.Minute), now)
	require.True(t, trace.IsCompareFailed(err))

	_, _, err = store.ClaimInstallJob(ctx, 1, job.ID+100, fx.device.ID, "hash", now.Add(time.Minute), now)
	require.True(t, trace.IsNotFound(err))

	_, _, err = store.ClaimInstallJob(ctx, 2, job.ID, fx.device.ID, "hash", now.Add(time.Minute), now)
	require.True(t, trace.IsNotFound(err))
}

func TestPayloadTokenDenials(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)
	now := time.Now()

	t.Run("not in progress", func(t *testing.T) {
		job := pendingJob(ctx, t, store, fx)
		_, denial, err := store.ConsumePayloadToken(ctx, 1, job.ID, fx.device.ID, "hash", now)
		require.NoError(t, err)
		require.Equal(t, storage.PayloadDenialJobNotInProgress, denial)
	})

	t.Run("expired", func(t *testing.T) {
		job := pendingJob(ctx, t, store, fx)
		_, _, err := store.ClaimInstallJob(ctx, 1, job.ID, fx.device.ID, "hash", now.Add(-time.Second), now)
		require.NoError(t, err)
		_, denial, err := store.ConsumePayloadToken(ctx, 1, job.ID, fx.device.ID, "hash", now)
		require.NoError(t, err)
		require.Equal(t, storage.PayloadDenialTokenExpired, denial)
	})

	t.Run("hash mismatch", func(t *testing.T) {
		job := pendingJob(ctx, t, store, fx)
		_, _, err := store.ClaimInstallJob(ctx, 1, job.ID, fx.device.ID, "hash", now.Add(time.Minute), now)
		require.NoError(t, err)
		_, denial, err := store.ConsumePayloadToken(ctx, 1, job.ID, fx.device.ID, "other", now)
		require.NoError(t, err)
		require.Equal(t, storage.PayloadDenialTokenMismatch, denial)
	})
}

func TestReap(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)
	job := pendingJob(ctx, t, store, fx)
	now := time.Now()

	_, _, err := store.ClaimInstallJob(ctx, 1, job.ID, fx.device.ID, "hash", now.Add(time.Minute), now)
	require.NoError(t, err)

	// cutoff before start leaves the job alone
	reaped, err := store.ReapInstallJob(ctx, 1, job.ID, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.False(t, reaped)

	reaped, err = store.ReapInstallJob(ctx, 1, job.ID, now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, reaped)

	got, err := store.GetInstallJob(ctx, 1, job.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusFailed, got.Status)
	require.Equal(t, "TIMEOUT", got.ErrorCode)
}

func TestWithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)
	now := time.Now()

	job, err := store.CreateInstallJob(ctx, &storage.InstallJob{
		OrgID:             1,
		CertID:            fx.cert.ID,
		DeviceID:          fx.device.ID,
		RequestedByUserID: fx.user.ID,
	})
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusRequested, job.Status)

	boom := trace.BadParameter("boom")
	err = store.WithTx(ctx, func(tx storage.Store) error {
		if _, err := tx.ApproveInstallJob(ctx, 1, job.ID, fx.user.ID, now); err != nil {
			return trace.Wrap(err)
		}
		if err := tx.AppendAuditEvent(ctx, events.Event{
			OrgID:      1,
			Action:     events.InstallApproved,
			EntityType: events.EntityInstallJob,
		}); err != nil {
			return trace.Wrap(err)
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetInstallJob(ctx, 1, job.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusRequested, got.Status)
	require.Nil(t, got.ApprovedByUserID)

	records, err := store.ListAuditEvents(ctx, 1, storage.AuditFilter{})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestInstalledCertSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)

	first, err := store.UpsertInstalledCert(ctx, &storage.InstalledCert{
		OrgID:             1,
		DeviceID:          fx.device.ID,
		Thumbprint:        "THUMB-A",
		InstalledViaAgent: true,
		CleanupMode:       storage.CleanupDefault,
	})
	require.NoError(t, err)

	again, err := store.UpsertInstalledCert(ctx, &storage.InstalledCert{
		OrgID:       1,
		DeviceID:    fx.device.ID,
		Thumbprint:  "THUMB-A",
		CleanupMode: storage.CleanupDefault,
	})
	require.NoError(t, err)
	require.Equal(t, first.FirstSeenAt.UTC(), again.FirstSeenAt.UTC())

	_, err = store.UpsertInstalledCert(ctx, &storage.InstalledCert{
		OrgID:       1,
		DeviceID:    fx.device.ID,
		Thumbprint:  "THUMB-B",
		CleanupMode: storage.CleanupDefault,
	})
	require.NoError(t, err)

	marked, err := store.MarkInstalledCertsRemoved(ctx, 1, fx.device.ID, []string{"THUMB-A"}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	live, err := store.ListInstalledCerts(ctx, 1, fx.device.ID, storage.InstalledCertFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "THUMB-A", live[0].Thumbprint)

	all, err := store.ListInstalledCerts(ctx, 1, fx.device.ID, storage.InstalledCertFilter{IncludeRemoved: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAuditViews(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	fx := seed(ctx, t, store, 1)

	require.NoError(t, store.AppendAuditEvent(ctx, events.Event{
		OrgID:       1,
		Action:      events.LoginSuccess,
		EntityType:  events.EntityUser,
		EntityID:    fx.user.ID,
		ActorUserID: fx.user.ID,
		Meta:        map[string]any{"ip": "10.0.0.1"},
	}))
	require.NoError(t, store.AppendAuditEvent(ctx, events.Event{
		OrgID:         1,
		Action:        events.InstallClaimed,
		EntityType:    events.EntityInstallJob,
		ActorDeviceID: fx.device.ID,
	}))
	require.NoError(t, store.AppendAuditEvent(ctx, events.Event{
		OrgID:      2,
		Action:     events.LoginSuccess,
		EntityType: events.EntityUser,
	}))

	views, err := store.ListAuditEventViews(ctx, 1, storage.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, events.InstallClaimed, views[0].Action)
	require.Equal(t, "WS-001", views[0].ActorLabel)
	require.Equal(t, "operator", views[1].ActorLabel)
	require.Equal(t, "10.0.0.1", views[1].Meta["ip"])

	filtered, err := store.ListAuditEvents(ctx, 1, storage.AuditFilter{Actions: []string{events.LoginSuccess}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
}
