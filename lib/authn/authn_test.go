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

package authn

import (
	"context"
	"fmt"
	"net/http"
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
	"github.com/gravitational/certhub/lib/tokens"
)

func newService(t *testing.T, mut func(*Config)) (*Service, *memory.Store, *clockwork.FakeClock, *tokens.Service) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	// MinCost keeps the bcrypt work out of the test runtime.
	tok, err := tokens.New(tokens.Config{Secret: []byte("test-secret"), BcryptCost: 4, Clock: clock})
	require.NoError(t, err)
	cfg := Config{Store: store, Tokens: tok, Clock: clock}
	if mut != nil {
		mut(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc, store, clock, tok
}

var seq atomic.Int64

func seedUser(t *testing.T, store *memory.Store, tok *tokens.Service, password string, mut func(*storage.User)) *storage.User {
	t.Helper()
	n := seq.Add(1)
	u := &storage.User{
		OrgID:      1,
		ADUsername: fmt.Sprintf("op%d", n),
		IsActive:   true,
		RoleGlobal: storage.RoleView,
	}
	if password != "" {
		hash, err := tok.HashPassword(password)
		require.NoError(t, err)
		u.PasswordHash = hash
	}
	if mut != nil {
		mut(u)
	}
	created, err := store.CreateUser(t.Context(), u)
	require.NoError(t, err)
	return created
}

func auditActions(t *testing.T, store *memory.Store, actions ...string) []storage.AuditRecord {
	t.Helper()
	recs, err := store.ListAuditEvents(t.Context(), 1, storage.AuditFilter{Actions: actions})
	require.NoError(t, err)
	return recs
}

func TestLogin(t *testing.T) {
	t.Parallel()
	svc, store, _, tok := newService(t, nil)
	ctx := t.Context()

	user := seedUser(t, store, tok, "correct horse", nil)

	res, err := svc.Login(ctx, user.ADUsername, "correct horse", "10.0.0.1", "agent/1.0")
	require.NoError(t, err)
	require.Equal(t, user.ID, res.User.ID)
	require.NotEmpty(t, res.RefreshToken)

	claims, err := tok.VerifyUserToken(res.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.Subject)
	require.Equal(t, string(storage.RoleView), claims.Role)

	// The refresh session is stored under the token digest only.
	sess, err := store.GetSessionByTokenHash(ctx, tokens.HashToken(res.RefreshToken))
	require.NoError(t, err)
	require.Equal(t, user.ID, sess.UserID)
	require.Equal(t, "10.0.0.1", sess.IP)
	require.Equal(t, "agent/1.0", sess.UserAgent)

	require.Len(t, auditActions(t, store, events.LoginSuccess), 1)
}

func TestLoginRejections(t *testing.T) {
	t.Parallel()
	svc, store, _, tok := newService(t, nil)
	ctx := t.Context()

	user := seedUser(t, store, tok, "correct horse", nil)
	inactive := seedUser(t, store, tok, "correct horse", func(u *storage.User) { u.IsActive = false })
	passwordless := seedUser(t, store, tok, "", nil)

	var se *httplib.StatusError
	_, err := svc.Login(ctx, "no-such-user", "whatever", "", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	_, err = svc.Login(ctx, user.ADUsername, "wrong password", "", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	// An account without a password set behaves like a wrong password.
	_, err = svc.Login(ctx, passwordless.ADUsername, "anything at all", "", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	_, err = svc.Login(ctx, inactive.ADUsername, "correct horse", "", "")
	require.True(t, trace.IsAccessDenied(err))

	_, err = svc.Login(ctx, user.ADUsername, "", "", "")
	require.True(t, trace.IsBadParameter(err))
}

func TestLoginLockout(t *testing.T) {
	t.Parallel()
	svc, store, clock, tok := newService(t, func(c *Config) {
		c.LockoutMaxAttempts = 3
		c.LockoutDuration = 15 * time.Minute
	})
	ctx := t.Context()

	user := seedUser(t, store, tok, "correct horse", nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Login(ctx, user.ADUsername, "wrong", "10.0.0.1", "")
		var se *httplib.StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, http.StatusUnauthorized, se.Code)
	}
	require.Len(t, auditActions(t, store, events.LoginFailed), 2)
	locked := auditActions(t, store, events.LoginLocked)
	require.Len(t, locked, 1)
	require.Equal(t, 3, locked[0].Meta["attempts"])

	// Even the correct password is refused while the lock holds.
	_, err := svc.Login(ctx, user.ADUsername, "correct horse", "", "")
	require.True(t, trace.IsLimitExceeded(err))

	// The lock expires; a successful login clears the counters.
	clock.Advance(15*time.Minute + time.Second)
	_, err = svc.Login(ctx, user.ADUsername, "correct horse", "", "")
	require.NoError(t, err)

	fresh, err := store.GetUser(ctx, 1, user.ID)
	require.NoError(t, err)
	require.Zero(t, fresh.FailedLoginAttempts)
	require.Nil(t, fresh.LockedUntil)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	svc, store, clock, tok := newService(t, nil)
	ctx := t.Context()

	user := seedUser(t, store, tok, "correct horse", nil)
	res, err := svc.Login(ctx, user.ADUsername, "correct horse", "", "")
	require.NoError(t, err)

	access, refreshed, err := svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, refreshed.ID)
	claims, err := tok.VerifyUserToken(access)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.Subject)

	var se *httplib.StatusError
	_, _, err = svc.Refresh(ctx, "not-a-refresh-token")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	// A revoked session stops refreshing immediately.
	require.NoError(t, svc.Logout(ctx, user, res.RefreshToken, ""))
	_, _, err = svc.Refresh(ctx, res.RefreshToken)
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	// A fresh session dies at its expiry.
	res, err = svc.Login(ctx, user.ADUsername, "correct horse", "", "")
	require.NoError(t, err)
	clock.Advance(14*24*time.Hour + time.Second)
	_, _, err = svc.Refresh(ctx, res.RefreshToken)
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestRefreshInactiveUser(t *testing.T) {
	t.Parallel()
	svc, store, _, tok := newService(t, nil)
	ctx := t.Context()

	user := seedUser(t, store, tok, "correct horse", nil)
	res, err := svc.Login(ctx, user.ADUsername, "correct horse", "", "")
	require.NoError(t, err)

	user.IsActive = false
	_, err = store.UpdateUser(ctx, user)
	require.NoError(t, err)

	_, _, err = svc.Refresh(ctx, res.RefreshToken)
	require.True(t, trace.IsAccessDenied(err))
}

func TestLogout(t *testing.T) {
	t.Parallel()
	svc, store, _, tok := newService(t, nil)
	ctx := t.Context()

	user := seedUser(t, store, tok, "correct horse", nil)
	other := seedUser(t, store, tok, "correct horse", nil)
	res, err := svc.Login(ctx, user.ADUsername, "correct horse", "", "")
	require.NoError(t, err)

	// A foreign actor presenting the token revokes nothing.
	require.NoError(t, svc.Logout(ctx, other, res.RefreshToken, ""))
	_, _, err = svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, user, res.RefreshToken, "10.0.0.1"))
	require.Len(t, auditActions(t, store, events.Logout), 1)

	// Logging out twice, or with no token, is not an error.
	require.NoError(t, svc.Logout(ctx, user, res.RefreshToken, ""))
	require.NoError(t, svc.Logout(ctx, user, "", ""))
	require.Len(t, auditActions(t, store, events.Logout), 1)
}

func TestSetPasswordFlow(t *testing.T) {
	t.Parallel()
	svc, store, _, tok := newService(t, nil)
	ctx := t.Context()

	dev := seedUser(t, store, tok, "", func(u *storage.User) { u.RoleGlobal = storage.RoleDev })
	admin := seedUser(t, store, tok, "", func(u *storage.User) { u.RoleGlobal = storage.RoleAdmin })
	target := seedUser(t, store, tok, "", nil)

	_, err := svc.StartSetPassword(ctx, admin, target.ID, "")
	require.True(t, trace.IsAccessDenied(err))

	_, err = svc.StartSetPassword(ctx, dev, "no-such-user", "")
	require.True(t, trace.IsNotFound(err))

	stale, err := svc.StartSetPassword(ctx, dev, target.ID, "")
	require.NoError(t, err)
	pt, err := svc.StartSetPassword(ctx, dev, target.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, pt.Token)
	require.False(t, pt.Emailed)

	require.NoError(t, svc.ConfirmSetPassword(ctx, pt.Token, "first password", "10.0.0.1"))
	require.Len(t, auditActions(t, store, events.PasswordSet), 1)

	fresh, err := store.GetUser(ctx, 1, target.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.PasswordSetAt)

	_, err = svc.Login(ctx, target.ADUsername, "first password", "", "")
	require.NoError(t, err)

	// The token is single-use and redeeming it burned its sibling too.
	var se *httplib.StatusError
	err = svc.ConfirmSetPassword(ctx, pt.Token, "second password", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)
	err = svc.ConfirmSetPassword(ctx, stale.Token, "second password", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestConfirmSetPasswordRejections(t *testing.T) {
	t.Parallel()
	svc, store, clock, tok := newService(t, nil)
	ctx := t.Context()

	dev := seedUser(t, store, tok, "", func(u *storage.User) { u.RoleGlobal = storage.RoleDev })
	target := seedUser(t, store, tok, "", nil)

	pt, err := svc.StartSetPassword(ctx, dev, target.ID, "")
	require.NoError(t, err)

	err = svc.ConfirmSetPassword(ctx, pt.Token, "short", "")
	require.True(t, trace.IsBadParameter(err))

	err = svc.ConfirmSetPassword(ctx, "", "long enough password", "")
	require.True(t, trace.IsBadParameter(err))

	// A set token does not redeem through the reset flow.
	var se *httplib.StatusError
	err = svc.ConfirmResetPassword(ctx, pt.Token, "long enough password", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	clock.Advance(time.Hour + time.Second)
	err = svc.ConfirmSetPassword(ctx, pt.Token, "long enough password", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestResetPasswordFlow(t *testing.T) {
	t.Parallel()
	svc, store, clock, tok := newService(t, nil)
	ctx := t.Context()

	lockedAt := clock.Now().Add(time.Hour)
	user := seedUser(t, store, tok, "old password", func(u *storage.User) {
		u.Email = "op@example.com"
		u.FailedLoginAttempts = 5
		u.LockedUntil = &lockedAt
	})

	// Unknown addresses produce no token and no error.
	pt, err := svc.StartResetPassword(ctx, "nobody@example.com", "")
	require.NoError(t, err)
	require.Nil(t, pt)

	pt, err = svc.StartResetPassword(ctx, "OP@example.com", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, pt)
	require.Equal(t, user.ID, pt.User.ID)
	require.Len(t, auditActions(t, store, events.PasswordResetRequested), 1)

	require.NoError(t, svc.ConfirmResetPassword(ctx, pt.Token, "new password", ""))
	require.Len(t, auditActions(t, store, events.PasswordReset), 1)

	// The reset also cleared the lockout state.
	fresh, err := store.GetUser(ctx, 1, user.ID)
	require.NoError(t, err)
	require.Zero(t, fresh.FailedLoginAttempts)
	require.Nil(t, fresh.LockedUntil)

	_, err = svc.Login(ctx, user.ADUsername, "new password", "", "")
	require.NoError(t, err)

	var se *httplib.StatusError
	_, err = svc.Login(ctx, user.ADUsername, "old password", "", "")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestResetPasswordInactiveUser(t *testing.T) {
	t.Parallel()
	svc, store, _, tok := newService(t, nil)
	ctx := t.Context()

	seedUser(t, store, tok, "", func(u *storage.User) {
		u.Email = "gone@example.com"
		u.IsActive = false
	})

	pt, err := svc.StartResetPassword(ctx, "gone@example.com", "")
	require.NoError(t, err)
	require.Nil(t, pt)
	require.Empty(t, auditActions(t, store, events.PasswordResetRequested))
}

// capturingMailer records deliveries; fail makes every send error.
type capturingMailer struct {
	fail bool
	sent []string
}

func (m *capturingMailer) Send(ctx context.Context, recipient, subject, body string) error {
	if m.fail {
		return trace.ConnectionProblem(nil, "mail transport down")
	}
	m.sent = append(m.sent, recipient)
	return nil
}

func (m *capturingMailer) CheckHealth(ctx context.Context) error { return nil }

func TestPasswordTokenMail(t *testing.T) {
	t.Parallel()
	mail := &capturingMailer{}
	svc, store, _, tok := newService(t, func(c *Config) { c.Mailer = mail })
	ctx := t.Context()

	dev := seedUser(t, store, tok, "", func(u *storage.User) { u.RoleGlobal = storage.RoleDev })
	withEmail := seedUser(t, store, tok, "", func(u *storage.User) { u.Email = "with@example.com" })
	withoutEmail := seedUser(t, store, tok, "", nil)

	pt, err := svc.StartSetPassword(ctx, dev, withEmail.ID, "")
	require.NoError(t, err)
	require.True(t, pt.Emailed)
	require.Equal(t, []string{"with@example.com"}, mail.sent)

	pt, err = svc.StartSetPassword(ctx, dev, withoutEmail.ID, "")
	require.NoError(t, err)
	require.False(t, pt.Emailed)

	// Delivery failure is swallowed; the token still works.
	mail.fail = true
	pt, err = svc.StartResetPassword(ctx, "with@example.com", "")
	require.NoError(t, err)
	require.False(t, pt.Emailed)
	require.NoError(t, svc.ConfirmResetPassword(ctx, pt.Token, "long enough password", ""))
}
