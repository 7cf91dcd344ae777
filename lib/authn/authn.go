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

// Package authn implements operator authentication: password login with
// lockout, refresh-token sessions and the token-gated set/reset password
// flows.
//
// Credentials never leave the package in a loggable form. Refresh and
// password tokens are opaque, stored as SHA-256 digests and returned to
// the caller in plaintext exactly once.
package authn

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/mailer"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/tokens"
)

var loginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "certhub_logins_total",
	Help: "Operator login attempts by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(loginsTotal)
}

// Config holds the authentication service configuration.
type Config struct {
	// Store persists users, sessions, tokens and audit records.
	Store storage.Store
	// Tokens mints and verifies credentials.
	Tokens *tokens.Service
	// Mailer delivers password tokens by mail. Optional; when nil tokens
	// are only returned to the caller.
	Mailer mailer.Mailer
	// RefreshTTL is the lifetime of a refresh session.
	RefreshTTL time.Duration
	// SetPasswordTokenTTL is the lifetime of a set-password token.
	SetPasswordTokenTTL time.Duration
	// ResetPasswordTokenTTL is the lifetime of a reset-password token.
	ResetPasswordTokenTTL time.Duration
	// LockoutMaxAttempts is the number of consecutive failed logins that
	// locks the account.
	LockoutMaxAttempts int
	// LockoutDuration is how long a locked account stays locked.
	LockoutDuration time.Duration
	// Logger emits authentication log messages.
	Logger *slog.Logger
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaults.RefreshTTL
	}
	if c.SetPasswordTokenTTL <= 0 {
		c.SetPasswordTokenTTL = defaults.SetPasswordTokenTTL
	}
	if c.ResetPasswordTokenTTL <= 0 {
		c.ResetPasswordTokenTTL = defaults.ResetPasswordTokenTTL
	}
	if c.LockoutMaxAttempts <= 0 {
		c.LockoutMaxAttempts = defaults.LockoutMaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaults.LockoutDuration
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentAuth)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service implements the operator authentication operations.
type Service struct {
	cfg Config
}

// New returns an authentication service backed by the configured store.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// LoginResult carries the credentials minted by a successful login. The
// refresh token is plaintext, the HTTP layer moves it into a cookie.
type LoginResult struct {
	User         *storage.User
	AccessToken  string
	RefreshToken string
}

// Login verifies an operator password and mints an access token and a
// refresh session. Failed attempts increment a per-user counter; reaching
// the lockout threshold locks the account for the configured duration.
// Unknown users, bad passwords and passwordless accounts are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, trace.BadParameter("missing username or password")
	}
	now := s.cfg.Clock.Now().UTC()
	user, err := s.cfg.Store.GetUserByADUsername(ctx, username)
	if err != nil {
		if trace.IsNotFound(err) {
			loginsTotal.WithLabelValues("failed").Inc()
			return nil, httplib.Unauthorized("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	if !user.IsActive {
		loginsTotal.WithLabelValues("failed").Inc()
		return nil, trace.AccessDenied("user is inactive")
	}
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		loginsTotal.WithLabelValues("locked").Inc()
		return nil, trace.LimitExceeded("account is locked until %v", user.LockedUntil.Format(time.RFC3339))
	}

	if err := s.cfg.Tokens.VerifyPassword(user.PasswordHash, password); err != nil {
		if txErr := s.recordLoginFailure(ctx, user, ip, now); txErr != nil {
			return nil, trace.Wrap(txErr)
		}
		loginsTotal.WithLabelValues("failed").Inc()
		return nil, httplib.Unauthorized("invalid credentials")
	}

	access, err := s.cfg.Tokens.SignUserToken(user.ID, user.Email, string(user.RoleGlobal))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, refreshHash, err := tokens.NewOpaqueToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	err = s.cfg.Store.WithTx(ctx, func(tx storage.Store) error {
		if user.FailedLoginAttempts != 0 || user.LockedUntil != nil {
			user.FailedLoginAttempts = 0
			user.LockedUntil = nil
			updated, txErr := tx.UpdateUser(ctx, user)
			if txErr != nil {
				return trace.Wrap(txErr)
			}
			user = updated
		}
		if _, txErr := tx.CreateSession(ctx, &storage.Session{
			OrgID:            user.OrgID,
			UserID:           user.ID,
			RefreshTokenHash: refreshHash,
			ExpiresAt:        now.Add(s.cfg.RefreshTTL),
			IP:               ip,
			UserAgent:        userAgent,
		}); txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       user.OrgID,
			Action:      events.LoginSuccess,
			EntityType:  events.EntitySession,
			EntityID:    user.ID,
			ActorUserID: user.ID,
			IP:          ip,
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	loginsTotal.WithLabelValues("success").Inc()
	s.cfg.Logger.InfoContext(ctx, "Operator logged in.", "user", user.ADUsername, "org", user.OrgID)
	return &LoginResult{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// recordLoginFailure bumps the failure counter and locks the account when
// the threshold is reached. The counter update and its audit event commit
// together even though the login itself is refused.
func (s *Service) recordLoginFailure(ctx context.Context, user *storage.User, ip string, now time.Time) error {
	user.FailedLoginAttempts++
	action := events.LoginFailed
	meta := map[string]any{"attempts": user.FailedLoginAttempts}
	if user.FailedLoginAttempts >= s.cfg.LockoutMaxAttempts {
		lockedUntil := now.Add(s.cfg.LockoutDuration)
		user.LockedUntil = &lockedUntil
		action = events.LoginLocked
		meta["locked_until"] = lockedUntil.Format(time.RFC3339)
		s.cfg.Logger.WarnContext(ctx, "Account locked after repeated login failures.",
			"user", user.ADUsername, "attempts", user.FailedLoginAttempts)
	}
	return trace.Wrap(s.cfg.Store.WithTx(ctx, func(tx storage.Store) error {
		if _, txErr := tx.UpdateUser(ctx, user); txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       user.OrgID,
			Action:      action,
			EntityType:  events.EntitySession,
			EntityID:    user.ID,
			ActorUserID: user.ID,
			IP:          ip,
			Meta:        meta,
		}))
	}))
}

// Refresh exchanges a live refresh token for a fresh access token. Expired,
// revoked and unknown tokens are indistinguishable to the caller.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, *storage.User, error) {
	if refreshToken == "" {
		return "", nil, httplib.Unauthorized("missing refresh token")
	}
	now := s.cfg.Clock.Now().UTC()
	sess, err := s.cfg.Store.GetSessionByTokenHash(ctx, tokens.HashToken(refreshToken))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", nil, httplib.Unauthorized("invalid refresh token")
		}
		return "", nil, trace.Wrap(err)
	}
	if sess.RevokedAt != nil || !now.Before(sess.ExpiresAt) {
		return "", nil, httplib.Unauthorized("invalid refresh token")
	}
	user, err := s.cfg.Store.GetUser(ctx, sess.OrgID, sess.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return "", nil, httplib.Unauthorized("invalid refresh token")
		}
		return "", nil, trace.Wrap(err)
	}
	if !user.IsActive {
		return "", nil, trace.AccessDenied("user is inactive")
	}
	access, err := s.cfg.Tokens.SignUserToken(user.ID, user.Email, string(user.RoleGlobal))
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	return access, user, nil
}

// Logout revokes the refresh session behind the presented token. A missing
// or foreign token is not an error: the client side of the session is gone
// either way.
func (s *Service) Logout(ctx context.Context, actor *storage.User, refreshToken, ip string) error {
	if refreshToken == "" {
		return nil
	}
	now := s.cfg.Clock.Now().UTC()
	sess, err := s.cfg.Store.GetSessionByTokenHash(ctx, tokens.HashToken(refreshToken))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if sess.UserID != actor.ID || sess.RevokedAt != nil {
		return nil
	}
	return trace.Wrap(s.cfg.Store.WithTx(ctx, func(tx storage.Store) error {
		if txErr := tx.RevokeSession(ctx, sess.ID, now); txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       actor.OrgID,
			Action:      events.Logout,
			EntityType:  events.EntitySession,
			EntityID:    strconv.FormatInt(sess.ID, 10),
			ActorUserID: actor.ID,
			IP:          ip,
		}))
	}))
}

// PasswordToken is a freshly minted set/reset password token. Token is the
// plaintext; it is never persisted.
type PasswordToken struct {
	Token   string
	User    *storage.User
	Emailed bool
}

// StartSetPassword mints a set-password token for the target user. Only a
// DEV operator may start the flow. The token is mailed when the user has an
// email and a mailer is configured, and is always returned to the caller.
func (s *Service) StartSetPassword(ctx context.Context, actor *storage.User, userID, ip string) (*PasswordToken, error) {
	if actor.RoleGlobal != storage.RoleDev {
		return nil, trace.AccessDenied("setting passwords requires the DEV role")
	}
	user, err := s.cfg.Store.GetUser(ctx, actor.OrgID, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	plain, hash, err := tokens.NewOpaqueToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.cfg.Store.CreateAuthToken(ctx, &storage.AuthToken{
		OrgID:     user.OrgID,
		UserID:    user.ID,
		TokenHash: hash,
		Purpose:   storage.PurposeSetPassword,
		ExpiresAt: now.Add(s.cfg.SetPasswordTokenTTL),
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	emailed := s.mailToken(ctx, user, "Set your CertHub password",
		"A password setup was started for your CertHub account %q.\n\nToken: %s\n\nThe token expires in %v.",
		plain, s.cfg.SetPasswordTokenTTL)
	return &PasswordToken{Token: plain, User: user, Emailed: emailed}, nil
}

// ConfirmSetPassword redeems a set-password token and stores the new
// password hash.
func (s *Service) ConfirmSetPassword(ctx context.Context, token, newPassword, ip string) error {
	return trace.Wrap(s.confirm(ctx, storage.PurposeSetPassword, token, newPassword, ip))
}

// StartResetPassword mints a reset-password token for the account behind
// the email. The result is nil when no active account matches: callers
// must respond identically either way so addresses cannot be probed.
func (s *Service) StartResetPassword(ctx context.Context, email, ip string) (*PasswordToken, error) {
	if email == "" {
		return nil, trace.BadParameter("missing parameter email")
	}
	user, err := s.cfg.Store.GetUserByEmail(ctx, email)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	if !user.IsActive {
		return nil, nil
	}
	now := s.cfg.Clock.Now().UTC()
	plain, hash, err := tokens.NewOpaqueToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = s.cfg.Store.WithTx(ctx, func(tx storage.Store) error {
		if _, txErr := tx.CreateAuthToken(ctx, &storage.AuthToken{
			OrgID:     user.OrgID,
			UserID:    user.ID,
			TokenHash: hash,
			Purpose:   storage.PurposeResetPassword,
			ExpiresAt: now.Add(s.cfg.ResetPasswordTokenTTL),
		}); txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       user.OrgID,
			Action:      events.PasswordResetRequested,
			EntityType:  events.EntityUser,
			EntityID:    user.ID,
			ActorUserID: user.ID,
			IP:          ip,
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	emailed := s.mailToken(ctx, user, "Reset your CertHub password",
		"A password reset was requested for your CertHub account %q.\n\nToken: %s\n\nThe token expires in %v. If you did not request this, ignore this message.",
		plain, s.cfg.ResetPasswordTokenTTL)
	return &PasswordToken{Token: plain, User: user, Emailed: emailed}, nil
}

// ConfirmResetPassword redeems a reset-password token, stores the new
// password hash and clears the lockout state.
func (s *Service) ConfirmResetPassword(ctx context.Context, token, newPassword, ip string) error {
	return trace.Wrap(s.confirm(ctx, storage.PurposeResetPassword, token, newPassword, ip))
}

// confirm redeems a password token of the given purpose. The token is
// marked used and sibling unused tokens of the same purpose are
// invalidated in the same transaction as the password change.
func (s *Service) confirm(ctx context.Context, purpose storage.TokenPurpose, token, newPassword, ip string) error {
	if token == "" {
		return trace.BadParameter("missing parameter token")
	}
	if err := tokens.ValidatePassword(newPassword); err != nil {
		return trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	tok, err := s.cfg.Store.GetAuthTokenByHash(ctx, tokens.HashToken(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return httplib.Unauthorized("invalid or expired token")
		}
		return trace.Wrap(err)
	}
	if tok.Purpose != purpose || tok.UsedAt != nil || !now.Before(tok.ExpiresAt) {
		return httplib.Unauthorized("invalid or expired token")
	}
	hash, err := s.cfg.Tokens.HashPassword(newPassword)
	if err != nil {
		return trace.Wrap(err)
	}

	action := events.PasswordSet
	if purpose == storage.PurposeResetPassword {
		action = events.PasswordReset
	}
	err = s.cfg.Store.WithTx(ctx, func(tx storage.Store) error {
		user, txErr := tx.GetUser(ctx, tok.OrgID, tok.UserID)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		user.PasswordHash = hash
		user.PasswordSetAt = &now
		if purpose == storage.PurposeResetPassword {
			user.FailedLoginAttempts = 0
			user.LockedUntil = nil
		}
		if _, txErr := tx.UpdateUser(ctx, user); txErr != nil {
			return trace.Wrap(txErr)
		}
		if txErr := tx.MarkAuthTokenUsed(ctx, tok.ID, now); txErr != nil {
			return trace.Wrap(txErr)
		}
		if _, txErr := tx.InvalidateAuthTokens(ctx, tok.OrgID, tok.UserID, purpose, now); txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       tok.OrgID,
			Action:      action,
			EntityType:  events.EntityUser,
			EntityID:    tok.UserID,
			ActorUserID: tok.UserID,
			IP:          ip,
		}))
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "Password updated.", "user", tok.UserID, "purpose", purpose)
	return nil
}

// mailToken delivers a password token by mail on a best-effort basis.
// Delivery failure is logged, never surfaced: the flows that mail tokens
// must not reveal delivery state to the caller.
func (s *Service) mailToken(ctx context.Context, user *storage.User, subject, bodyFormat, token string, ttl time.Duration) bool {
	if s.cfg.Mailer == nil || user.Email == "" {
		return false
	}
	body := fmt.Sprintf(bodyFormat, user.ADUsername, token, ttl)
	if err := s.cfg.Mailer.Send(ctx, user.Email, subject, body); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to mail password token.", "user", user.ID, "error", err)
		return false
	}
	return true
}
