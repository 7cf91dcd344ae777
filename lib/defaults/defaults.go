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

// Package defaults contains the default constants used across the CertHub
// codebase. Values here are the fallbacks applied by CheckAndSetDefaults
// when configuration leaves them unset.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address of the API listener.
	HTTPListenAddr = ":8080"

	// APIPrefix is the URL prefix of the versioned HTTP API.
	APIPrefix = "/api/v1"

	// HTTPIdleTimeout is the idle timeout applied to API connections.
	HTTPIdleTimeout = time.Minute

	// HTTPShutdownTimeout bounds the graceful drain of in-flight requests.
	HTTPShutdownTimeout = 10 * time.Second
)

const (
	// AccessTokenTTL is the lifetime of an operator access token.
	AccessTokenTTL = 30 * time.Minute

	// DeviceTokenTTL is the lifetime of a device access token. Agents are
	// expected to re-authenticate well within their polling cadence.
	DeviceTokenTTL = 10 * time.Minute

	// RefreshTTL is the lifetime of an operator refresh session.
	RefreshTTL = 14 * 24 * time.Hour

	// SetPasswordTokenTTL is the lifetime of a set-password token.
	SetPasswordTokenTTL = time.Hour

	// ResetPasswordTokenTTL is the lifetime of a reset-password token.
	ResetPasswordTokenTTL = 30 * time.Minute

	// PayloadTokenTTL is the lifetime of a single-use payload token,
	// counted from the claim that minted it.
	PayloadTokenTTL = 120 * time.Second

	// TokenLenBytes is the number of random bytes behind every opaque
	// token (device tokens, refresh tokens, payload tokens).
	TokenLenBytes = 32
)

const (
	// BcryptCost is the default bcrypt cost for operator passwords.
	BcryptCost = 10

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8

	// MaxPasswordBytes is the bcrypt input ceiling; longer passwords are
	// rejected rather than silently truncated.
	MaxPasswordBytes = 72

	// LockoutMaxAttempts is the number of consecutive failed logins that
	// locks an account.
	LockoutMaxAttempts = 5

	// LockoutDuration is how long a locked account stays locked.
	LockoutDuration = 15 * time.Minute
)

const (
	// RateLimitWindow is the fixed window of the agent rate limiters.
	RateLimitWindow = time.Minute

	// AgentAuthRateLimit caps device authentication attempts per window.
	AgentAuthRateLimit = 10

	// AgentPayloadRateLimit caps payload fetch attempts per window.
	AgentPayloadRateLimit = 5

	// AgentAuthRateKeyPrefix is the limiter key prefix for agent auth,
	// completed with the device id.
	AgentAuthRateKeyPrefix = "rl:agent_auth:"

	// AgentPayloadRateKeyPrefix is the limiter key prefix for payload
	// fetches, completed with the device id.
	AgentPayloadRateKeyPrefix = "rl:agent_payload:"
)

const (
	// QueueName is the default background queue name.
	QueueName = "certhub"

	// QueueWorkers is the default number of queue worker goroutines.
	QueueWorkers = 2

	// QueueMaxAttempts is how many times a failing task runs before it is
	// parked on the dead list.
	QueueMaxAttempts = 3

	// QueueTaskTTL bounds the life of a task body in Redis, so a marker
	// leaked by a crash cannot block re-enqueueing the same id forever.
	QueueTaskTTL = 24 * time.Hour

	// WatcherDebounce drops repeated filesystem events for the same path
	// arriving within this window.
	WatcherDebounce = 2 * time.Second

	// WatcherMaxEventsPerMinute caps drop-zone events accepted per
	// sliding minute.
	WatcherMaxEventsPerMinute = 60

	// IngestBatchLimit is the default per-batch file cap of
	// ingest-from-fs.
	IngestBatchLimit = 500

	// IngestErrorsCap bounds the error list returned by a batch ingest.
	IngestErrorsCap = 50

	// OpenSSLPath is the default OpenSSL binary used by the parse
	// fallback.
	OpenSSLPath = "openssl"

	// OpenSSLTimeout bounds a single OpenSSL invocation.
	OpenSSLTimeout = 15 * time.Second
)

const (
	// ReapThreshold is the default age after which an IN_PROGRESS job is
	// considered stuck.
	ReapThreshold = 60 * time.Minute

	// ReapThresholdMin is the smallest accepted reap threshold.
	ReapThresholdMin = 1 * time.Minute

	// ReapThresholdMax is the largest accepted reap threshold (one week).
	ReapThresholdMax = 10080 * time.Minute

	// RetentionKeepUntilMaxHours bounds how far in the future a VIEW role
	// may set keep_until.
	RetentionKeepUntilMaxHours = 24
)

const (
	// AuditListLimit is the default page size of audit listings.
	AuditListLimit = 200

	// AuditListLimitMax is the hard cap on audit page size.
	AuditListLimitMax = 500
)

const (
	// DefaultOrgID is the tenant used by development-only fallbacks.
	// Production deployments reject requests without an authenticated org.
	DefaultOrgID = 1
)
