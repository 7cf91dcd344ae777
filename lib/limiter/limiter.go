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

// Package limiter implements the fixed-window rate limiter guarding the
// agent endpoints. Counters live in Redis so every instance shares the
// same window. When Redis is unreachable the limiter fails open:
// distribution must not stall on a cache outage, the database guards
// still hold.
package limiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/defaults"
)

// Config holds the limiter configuration.
type Config struct {
	// Client is the shared Redis client.
	Client redis.UniversalClient
	// Logger emits limiter log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentLimiter)
	}
	return nil
}

// Limiter counts events per key in fixed windows.
type Limiter struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New returns a limiter backed by the given Redis client.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{client: cfg.Client, logger: cfg.Logger}, nil
}

// Allow counts one event against key and reports whether it still fits
// the window. The window TTL is set when the first event opens it.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) bool {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.WarnContext(ctx, "Rate limiter unavailable, allowing request.",
			"error", err, "key", key)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			l.logger.WarnContext(ctx, "Failed to set rate limit window.",
				"error", err, "key", key)
		}
	}
	return count <= limit
}

// AllowAgentAuth reports whether the device may attempt another
// authentication in the current window.
func (l *Limiter) AllowAgentAuth(ctx context.Context, deviceID string) bool {
	return l.Allow(ctx, defaults.AgentAuthRateKeyPrefix+deviceID,
		defaults.AgentAuthRateLimit, defaults.RateLimitWindow)
}

// AllowAgentPayload reports whether the device may attempt another
// payload fetch in the current window.
func (l *Limiter) AllowAgentPayload(ctx context.Context, deviceID string) bool {
	return l.Allow(ctx, defaults.AgentPayloadRateKeyPrefix+deviceID,
		defaults.AgentPayloadRateLimit, defaults.RateLimitWindow)
}
