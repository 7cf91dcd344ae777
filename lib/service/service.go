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

// Package service assembles and supervises the CertHub process: storage,
// redis-backed limiter and queue, the drop zone watcher, the HTTP API and
// the diagnostics listener.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/authn"
	"github.com/gravitational/certhub/lib/config"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/ingest"
	"github.com/gravitational/certhub/lib/inventory"
	"github.com/gravitational/certhub/lib/jobs"
	"github.com/gravitational/certhub/lib/limiter"
	"github.com/gravitational/certhub/lib/mailer"
	"github.com/gravitational/certhub/lib/queue"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/storage/memory"
	"github.com/gravitational/certhub/lib/storage/postgres"
	"github.com/gravitational/certhub/lib/tokens"
	"github.com/gravitational/certhub/lib/watcher"
	"github.com/gravitational/certhub/lib/web"
)

// redisDialTimeout bounds the startup ping that verifies Redis is
// reachable before anything depends on it.
const redisDialTimeout = 5 * time.Second

// Run starts the CertHub process from the loaded configuration and
// blocks until ctx is canceled or a component fails. On cancellation the
// listeners drain in-flight requests, the watcher and queue workers
// stop, and the store and redis connections close last.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := slog.With(certhub.ComponentKey, certhub.ComponentService)
	clock := clockwork.NewRealClock()

	logger.InfoContext(ctx, "CertHub starting.",
		"version", certhub.Version, "env", cfg.Env, "listen_addr", cfg.ListenAddr)
	if cfg.EphemeralSecret {
		logger.WarnContext(ctx, "JWT_SECRET is not set; using an ephemeral signing secret. Every issued token dies with this process.")
	}

	store, err := openStore(ctx, cfg, clock, logger)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = dialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return trace.Wrap(err)
		}
		defer redisClient.Close()
	} else {
		logger.WarnContext(ctx, "REDIS_URL is not set; rate limits are open and background tasks run inline.")
	}

	tokenSvc, err := tokens.New(tokens.Config{
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		DeviceTokenTTL: cfg.DeviceTokenTTL,
		BcryptCost:     cfg.BcryptCost,
		Clock:          clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	mail, err := buildMailer(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	authSvc, err := authn.New(authn.Config{
		Store:                 store,
		Tokens:                tokenSvc,
		Mailer:                mail,
		RefreshTTL:            cfg.RefreshTTL,
		SetPasswordTokenTTL:   cfg.SetPasswordTokenTTL,
		ResetPasswordTokenTTL: cfg.ResetPasswordTokenTTL,
		LockoutMaxAttempts:    cfg.LockoutMaxAttempts,
		LockoutDuration:       cfg.LockoutDuration,
		Clock:                 clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	jobsCfg := jobs.Config{
		Store:             store,
		KeepUntilMaxHours: cfg.KeepUntilMaxHours,
		Clock:             clock,
	}
	var agentLimiter *limiter.Limiter
	if redisClient != nil {
		agentLimiter, err = limiter.New(limiter.Config{Client: redisClient})
		if err != nil {
			return trace.Wrap(err)
		}
		jobsCfg.Limiter = agentLimiter
	}
	jobSvc, err := jobs.New(jobsCfg)
	if err != nil {
		return trace.Wrap(err)
	}

	invSvc, err := inventory.New(inventory.Config{Store: store, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}

	var ingester *ingest.Ingester
	if cfg.CertsRootPath != "" {
		ingester, err = ingest.New(ingest.Config{
			Store:       store,
			RootPath:    cfg.CertsRootPath,
			OpenSSLPath: cfg.OpenSSLPath,
			Clock:       clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}

	// The watcher feeds either the redis queue or, without redis, an
	// inline queue that runs tasks at enqueue time.
	var taskQueue *queue.Queue
	var enqueuer watcher.Enqueuer
	if redisClient != nil {
		taskQueue, err = queue.New(queue.Config{
			Client: redisClient,
			Name:   cfg.QueueName,
			Clock:  clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if ingester != nil {
			registerIngestHandlers(taskQueue, ingester)
		}
		enqueuer = taskQueue
	} else {
		inline := newInlineQueue(logger)
		if ingester != nil {
			registerIngestHandlers(inline, ingester)
		}
		enqueuer = inline
	}

	webCfg := web.Config{
		Store:          store,
		Tokens:         tokenSvc,
		Authn:          authSvc,
		Jobs:           jobSvc,
		Inventory:      invSvc,
		Ingester:       ingester,
		DevMode:        cfg.Env == config.EnvDev,
		CookieSecure:   cfg.CookieSecure,
		CookieHTTPOnly: cfg.CookieHTTPOnly,
		CookieSameSite: cfg.CookieSameSite,
		RefreshTTL:     cfg.RefreshTTL,
		Clock:          clock,
	}
	if agentLimiter != nil {
		webCfg.AuthLimiter = agentLimiter
	}
	handler, err := web.NewHandler(webCfg)
	if err != nil {
		return trace.Wrap(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	serveHTTP(groupCtx, group, logger, "api", &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		IdleTimeout: defaults.HTTPIdleTimeout,
	})

	if cfg.DiagAddr != "" {
		checks := map[string]healthCheck{"store": store.Ping}
		if redisClient != nil {
			checks["redis"] = func(ctx context.Context) error {
				return trace.Wrap(redisClient.Ping(ctx).Err())
			}
		}
		serveHTTP(groupCtx, group, logger, "diag", &http.Server{
			Addr:        cfg.DiagAddr,
			Handler:     newDiagHandler(checks),
			IdleTimeout: defaults.HTTPIdleTimeout,
		})
	}

	// Workers only start when handlers are registered; without a drop
	// zone a stray task would just be parked on the dead list.
	if taskQueue != nil && ingester != nil {
		group.Go(func() error {
			return trace.Wrap(taskQueue.Run(groupCtx))
		})
	}

	if cfg.CertsRootPath != "" {
		w, err := watcher.New(watcher.Config{
			OrgID:              cfg.DefaultOrgID,
			RootPath:           cfg.CertsRootPath,
			Queue:              enqueuer,
			Debounce:           cfg.WatcherDebounce,
			MaxEventsPerMinute: cfg.WatcherMaxEventsPerMinute,
			Clock:              clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		group.Go(func() error {
			return trace.Wrap(w.Run(groupCtx))
		})
	}

	err = group.Wait()
	logger.InfoContext(ctx, "CertHub stopped.")
	return trace.Wrap(err)
}

// openStore opens postgres when DATABASE_URL is configured and the
// in-memory store otherwise. Config validation guarantees the in-memory
// fallback is only reachable in dev.
func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		store, err := postgres.New(ctx, postgres.Config{
			ConnString: cfg.DatabaseURL,
			Clock:      clock,
		})
		return store, trace.Wrap(err)
	}
	logger.WarnContext(ctx, "DATABASE_URL is not set; using the in-memory store. Data will not survive a restart.")
	store, err := memory.New(memory.Config{Clock: clock})
	return store, trace.Wrap(err)
}

func dialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, trace.Wrap(err, "parsing REDIS_URL")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, trace.Wrap(err, "pinging redis")
	}
	return client, nil
}

func buildMailer(cfg *config.Config) (mailer.Mailer, error) {
	switch cfg.Mail.Type {
	case config.MailerSMTP:
		m, err := mailer.NewSMTP(mailer.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.SMTPUsername,
			Password: cfg.Mail.SMTPPassword,
			From:     cfg.Mail.SMTPFrom,
			StartTLS: cfg.Mail.SMTPStartTLS,
		})
		return m, trace.Wrap(err)
	case config.MailerMailgun:
		m, err := mailer.NewMailgun(mailer.MailgunConfig{
			Domain:     cfg.Mail.MailgunDomain,
			PrivateKey: cfg.Mail.MailgunPrivateKey,
			From:       cfg.Mail.MailgunFrom,
		})
		return m, trace.Wrap(err)
	}
	return nil, nil
}

// taskRegistrar is implemented by both the redis queue and the inline
// queue.
type taskRegistrar interface {
	Register(taskType string, handler queue.Handler)
}

// registerIngestHandlers binds the drop zone task types to the ingester.
func registerIngestHandlers(reg taskRegistrar, ingester *ingest.Ingester) {
	reg.Register(watcher.TaskTypeIngest, func(ctx context.Context, task queue.Task) error {
		orgID, path, err := watcher.ParseTask(task)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = ingester.IngestPath(ctx, orgID, path)
		return trace.Wrap(err)
	})
	reg.Register(watcher.TaskTypeDelete, func(ctx context.Context, task queue.Task) error {
		orgID, path, err := watcher.ParseTask(task)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(ingester.DeleteByPath(ctx, orgID, path))
	})
}

// serveHTTP runs one listener under the group and drains it on
// cancellation, falling back to a hard close when the drain times out.
func serveHTTP(ctx context.Context, group *errgroup.Group, logger *slog.Logger, name string, srv *http.Server) {
	group.Go(func() error {
		logger.InfoContext(ctx, "Listener starting.", "listener", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err, "%v listener failed", name)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.HTTPShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WarnContext(ctx, "Drain timed out, closing listener.", "listener", name, "error", err)
			return trace.Wrap(srv.Close())
		}
		logger.InfoContext(ctx, "Listener stopped.", "listener", name)
		return nil
	})
}
