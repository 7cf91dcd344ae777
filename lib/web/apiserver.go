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

// Package web implements the CertHub HTTP API: the operator surface
// (auth, administration, catalog, install jobs, audit) and the device
// agent surface (auth, heartbeat, claim/payload/result, inventory).
//
// Handlers return a JSON-serializable value or an error; httplib maps
// errors to status codes. Authentication materializes a typed actor
// exactly once per request: an operator handler receives a *storage.User,
// an agent handler a *storage.Device, both freshly loaded from the store
// so role and allow-list changes take effect immediately. The org is
// always the authenticated row's org, never request input.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/authn"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/ingest"
	"github.com/gravitational/certhub/lib/inventory"
	"github.com/gravitational/certhub/lib/jobs"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/tokens"
	"github.com/gravitational/certhub/lib/utils"
)

// AgentAuthLimiter rate-limits agent authentication attempts per device.
type AgentAuthLimiter interface {
	AllowAgentAuth(ctx context.Context, deviceID string) bool
}

// Config holds the API handler configuration.
type Config struct {
	// Store is the control plane persistence layer.
	Store storage.Store
	// Tokens mints and verifies credentials.
	Tokens *tokens.Service
	// Authn implements the operator credential flows.
	Authn *authn.Service
	// Jobs implements the install-job operations.
	Jobs *jobs.Service
	// Inventory implements installed-cert reporting.
	Inventory *inventory.Service
	// Ingester runs catalog scans. Optional; nil when no drop zone is
	// configured.
	Ingester *ingest.Ingester
	// AuthLimiter rate-limits agent authentication. Optional; nil admits
	// all.
	AuthLimiter AgentAuthLimiter
	// DevMode relaxes CORS and echoes reset tokens in responses.
	DevMode bool
	// CookieSecure marks the refresh cookie Secure.
	CookieSecure bool
	// CookieHTTPOnly marks the refresh cookie HttpOnly.
	CookieHTTPOnly bool
	// CookieSameSite is the refresh cookie SameSite mode.
	CookieSameSite http.SameSite
	// RefreshTTL bounds the refresh cookie lifetime.
	RefreshTTL time.Duration
	// Logger emits API log messages.
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
	if c.Authn == nil {
		return trace.BadParameter("missing parameter Authn")
	}
	if c.Jobs == nil {
		return trace.BadParameter("missing parameter Jobs")
	}
	if c.Inventory == nil {
		return trace.BadParameter("missing parameter Inventory")
	}
	if c.CookieSameSite == 0 {
		c.CookieSameSite = http.SameSiteLaxMode
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaults.RefreshTTL
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentWeb)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler serves the CertHub HTTP API.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewHandler returns an API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}
	h.Router = *httprouter.New()

	// Operator authentication.
	h.POST("/api/v1/auth/login", httplib.MakeHandler(h.login))
	h.POST("/api/v1/auth/refresh", httplib.MakeHandler(h.refresh))
	h.POST("/api/v1/auth/logout", h.withUserAuth(h.logout))
	h.GET("/api/v1/auth/me", h.withUserAuth(h.me))
	h.POST("/api/v1/auth/password/set/init", h.withUserAuth(h.setPasswordInit, storage.RoleDev))
	h.POST("/api/v1/auth/password/set/confirm", httplib.MakeHandler(h.setPasswordConfirm))
	h.POST("/api/v1/auth/password/reset/init", httplib.MakeHandler(h.resetPasswordInit))
	h.POST("/api/v1/auth/password/reset/confirm", httplib.MakeHandler(h.resetPasswordConfirm))

	// Administration.
	h.POST("/api/v1/admin/users", h.withUserAuth(h.createUser, storage.RoleDev))
	h.GET("/api/v1/admin/users", h.withUserAuth(h.listUsers, storage.RoleDev))
	h.PATCH("/api/v1/admin/users/:id", h.withUserAuth(h.updateUser, storage.RoleAdmin, storage.RoleDev))
	h.POST("/api/v1/admin/devices", h.withUserAuth(h.createDevice, storage.RoleAdmin, storage.RoleDev))
	h.GET("/api/v1/admin/devices", h.withUserAuth(h.listDevices))
	h.PATCH("/api/v1/admin/devices/:id", h.withUserAuth(h.updateDevice, storage.RoleAdmin, storage.RoleDev))
	h.POST("/api/v1/admin/devices/:id/rotate-token", h.withUserAuth(h.rotateDeviceToken, storage.RoleAdmin, storage.RoleDev))
	h.POST("/api/v1/admin/devices/:id/users", h.withUserAuth(h.linkDeviceUser, storage.RoleAdmin, storage.RoleDev))
	h.POST("/api/v1/admin/jobs/reap", h.withUserAuth(h.reapJobs, storage.RoleAdmin, storage.RoleDev))
	h.POST("/api/v1/admin/certificates/ingest-from-fs", h.withUserAuth(h.ingestFromFS, storage.RoleDev))

	// Certificate catalog and install jobs.
	h.GET("/api/v1/certificados", h.withUserAuth(h.listCertificates))
	h.POST("/api/v1/certificados", h.withUserAuth(h.createCertificate))
	h.POST("/api/v1/certificados/:id/install", h.withUserAuth(h.requestInstall))
	h.GET("/api/v1/install-jobs", h.withUserAuth(h.listJobs, storage.RoleAdmin, storage.RoleDev))
	h.GET("/api/v1/install-jobs/mine", h.withUserAuth(h.listMyJobs))
	h.GET("/api/v1/install-jobs/my-device", h.withUserAuth(h.listMyDeviceJobs))
	h.GET("/api/v1/install-jobs/export", h.withUserAuth(h.exportJobs))
	h.POST("/api/v1/install-jobs/:id/approve", h.withUserAuth(h.approveJob, storage.RoleAdmin, storage.RoleDev))
	h.POST("/api/v1/install-jobs/:id/deny", h.withUserAuth(h.denyJob, storage.RoleAdmin, storage.RoleDev))
	h.GET("/api/v1/devices/mine", h.withUserAuth(h.listMyDevices))
	h.GET("/api/v1/devices/:id/installed-certs", h.withUserAuth(h.listInstalledCerts))
	h.GET("/api/v1/audit", h.withUserAuth(h.listAudit))

	// Device agent.
	h.POST("/api/v1/agent/auth", httplib.MakeHandler(h.agentAuth))
	h.POST("/api/v1/agent/heartbeat", h.withDeviceAuth(h.agentHeartbeat))
	h.GET("/api/v1/agent/jobs", h.withDeviceAuth(h.agentJobs))
	h.POST("/api/v1/agent/jobs/:id/claim", h.withDeviceAuth(h.agentClaim))
	h.GET("/api/v1/agent/jobs/:id/payload", h.withDeviceAuth(h.agentPayload))
	h.POST("/api/v1/agent/jobs/:id/result", h.withDeviceAuth(h.agentResult))
	h.POST("/api/v1/agent/installed-certs/report", h.withDeviceAuth(h.agentReport))
	h.POST("/api/v1/agent/cleanup", h.withDeviceAuth(h.agentCleanup))

	h.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("path not found"))
	})
	return h, nil
}

// ServeHTTP implements http.Handler. Dev mode answers CORS preflight and
// tags every response with permissive headers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.DevMode {
		httplib.InsecureSetDevModeHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	httplib.SetNoCacheHeaders(w.Header())
	h.Router.ServeHTTP(w, r)
}

// userHandle is an HTTP handler with an authenticated operator.
type userHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error)

// withUserAuth authenticates the operator bearer token, loads the user row
// and enforces the route's role set. An empty role set admits every
// operator role.
func (h *Handler) withUserAuth(fn userHandle, roles ...storage.Role) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		actor, err := h.authenticateUser(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(roles) > 0 && !slices.Contains(roles, actor.RoleGlobal) {
			return nil, trace.AccessDenied("role %v may not access this endpoint", actor.RoleGlobal)
		}
		return fn(w, r, p, actor)
	})
}

// deviceHandle is an HTTP handler with an authenticated device agent.
type deviceHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error)

// withDeviceAuth authenticates the device bearer token and loads the
// device row. Blocked devices are rejected even with a live token.
func (h *Handler) withDeviceAuth(fn deviceHandle) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		device, err := h.authenticateDevice(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, device)
	})
}

func (h *Handler) authenticateUser(r *http.Request) (*storage.User, error) {
	raw, err := parseBearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	claims, err := h.cfg.Tokens.VerifyUserToken(raw)
	if err != nil {
		return nil, httplib.Unauthorized(tokenErrorMessage(err))
	}
	user, err := h.cfg.Store.GetUserByID(r.Context(), claims.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("user no longer exists")
		}
		return nil, trace.Wrap(err)
	}
	if !user.IsActive {
		return nil, trace.AccessDenied("user is inactive")
	}
	return user, nil
}

func (h *Handler) authenticateDevice(r *http.Request) (*storage.Device, error) {
	raw, err := parseBearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	claims, err := h.cfg.Tokens.VerifyDeviceToken(raw)
	if err != nil {
		return nil, httplib.Unauthorized(tokenErrorMessage(err))
	}
	device, err := h.cfg.Store.GetDeviceByID(r.Context(), claims.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("device no longer exists")
		}
		return nil, trace.Wrap(err)
	}
	if !device.IsAllowed {
		return nil, trace.AccessDenied("device is blocked")
	}
	return device, nil
}

func parseBearerToken(r *http.Request) (string, error) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", httplib.Unauthorized("missing authorization header")
	}
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return "", httplib.Unauthorized("invalid authorization header")
	}
	return header[len(prefix):], nil
}

// tokenErrorMessage collapses verification failures to the two stable
// identifiers agents retry on.
func tokenErrorMessage(err error) string {
	if errors.Is(err, tokens.ErrTokenExpired) {
		return tokens.ErrTokenExpired.Error()
	}
	return tokens.ErrTokenInvalid.Error()
}

// paramID extracts a numeric :id route parameter.
func paramID(p httprouter.Params) (int64, error) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid id %q", p.ByName("id"))
	}
	return id, nil
}

// clientIP reports the request's remote address without the port.
func clientIP(r *http.Request) string {
	return utils.ClientIP(r.RemoteAddr)
}
