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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/inventory"
	"github.com/gravitational/certhub/lib/jobs"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/tokens"
)

type agentAuthReq struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

type agentAuthResponse struct {
	AccessToken string `json:"access_token"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int `json:"expires_in"`
}

// agentAuth POST /api/v1/agent/auth
//
// Exchanges the long-lived device token for a short-lived access token.
// The device id is the lookup key, so an unknown id and a bad token both
// come back 401; only a known, blocked or tokenless device earns a 403.
func (h *Handler) agentAuth(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req agentAuthReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.DeviceID == "" || req.DeviceToken == "" {
		return nil, trace.BadParameter("missing device_id or device_token")
	}
	if h.cfg.AuthLimiter != nil && !h.cfg.AuthLimiter.AllowAgentAuth(r.Context(), req.DeviceID) {
		return nil, trace.LimitExceeded("too many authentication attempts")
	}
	device, err := h.cfg.Store.GetDeviceByID(r.Context(), req.DeviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("invalid device credentials")
		}
		return nil, trace.Wrap(err)
	}
	if !device.IsAllowed {
		return nil, trace.AccessDenied("device is blocked")
	}
	if device.DeviceTokenHash == "" {
		return nil, trace.AccessDenied("no device token provisioned")
	}
	if !tokens.VerifyTokenHash(device.DeviceTokenHash, tokens.HashToken(req.DeviceToken)) {
		return nil, httplib.Unauthorized("invalid device credentials")
	}
	access, err := h.cfg.Tokens.SignDeviceToken(device.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Liveness bookkeeping must not fail the authentication.
	now := h.clock.Now().UTC()
	device.LastSeenAt = &now
	if _, err := h.cfg.Store.UpdateDevice(r.Context(), device); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to update device last_seen_at.", "device", device.ID, "error", err)
	}
	return agentAuthResponse{
		AccessToken: access,
		ExpiresIn:   int(h.cfg.Tokens.DeviceTokenTTL().Seconds()),
	}, nil
}

type heartbeatReq struct {
	AgentVersion string `json:"agent_version,omitempty"`
	OSName       string `json:"os_name,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
}

// agentHeartbeat POST /api/v1/agent/heartbeat
//
// Hostname reports are recorded as-is; renames must go through the admin
// surface, so a mismatch is only logged.
func (h *Handler) agentHeartbeat(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	var req heartbeatReq
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	now := h.clock.Now().UTC()
	device.LastSeenAt = &now
	device.LastHeartbeatAt = &now
	if req.AgentVersion != "" {
		device.AgentVersion = req.AgentVersion
	}
	if req.OSName != "" {
		device.OSName = req.OSName
	}
	if req.OSVersion != "" {
		device.OSVersion = req.OSVersion
	}
	if req.Hostname != "" && req.Hostname != device.Hostname {
		h.logger.InfoContext(r.Context(), "Agent reports a different hostname.",
			"device", device.ID, "registered", device.Hostname, "reported", req.Hostname)
	}
	if _, err := h.cfg.Store.UpdateDevice(r.Context(), device); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// agentJobs GET /api/v1/agent/jobs
func (h *Handler) agentJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	views, err := h.cfg.Jobs.ListForDevice(r.Context(), device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJobViews(views), nil
}

type claimResponse struct {
	Job jobView `json:"job"`
	// PayloadToken unlocks exactly one payload fetch within its TTL.
	PayloadToken string `json:"payload_token"`
}

// agentClaim POST /api/v1/agent/jobs/:id/claim
func (h *Handler) agentClaim(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	id, err := paramID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	view, payloadToken, err := h.cfg.Jobs.Claim(r.Context(), device, id, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return claimResponse{Job: makeJobView(view), PayloadToken: payloadToken}, nil
}

// agentPayload GET /api/v1/agent/jobs/:id/payload
func (h *Handler) agentPayload(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	id, err := paramID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	payload, err := h.cfg.Jobs.Payload(r.Context(), device, id, r.URL.Query().Get("token"), clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return payload, nil
}

// agentResult POST /api/v1/agent/jobs/:id/result
func (h *Handler) agentResult(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	id, err := paramID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var res jobs.Result
	if err := httplib.ReadJSON(r, &res); err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := h.cfg.Jobs.Report(r.Context(), device, id, &res, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJob(job), nil
}

type reportReq struct {
	// DeviceID is optional; when present it must match the
	// authenticated device.
	DeviceID string                 `json:"device_id,omitempty"`
	Items    []inventory.ReportItem `json:"items"`
}

// agentReport POST /api/v1/agent/installed-certs/report
func (h *Handler) agentReport(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	var req reportReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.DeviceID != "" && req.DeviceID != device.ID {
		return nil, trace.AccessDenied("device_id does not match the authenticated device")
	}
	result, err := h.cfg.Inventory.Report(r.Context(), device, req.Items)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// agentCleanup POST /api/v1/agent/cleanup
func (h *Handler) agentCleanup(w http.ResponseWriter, r *http.Request, p httprouter.Params, device *storage.Device) (interface{}, error) {
	var ev inventory.CleanupEvent
	if err := httplib.ReadJSON(r, &ev); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Inventory.RecordCleanup(r.Context(), device, &ev, clientIP(r)); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}
