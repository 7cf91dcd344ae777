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
	"context"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/inventory"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/tokens"
)

type createDeviceReq struct {
	Hostname       string `json:"hostname"`
	OSName         string `json:"os_name,omitempty"`
	OSVersion      string `json:"os_version,omitempty"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
	AutoApprove    bool   `json:"auto_approve,omitempty"`
	AllowKeepUntil bool   `json:"allow_keep_until,omitempty"`
	AllowExempt    bool   `json:"allow_exempt,omitempty"`
}

type deviceTokenResponse struct {
	Device deviceView `json:"device"`
	// DeviceToken is the plaintext agent credential, returned exactly
	// once. The server keeps only its digest.
	DeviceToken string `json:"device_token"`
}

// createDevice POST /api/v1/admin/devices
func (h *Handler) createDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req createDeviceReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Hostname == "" {
		return nil, trace.BadParameter("missing parameter hostname")
	}
	if req.AutoApprove && actor.RoleGlobal != storage.RoleDev {
		return nil, trace.AccessDenied("auto-approve devices require the DEV role")
	}
	device := &storage.Device{
		OrgID:          actor.OrgID,
		Hostname:       req.Hostname,
		OSName:         req.OSName,
		OSVersion:      req.OSVersion,
		IsAllowed:      true,
		AutoApprove:    req.AutoApprove,
		AllowKeepUntil: req.AllowKeepUntil,
		AllowExempt:    req.AllowExempt,
	}
	if req.AssignedUserID != "" {
		if _, err := h.cfg.Store.GetUser(r.Context(), actor.OrgID, req.AssignedUserID); err != nil {
			if trace.IsNotFound(err) {
				return nil, trace.BadParameter("assigned user %q not found", req.AssignedUserID)
			}
			return nil, trace.Wrap(err)
		}
		device.AssignedUserID = &req.AssignedUserID
	}
	plain, hash, err := tokens.NewOpaqueToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.clock.Now().UTC()
	device.DeviceTokenHash = hash
	device.TokenCreatedAt = &now

	var created *storage.Device
	err = h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		var txErr error
		created, txErr = tx.CreateDevice(r.Context(), device)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.DeviceCreated,
			EntityType:  events.EntityDevice,
			EntityID:    created.ID,
			ActorUserID: actor.ID,
			IP:          clientIP(r),
			Meta:        map[string]any{"hostname": created.Hostname},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roundtrip.ReplyJSON(w, http.StatusCreated, deviceTokenResponse{Device: makeDevice(created), DeviceToken: plain})
	return nil, nil
}

// listDevices GET /api/v1/admin/devices
//
// Elevated roles see the whole org; a VIEW role sees only devices
// assigned or linked to them.
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	if actor.RoleGlobal.Elevated() {
		devices, err := h.cfg.Store.ListDevices(r.Context(), actor.OrgID, storage.DeviceFilter{})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return makeDevices(devices), nil
	}
	devices, err := h.ownedDevices(r.Context(), actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeDevices(devices), nil
}

// listMyDevices GET /api/v1/devices/mine
func (h *Handler) listMyDevices(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	devices, err := h.ownedDevices(r.Context(), actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeDevices(devices), nil
}

// ownedDevices returns the devices assigned to the user plus those linked
// through the allow list, without duplicates.
func (h *Handler) ownedDevices(ctx context.Context, actor *storage.User) ([]storage.Device, error) {
	devices, err := h.cfg.Store.ListDevices(ctx, actor.OrgID, storage.DeviceFilter{AssignedUserID: actor.ID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	seen := make([]string, 0, len(devices))
	for _, d := range devices {
		seen = append(seen, d.ID)
	}
	linked, err := h.cfg.Store.ListUserDeviceIDs(ctx, actor.OrgID, actor.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, id := range linked {
		if slices.Contains(seen, id) {
			continue
		}
		device, err := h.cfg.Store.GetDevice(ctx, actor.OrgID, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		devices = append(devices, *device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return strings.ToLower(devices[i].Hostname) < strings.ToLower(devices[j].Hostname)
	})
	return devices, nil
}

type updateDeviceReq struct {
	Hostname       *string `json:"hostname,omitempty"`
	OSName         *string `json:"os_name,omitempty"`
	OSVersion      *string `json:"os_version,omitempty"`
	IsAllowed      *bool   `json:"is_allowed,omitempty"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	AutoApprove    *bool   `json:"auto_approve,omitempty"`
	AllowKeepUntil *bool   `json:"allow_keep_until,omitempty"`
	AllowExempt    *bool   `json:"allow_exempt,omitempty"`
}

// updateDevice PATCH /api/v1/admin/devices/:id
//
// An empty assigned_user_id clears the assignment. Toggling auto_approve
// changes who can bypass approval and requires DEV.
func (h *Handler) updateDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req updateDeviceReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.AutoApprove != nil && actor.RoleGlobal != storage.RoleDev {
		return nil, trace.AccessDenied("changing auto-approval requires the DEV role")
	}
	device, err := h.cfg.Store.GetDevice(r.Context(), actor.OrgID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	changed := make([]string, 0, 8)
	if req.Hostname != nil && *req.Hostname != device.Hostname {
		if *req.Hostname == "" {
			return nil, trace.BadParameter("hostname may not be empty")
		}
		device.Hostname = *req.Hostname
		changed = append(changed, "hostname")
	}
	if req.OSName != nil && *req.OSName != device.OSName {
		device.OSName = *req.OSName
		changed = append(changed, "os_name")
	}
	if req.OSVersion != nil && *req.OSVersion != device.OSVersion {
		device.OSVersion = *req.OSVersion
		changed = append(changed, "os_version")
	}
	if req.IsAllowed != nil && *req.IsAllowed != device.IsAllowed {
		device.IsAllowed = *req.IsAllowed
		changed = append(changed, "is_allowed")
	}
	if req.AssignedUserID != nil {
		switch {
		case *req.AssignedUserID == "":
			if device.AssignedUserID != nil {
				device.AssignedUserID = nil
				changed = append(changed, "assigned_user_id")
			}
		case device.AssignedUserID == nil || *device.AssignedUserID != *req.AssignedUserID:
			if _, err := h.cfg.Store.GetUser(r.Context(), actor.OrgID, *req.AssignedUserID); err != nil {
				if trace.IsNotFound(err) {
					return nil, trace.BadParameter("assigned user %q not found", *req.AssignedUserID)
				}
				return nil, trace.Wrap(err)
			}
			device.AssignedUserID = req.AssignedUserID
			changed = append(changed, "assigned_user_id")
		}
	}
	if req.AutoApprove != nil && *req.AutoApprove != device.AutoApprove {
		device.AutoApprove = *req.AutoApprove
		changed = append(changed, "auto_approve")
	}
	if req.AllowKeepUntil != nil && *req.AllowKeepUntil != device.AllowKeepUntil {
		device.AllowKeepUntil = *req.AllowKeepUntil
		changed = append(changed, "allow_keep_until")
	}
	if req.AllowExempt != nil && *req.AllowExempt != device.AllowExempt {
		device.AllowExempt = *req.AllowExempt
		changed = append(changed, "allow_exempt")
	}
	if len(changed) == 0 {
		return makeDevice(device), nil
	}
	sort.Strings(changed)

	var updated *storage.Device
	err = h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		var txErr error
		updated, txErr = tx.UpdateDevice(r.Context(), device)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.DeviceUpdated,
			EntityType:  events.EntityDevice,
			EntityID:    device.ID,
			ActorUserID: actor.ID,
			IP:          clientIP(r),
			Meta:        map[string]any{"fields": strings.Join(changed, ",")},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeDevice(updated), nil
}

// rotateDeviceToken POST /api/v1/admin/devices/:id/rotate-token
//
// The previous token stops authenticating the moment the new digest is
// stored; live device JWTs ride out their short TTL.
func (h *Handler) rotateDeviceToken(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	device, err := h.cfg.Store.GetDevice(r.Context(), actor.OrgID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plain, hash, err := tokens.NewOpaqueToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.clock.Now().UTC()
	device.DeviceTokenHash = hash
	device.TokenCreatedAt = &now

	var updated *storage.Device
	err = h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		var txErr error
		updated, txErr = tx.UpdateDevice(r.Context(), device)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.DeviceTokenRotated,
			EntityType:  events.EntityDevice,
			EntityID:    device.ID,
			ActorUserID: actor.ID,
			IP:          clientIP(r),
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return deviceTokenResponse{Device: makeDevice(updated), DeviceToken: plain}, nil
}

type linkDeviceUserReq struct {
	UserID string `json:"user_id"`
}

// linkDeviceUser POST /api/v1/admin/devices/:id/users
func (h *Handler) linkDeviceUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req linkDeviceUserReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.UserID == "" {
		return nil, trace.BadParameter("missing parameter user_id")
	}
	device, err := h.cfg.Store.GetDevice(r.Context(), actor.OrgID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), actor.OrgID, req.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.BadParameter("user %q not found", req.UserID)
		}
		return nil, trace.Wrap(err)
	}
	err = h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		if txErr := tx.LinkUserDevice(r.Context(), storage.UserDevice{
			OrgID:    actor.OrgID,
			UserID:   user.ID,
			DeviceID: device.ID,
		}); txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.UserDeviceLinked,
			EntityType:  events.EntityDevice,
			EntityID:    device.ID,
			ActorUserID: actor.ID,
			IP:          clientIP(r),
			Meta:        map[string]any{"user_id": user.ID},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// listInstalledCerts GET /api/v1/devices/:id/installed-certs
func (h *Handler) listInstalledCerts(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	q := r.URL.Query()
	includeRemoved := false
	if v := q.Get("include_removed"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, trace.BadParameter("invalid include_removed %q", v)
		}
		includeRemoved = parsed
	}
	rows, err := h.cfg.Inventory.List(r.Context(), actor, p.ByName("id"), inventory.Scope(q.Get("scope")), includeRemoved)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeInstalledCerts(rows), nil
}
