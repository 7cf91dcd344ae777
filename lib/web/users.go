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
	"sort"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/storage"
)

type createUserReq struct {
	ADUsername             string `json:"ad_username"`
	Email                  string `json:"email,omitempty"`
	DisplayName            string `json:"display_name,omitempty"`
	RoleGlobal             string `json:"role_global,omitempty"`
	AutoApproveInstallJobs bool   `json:"auto_approve_install_jobs,omitempty"`
	Password               string `json:"password,omitempty"`
}

// createUser POST /api/v1/admin/users
//
// The new user lands in the creator's org. Without a password the account
// stays passwordless until a set-password token is redeemed.
func (h *Handler) createUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req createUserReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ADUsername == "" {
		return nil, trace.BadParameter("missing parameter ad_username")
	}
	role := storage.RoleView
	if req.RoleGlobal != "" {
		role = storage.Role(req.RoleGlobal)
		if !role.Valid() {
			return nil, trace.BadParameter("invalid role %q", req.RoleGlobal)
		}
	}
	user := &storage.User{
		OrgID:                  actor.OrgID,
		ADUsername:             req.ADUsername,
		Email:                  req.Email,
		DisplayName:            req.DisplayName,
		IsActive:               true,
		RoleGlobal:             role,
		AutoApproveInstallJobs: req.AutoApproveInstallJobs,
	}
	if req.Password != "" {
		hash, err := h.cfg.Tokens.HashPassword(req.Password)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		now := h.clock.Now().UTC()
		user.PasswordHash = hash
		user.PasswordSetAt = &now
	}

	var created *storage.User
	err := h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		var txErr error
		created, txErr = tx.CreateUser(r.Context(), user)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.UserCreated,
			EntityType:  events.EntityUser,
			EntityID:    created.ID,
			ActorUserID: actor.ID,
			IP:          clientIP(r),
			Meta:        map[string]any{"ad_username": created.ADUsername, "role": string(created.RoleGlobal)},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roundtrip.ReplyJSON(w, http.StatusCreated, makeUser(created))
	return nil, nil
}

// listUsers GET /api/v1/admin/users
func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	users, err := h.cfg.Store.ListUsers(r.Context(), actor.OrgID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeUsers(users), nil
}

type updateUserReq struct {
	Email                  *string `json:"email,omitempty"`
	DisplayName            *string `json:"display_name,omitempty"`
	RoleGlobal             *string `json:"role_global,omitempty"`
	IsActive               *bool   `json:"is_active,omitempty"`
	AutoApproveInstallJobs *bool   `json:"auto_approve_install_jobs,omitempty"`
}

// updateUser PATCH /api/v1/admin/users/:id
//
// ADMIN may edit contact fields; role, active state and the auto-approve
// flag move authorization boundaries and require DEV.
func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req updateUserReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), actor.OrgID, p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	privileged := req.RoleGlobal != nil || req.IsActive != nil || req.AutoApproveInstallJobs != nil
	if privileged && actor.RoleGlobal != storage.RoleDev {
		return nil, trace.AccessDenied("changing role, active state or auto-approval requires the DEV role")
	}

	changed := make([]string, 0, 5)
	if req.Email != nil && *req.Email != user.Email {
		user.Email = *req.Email
		changed = append(changed, "email")
	}
	if req.DisplayName != nil && *req.DisplayName != user.DisplayName {
		user.DisplayName = *req.DisplayName
		changed = append(changed, "display_name")
	}
	if req.RoleGlobal != nil {
		role := storage.Role(*req.RoleGlobal)
		if !role.Valid() {
			return nil, trace.BadParameter("invalid role %q", *req.RoleGlobal)
		}
		if role != user.RoleGlobal {
			user.RoleGlobal = role
			changed = append(changed, "role_global")
		}
	}
	if req.IsActive != nil && *req.IsActive != user.IsActive {
		user.IsActive = *req.IsActive
		changed = append(changed, "is_active")
	}
	if req.AutoApproveInstallJobs != nil && *req.AutoApproveInstallJobs != user.AutoApproveInstallJobs {
		user.AutoApproveInstallJobs = *req.AutoApproveInstallJobs
		changed = append(changed, "auto_approve_install_jobs")
	}
	if len(changed) == 0 {
		return makeUser(user), nil
	}
	sort.Strings(changed)

	var updated *storage.User
	err = h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		var txErr error
		updated, txErr = tx.UpdateUser(r.Context(), user)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.UserUpdated,
			EntityType:  events.EntityUser,
			EntityID:    user.ID,
			ActorUserID: actor.ID,
			IP:          clientIP(r),
			Meta:        map[string]any{"fields": strings.Join(changed, ",")},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeUser(updated), nil
}
