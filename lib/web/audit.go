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
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/storage"
)

// listAudit GET /api/v1/audit
//
// ADMIN and DEV browse the whole org. VIEW is pinned to its own actor id
// regardless of the filters it sends.
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !actor.RoleGlobal.Elevated() {
		filter.ActorUserID = actor.ID
	}
	views, err := h.cfg.Store.ListAuditEventViews(r.Context(), actor.OrgID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeAuditEvents(views), nil
}

func parseAuditFilter(q map[string][]string) (storage.AuditFilter, error) {
	filter := storage.AuditFilter{Limit: defaults.AuditListLimit}
	if vals, ok := q["action"]; ok && len(vals) != 0 {
		for _, part := range strings.Split(vals[0], ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Actions = append(filter.Actions, part)
			}
		}
	}
	if vals, ok := q["entity_type"]; ok && len(vals) != 0 {
		filter.EntityType = vals[0]
	}
	if vals, ok := q["device_id"]; ok && len(vals) != 0 {
		filter.ActorDeviceID = vals[0]
	}
	if vals, ok := q["since"]; ok && len(vals) != 0 && vals[0] != "" {
		since, err := time.Parse(time.RFC3339, vals[0])
		if err != nil {
			return storage.AuditFilter{}, trace.BadParameter("invalid since %q: expected RFC 3339", vals[0])
		}
		filter.Since = since
	}
	if vals, ok := q["limit"]; ok && len(vals) != 0 && vals[0] != "" {
		limit, err := strconv.Atoi(vals[0])
		if err != nil || limit < 0 {
			return storage.AuditFilter{}, trace.BadParameter("invalid limit %q", vals[0])
		}
		if limit != 0 {
			filter.Limit = limit
		}
	}
	if filter.Limit > defaults.AuditListLimitMax {
		filter.Limit = defaults.AuditListLimitMax
	}
	return filter, nil
}
