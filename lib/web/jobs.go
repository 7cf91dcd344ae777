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
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/storage"
)

// parseJobFilter builds a job listing filter from query parameters.
// status accepts a comma-separated list.
func parseJobFilter(q map[string][]string) (storage.JobFilter, error) {
	var filter storage.JobFilter
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	if v := get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := storage.JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
			switch status {
			case storage.JobStatusRequested, storage.JobStatusPending, storage.JobStatusInProgress,
				storage.JobStatusDone, storage.JobStatusFailed, storage.JobStatusCanceled, storage.JobStatusExpired:
			default:
				return filter, trace.BadParameter("invalid status %q", raw)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	filter.DeviceID = get("device_id")
	if v := get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, trace.BadParameter("invalid limit %q", v)
		}
		filter.Limit = limit
	}
	return filter, nil
}

// listJobs GET /api/v1/install-jobs
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	filter, err := parseJobFilter(r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views, err := h.cfg.Store.ListInstallJobViews(r.Context(), actor.OrgID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJobViews(views), nil
}

// listMyJobs GET /api/v1/install-jobs/mine
func (h *Handler) listMyJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	filter, err := parseJobFilter(r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filter.RequestedByUserID = actor.ID
	views, err := h.cfg.Store.ListInstallJobViews(r.Context(), actor.OrgID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJobViews(views), nil
}

// listMyDeviceJobs GET /api/v1/install-jobs/my-device
//
// Lists jobs targeting any device assigned or linked to the caller.
func (h *Handler) listMyDeviceJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	filter, err := parseJobFilter(r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views, err := h.myDeviceJobs(r.Context(), actor, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJobViews(views), nil
}

func (h *Handler) myDeviceJobs(ctx context.Context, actor *storage.User, filter storage.JobFilter) ([]storage.InstallJobView, error) {
	devices, err := h.ownedDevices(ctx, actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(devices) == 0 {
		return nil, nil
	}
	filter.DeviceIDs = make([]string, 0, len(devices))
	for _, d := range devices {
		filter.DeviceIDs = append(filter.DeviceIDs, d.ID)
	}
	views, err := h.cfg.Store.ListInstallJobViews(ctx, actor.OrgID, filter)
	return views, trace.Wrap(err)
}

// approveJob POST /api/v1/install-jobs/:id/approve
func (h *Handler) approveJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	id, err := paramID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := h.cfg.Jobs.Approve(r.Context(), actor, id, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJob(job), nil
}

// denyJob POST /api/v1/install-jobs/:id/deny
func (h *Handler) denyJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	id, err := paramID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := h.cfg.Jobs.Deny(r.Context(), actor, id, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeJob(job), nil
}

// reapJobs POST /api/v1/admin/jobs/reap
func (h *Handler) reapJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	threshold := 0
	if v := r.URL.Query().Get("threshold_minutes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return nil, trace.BadParameter("invalid threshold_minutes %q", v)
		}
		threshold = parsed
	}
	reaped, err := h.cfg.Jobs.Reap(r.Context(), actor, threshold, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"reaped": reaped}, nil
}
