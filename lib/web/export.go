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
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/xuri/excelize/v2"

	"github.com/gravitational/certhub/lib/storage"
)

// Export periods. All resolve against the service clock in UTC.
const (
	periodLast15Days  = "last_15_days"
	periodThisMonth   = "this_month"
	periodLast6Months = "last_6_months"
)

// Export scopes. scopeAll requires an elevated role.
const (
	scopeAll      = "all"
	scopeMine     = "mine"
	scopeMyDevice = "my-device"
)

const exportSheet = "install_jobs"

var exportHeader = []interface{}{
	"id", "certificate", "device", "status", "requested_by",
	"approved_by", "created", "finished", "error_code",
	"cleanup_mode", "keep_until",
}

// exportJobs GET /api/v1/install-jobs/export
//
// Streams an xlsx workbook. The handler writes the response itself, so it
// returns nil to keep MakeHandler from replying again.
func (h *Handler) exportJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = periodLast15Days
	}
	since, err := h.periodStart(period)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filter := storage.JobFilter{CreatedAfter: since}

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = scopeMine
	}
	var views []storage.InstallJobView
	switch scope {
	case scopeAll:
		if !actor.RoleGlobal.Elevated() {
			return nil, trace.AccessDenied("role %v may not export all install jobs", actor.RoleGlobal)
		}
		views, err = h.cfg.Store.ListInstallJobViews(r.Context(), actor.OrgID, filter)
	case scopeMine:
		filter.RequestedByUserID = actor.ID
		views, err = h.cfg.Store.ListInstallJobViews(r.Context(), actor.OrgID, filter)
	case scopeMyDevice:
		views, err = h.myDeviceJobs(r.Context(), actor, filter)
	default:
		return nil, trace.BadParameter("invalid scope %q: expected all, mine or my-device", scope)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return nil, trace.Wrap(err)
	}
	for i, v := range views {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		row := []interface{}{
			v.ID,
			v.CertName,
			v.DeviceHostname,
			string(v.Status),
			v.RequestedByName,
			v.ApprovedByName,
			exportTime(&v.CreatedAt),
			exportTime(v.FinishedAt),
			v.ErrorCode,
			string(v.CleanupMode),
			exportTime(v.KeepUntil),
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=certhub-install-jobs-"+period+".xlsx")
	if err := f.Write(w); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to stream install job export.", "error", err)
	}
	return nil, nil
}

// periodStart maps a period token to its inclusive lower bound.
func (h *Handler) periodStart(period string) (time.Time, error) {
	now := h.clock.Now().UTC()
	switch period {
	case periodLast15Days:
		return now.AddDate(0, 0, -15), nil
	case periodThisMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case periodLast6Months:
		return now.AddDate(0, -6, 0), nil
	}
	return time.Time{}, trace.BadParameter("invalid period %q: expected last_15_days, this_month or last_6_months", period)
}

func exportTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
