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

package jobs

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/certhub/lib/storage"
)

// validateRetention checks the (cleanup_mode, keep_until, keep_reason)
// triple of an install request against the requester's role and the
// target device, normalizing the request in place. The accepted triple
// rides on the job row and is handed to the agent with the payload, so
// its local cleanup policy can honor it.
func (s *Service) validateRetention(user *storage.User, device *storage.Device, req *InstallRequest, now time.Time) error {
	if req.CleanupMode == "" {
		req.CleanupMode = storage.CleanupDefault
	}
	if !req.CleanupMode.Valid() {
		return trace.BadParameter("unknown cleanup_mode %q", req.CleanupMode)
	}

	switch req.CleanupMode {
	case storage.CleanupDefault:
		req.KeepUntil = nil
		req.KeepReason = ""

	case storage.CleanupKeepUntil:
		if req.KeepUntil == nil {
			return trace.BadParameter("keep_until is required for cleanup_mode KEEP_UNTIL")
		}
		keepUntil := req.KeepUntil.UTC()
		if !keepUntil.After(now) {
			return trace.BadParameter("keep_until must be in the future")
		}
		if user.RoleGlobal == storage.RoleView {
			horizon := now.Add(time.Duration(s.keepUntilMaxHours) * time.Hour)
			if keepUntil.After(horizon) {
				return trace.BadParameter("keep_until exceeds the allowed horizon of %v hours", s.keepUntilMaxHours)
			}
		}
		if !device.AllowKeepUntil {
			return trace.AccessDenied("cleanup_mode KEEP_UNTIL is not allowed for device %q", device.Hostname)
		}
		req.KeepUntil = &keepUntil
		req.KeepReason = ""

	case storage.CleanupExempt:
		if !user.RoleGlobal.Elevated() {
			return trace.AccessDenied("cleanup_mode EXEMPT requires the DEV or ADMIN role")
		}
		if req.KeepReason == "" {
			return trace.BadParameter("keep_reason is required for cleanup_mode EXEMPT")
		}
		if !device.AllowExempt {
			return trace.AccessDenied("cleanup_mode EXEMPT is not allowed for device %q", device.Hostname)
		}
		req.KeepUntil = nil
	}
	return nil
}
