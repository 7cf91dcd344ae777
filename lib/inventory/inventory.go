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

// Package inventory tracks which certificates sit in each device's local
// store. Agents report full snapshots; rows absent from a snapshot are
// marked removed rather than deleted, so the history stays queryable.
package inventory

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/storage"
)

var (
	snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certhub_inventory_snapshots_total",
		Help: "Installed-cert snapshots reported by agents.",
	})
	removedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certhub_inventory_removed_total",
		Help: "Installed-cert rows marked removed after a snapshot.",
	})
)

func init() {
	prometheus.MustRegister(snapshotsTotal, removedTotal)
}

// Config holds the inventory service configuration.
type Config struct {
	// Store persists installed-cert rows.
	Store storage.Store
	// Logger emits inventory log messages.
	Logger *slog.Logger
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentInventory)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service reconciles agent snapshots into the installed-cert inventory.
type Service struct {
	store  storage.Store
	logger *slog.Logger
	clock  clockwork.Clock
}

// New returns an inventory service backed by the configured store.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{store: cfg.Store, logger: cfg.Logger, clock: cfg.Clock}, nil
}

// ReportItem is one certificate present in the agent's local store.
type ReportItem struct {
	Thumbprint        string              `json:"thumbprint"`
	Subject           string              `json:"subject,omitempty"`
	Issuer            string              `json:"issuer,omitempty"`
	SerialNumber      string              `json:"serial,omitempty"`
	NotBefore         *time.Time          `json:"not_before,omitempty"`
	NotAfter          *time.Time          `json:"not_after,omitempty"`
	InstalledViaAgent bool                `json:"installed_via_agent,omitempty"`
	CleanupMode       storage.CleanupMode `json:"cleanup_mode,omitempty"`
	KeepUntil         *time.Time          `json:"keep_until,omitempty"`
	KeepReason        string              `json:"keep_reason,omitempty"`
}

// ReportResult summarizes one snapshot reconcile.
type ReportResult struct {
	// Upserted is the number of rows inserted or refreshed.
	Upserted int `json:"upserted"`
	// Removed is the number of live rows absent from the snapshot.
	Removed int `json:"removed"`
}

// Report reconciles a full snapshot of the device's local store in one
// transaction: every item is upserted on (org, device, thumbprint) with
// last_seen_at stamped and removed_at cleared, then live rows missing
// from the snapshot are marked removed. An empty snapshot marks the
// whole inventory removed.
func (s *Service) Report(ctx context.Context, device *storage.Device, items []ReportItem) (*ReportResult, error) {
	now := s.clock.Now().UTC()
	keep := make([]string, 0, len(items))
	for i := range items {
		items[i].Thumbprint = strings.ToUpper(strings.TrimSpace(items[i].Thumbprint))
		if items[i].Thumbprint == "" {
			return nil, trace.BadParameter("item %d: missing parameter thumbprint", i)
		}
		if items[i].CleanupMode != "" && !items[i].CleanupMode.Valid() {
			return nil, trace.BadParameter("item %d: unknown cleanup_mode %q", i, items[i].CleanupMode)
		}
		keep = append(keep, items[i].Thumbprint)
	}

	result := &ReportResult{}
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		for _, item := range items {
			_, err := tx.UpsertInstalledCert(ctx, &storage.InstalledCert{
				OrgID:             device.OrgID,
				DeviceID:          device.ID,
				Thumbprint:        item.Thumbprint,
				Subject:           item.Subject,
				Issuer:            item.Issuer,
				SerialNumber:      item.SerialNumber,
				NotBefore:         item.NotBefore,
				NotAfter:          item.NotAfter,
				InstalledViaAgent: item.InstalledViaAgent,
				CleanupMode:       item.CleanupMode,
				KeepUntil:         item.KeepUntil,
				KeepReason:        item.KeepReason,
				LastSeenAt:        now,
			})
			if err != nil {
				return trace.Wrap(err)
			}
			result.Upserted++
		}
		removed, err := tx.MarkInstalledCertsRemoved(ctx, device.OrgID, device.ID, keep, now)
		if err != nil {
			return trace.Wrap(err)
		}
		result.Removed = removed
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snapshotsTotal.Inc()
	removedTotal.Add(float64(result.Removed))
	s.logger.DebugContext(ctx, "Reconciled installed-cert snapshot.",
		"device_id", device.ID,
		"upserted", result.Upserted,
		"removed", result.Removed,
	)
	return result, nil
}

// Scope selects which installed-cert rows a listing returns.
type Scope string

const (
	// ScopeAll returns every row regardless of origin.
	ScopeAll Scope = "all"
	// ScopeAgent returns only rows installed through the agent.
	ScopeAgent Scope = "agent"
)

// List returns the device's installed-cert rows, newest first. A VIEW
// role may only read devices assigned or linked to them.
func (s *Service) List(ctx context.Context, actor *storage.User, deviceID string, scope Scope, includeRemoved bool) ([]storage.InstalledCert, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopeAll && scope != ScopeAgent {
		return nil, trace.BadParameter("unknown scope %q", scope)
	}
	device, err := s.store.GetDevice(ctx, actor.OrgID, deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if actor.RoleGlobal == storage.RoleView {
		owns, err := s.ownsDevice(ctx, actor, device)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !owns {
			return nil, trace.AccessDenied("device %q is not assigned to you", device.Hostname)
		}
	}
	rows, err := s.store.ListInstalledCerts(ctx, actor.OrgID, device.ID, storage.InstalledCertFilter{
		AgentOnly:      scope == ScopeAgent,
		IncludeRemoved: includeRemoved,
	})
	return rows, trace.Wrap(err)
}

func (s *Service) ownsDevice(ctx context.Context, user *storage.User, device *storage.Device) (bool, error) {
	if device.AssignedUserID != nil && *device.AssignedUserID == user.ID {
		return true, nil
	}
	linked, err := s.store.ListUserDeviceIDs(ctx, user.OrgID, user.ID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return slices.Contains(linked, device.ID), nil
}

// CleanupEvent reports an agent's local retention sweep: certificates it
// removed from the device store because their jobs aged out.
type CleanupEvent struct {
	RemovedCount       int      `json:"removed_count"`
	FailedCount        int      `json:"failed_count"`
	RemovedThumbprints []string `json:"removed_thumbprints,omitempty"`
	FailedThumbprints  []string `json:"failed_thumbprints,omitempty"`
	Mode               string   `json:"mode,omitempty"`
	RanAtLocal         string   `json:"ran_at_local,omitempty"`
}

// RecordCleanup audits an agent cleanup sweep. The endpoint is
// audit-only: local removals show up in inventory through the next
// snapshot, not here.
func (s *Service) RecordCleanup(ctx context.Context, device *storage.Device, ev *CleanupEvent, ip string) error {
	if ev == nil {
		return trace.BadParameter("missing request body")
	}
	meta := map[string]any{
		"removed_count": ev.RemovedCount,
		"failed_count":  ev.FailedCount,
	}
	if len(ev.RemovedThumbprints) > 0 {
		meta["removed_thumbprints"] = strings.Join(ev.RemovedThumbprints, ",")
	}
	if len(ev.FailedThumbprints) > 0 {
		meta["failed_thumbprints"] = strings.Join(ev.FailedThumbprints, ",")
	}
	if ev.Mode != "" {
		meta["mode"] = ev.Mode
	}
	if ev.RanAtLocal != "" {
		meta["ran_at_local"] = ev.RanAtLocal
	}
	err := s.store.AppendAuditEvent(ctx, events.Event{
		OrgID:         device.OrgID,
		Action:        events.CertRemoved18H,
		EntityType:    events.EntityDevice,
		EntityID:      device.ID,
		ActorDeviceID: device.ID,
		IP:            ip,
		Meta:          meta,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Agent cleanup sweep recorded.",
		"device_id", device.ID,
		"removed", ev.RemovedCount,
		"failed", ev.FailedCount,
	)
	return nil
}
