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

// Package jobs drives install jobs through their lifecycle: operators
// request certificate installs, approvers gate them, device agents claim
// pending jobs, fetch the bundle under a short-lived single-use payload
// token and report the outcome. A reaper times out jobs whose agent
// went away mid-install.
package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/ingest"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/tokens"
)

var (
	claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certhub_job_claims_total",
		Help: "Install job claims by outcome.",
	}, []string{"outcome"})
	payloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certhub_payloads_total",
		Help: "Payload deliveries by result.",
	}, []string{"result"})
	resultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certhub_job_results_total",
		Help: "Agent-reported install results by status.",
	}, []string{"status"})
	reapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certhub_jobs_reaped_total",
		Help: "Stale IN_PROGRESS jobs failed by the reaper.",
	})
)

func init() {
	prometheus.MustRegister(claimsTotal, payloadsTotal, resultsTotal, reapedTotal)
}

// PayloadLimiter rate-limits agent payload fetches per device.
type PayloadLimiter interface {
	AllowAgentPayload(ctx context.Context, deviceID string) bool
}

// Config holds the job service configuration.
type Config struct {
	// Store persists jobs and audit records.
	Store storage.Store
	// Limiter rate-limits payload fetches. Optional; nil admits all.
	Limiter PayloadLimiter
	// KeepUntilMaxHours bounds how far ahead a VIEW role may set
	// keep_until, in hours.
	KeepUntilMaxHours int
	// Logger emits job service log messages.
	Logger *slog.Logger
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.KeepUntilMaxHours <= 0 {
		c.KeepUntilMaxHours = defaults.RetentionKeepUntilMaxHours
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentJobs)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service implements the install-job operations.
type Service struct {
	store             storage.Store
	limiter           PayloadLimiter
	keepUntilMaxHours int
	logger            *slog.Logger
	clock             clockwork.Clock
}

// New returns a job service backed by the configured store.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		store:             cfg.Store,
		limiter:           cfg.Limiter,
		keepUntilMaxHours: cfg.KeepUntilMaxHours,
		logger:            cfg.Logger,
		clock:             cfg.Clock,
	}, nil
}

// InstallRequest is an operator's request to install one certificate on
// one device.
type InstallRequest struct {
	// DeviceID names the target device.
	DeviceID string `json:"device_id"`
	// CleanupMode selects the agent-side retention policy. Empty means
	// DEFAULT.
	CleanupMode storage.CleanupMode `json:"cleanup_mode,omitempty"`
	// KeepUntil is the retention deadline for KEEP_UNTIL.
	KeepUntil *time.Time `json:"keep_until,omitempty"`
	// KeepReason justifies an EXEMPT retention.
	KeepReason string `json:"keep_reason,omitempty"`
}

// Request records a new install job for the certificate, targeted at the
// device named in req. The requester must see both the certificate and
// the device in their org, the device must be allowed, and a VIEW role
// may only target devices assigned or linked to them. Jobs start in
// REQUESTED unless the requester's role, the requester's flag or the
// device grants auto-approval, in which case they start PENDING with the
// approver stamped.
func (s *Service) Request(ctx context.Context, actor *storage.User, certID int64, req *InstallRequest, ip string) (*storage.InstallJob, error) {
	if req == nil || req.DeviceID == "" {
		return nil, trace.BadParameter("missing parameter device_id")
	}
	now := s.clock.Now().UTC()
	cert, err := s.store.GetCertificate(ctx, actor.OrgID, certID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	device, err := s.store.GetDevice(ctx, actor.OrgID, req.DeviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !device.IsAllowed {
		return nil, trace.AccessDenied("device %q is not allowed", device.Hostname)
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
	if err := s.validateRetention(actor, device, req, now); err != nil {
		return nil, trace.Wrap(err)
	}

	via := ""
	switch {
	case actor.RoleGlobal.Elevated():
		via = "role"
	case actor.AutoApproveInstallJobs:
		via = "flag"
	case device.AutoApprove:
		via = "device"
	}

	job := &storage.InstallJob{
		OrgID:             actor.OrgID,
		CertID:            cert.ID,
		DeviceID:          device.ID,
		RequestedByUserID: actor.ID,
		Status:            storage.JobStatusRequested,
		CleanupMode:       req.CleanupMode,
		KeepUntil:         req.KeepUntil,
		KeepReason:        req.KeepReason,
	}
	requester := actor.ID
	if via != "" {
		job.Status = storage.JobStatusPending
		job.ApprovedByUserID = &requester
		job.ApprovedAt = &now
	}
	if req.CleanupMode != storage.CleanupDefault {
		job.KeepSetByUserID = &requester
		job.KeepSetAt = &now
	}

	var created *storage.InstallJob
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		var txErr error
		created, txErr = tx.CreateInstallJob(ctx, job)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		jobID := strconv.FormatInt(created.ID, 10)
		txErr = tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       actor.OrgID,
			Action:      events.InstallRequested,
			EntityType:  events.EntityInstallJob,
			EntityID:    jobID,
			ActorUserID: actor.ID,
			IP:          ip,
			Meta: map[string]any{
				"cert_id":   created.CertID,
				"device_id": created.DeviceID,
			},
		})
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		if via != "" {
			txErr = tx.AppendAuditEvent(ctx, events.Event{
				OrgID:       actor.OrgID,
				Action:      events.InstallApproved,
				EntityType:  events.EntityInstallJob,
				EntityID:    jobID,
				ActorUserID: actor.ID,
				IP:          ip,
				Meta:        map[string]any{"auto": true, "via": via},
			})
			if txErr != nil {
				return trace.Wrap(txErr)
			}
		}
		if created.CleanupMode != storage.CleanupDefault {
			meta := map[string]any{"cleanup_mode": string(created.CleanupMode)}
			if created.KeepUntil != nil {
				meta["keep_until"] = created.KeepUntil.Format(time.RFC3339)
			}
			if created.KeepReason != "" {
				meta["keep_reason"] = created.KeepReason
			}
			txErr = tx.AppendAuditEvent(ctx, events.Event{
				OrgID:       actor.OrgID,
				Action:      events.RetentionSet,
				EntityType:  events.EntityInstallJob,
				EntityID:    jobID,
				ActorUserID: actor.ID,
				IP:          ip,
				Meta:        meta,
			})
			if txErr != nil {
				return trace.Wrap(txErr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Install job requested.",
		"job_id", created.ID,
		"cert_id", created.CertID,
		"device_id", created.DeviceID,
		"status", string(created.Status),
	)
	return created, nil
}

// ownsDevice reports whether the device is assigned or linked to the user.
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

// Approve moves a REQUESTED job to PENDING.
func (s *Service) Approve(ctx context.Context, actor *storage.User, jobID int64, ip string) (*storage.InstallJob, error) {
	return s.decide(ctx, actor, jobID, ip, true)
}

// Deny moves a REQUESTED job to CANCELED.
func (s *Service) Deny(ctx context.Context, actor *storage.User, jobID int64, ip string) (*storage.InstallJob, error) {
	return s.decide(ctx, actor, jobID, ip, false)
}

func (s *Service) decide(ctx context.Context, actor *storage.User, jobID int64, ip string, approve bool) (*storage.InstallJob, error) {
	if !actor.RoleGlobal.Elevated() {
		return nil, trace.AccessDenied("deciding install jobs requires the DEV or ADMIN role")
	}
	now := s.clock.Now().UTC()
	var job *storage.InstallJob
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		var txErr error
		if approve {
			job, txErr = tx.ApproveInstallJob(ctx, actor.OrgID, jobID, actor.ID, now)
		} else {
			job, txErr = tx.DenyInstallJob(ctx, actor.OrgID, jobID, actor.ID, now)
		}
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		action := events.InstallApproved
		meta := map[string]any{"auto": false}
		if !approve {
			action = events.InstallDenied
			meta = nil
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:       actor.OrgID,
			Action:      action,
			EntityType:  events.EntityInstallJob,
			EntityID:    strconv.FormatInt(jobID, 10),
			ActorUserID: actor.ID,
			IP:          ip,
			Meta:        meta,
		}))
	})
	if err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.BadParameter("job is not REQUESTED")
		}
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Install job decided.",
		"job_id", job.ID,
		"status", string(job.Status),
		"approved_by", actor.ID,
	)
	return job, nil
}

// Claim assigns a PENDING job to its device and mints the single-use
// payload token. A repeated claim by the same device refreshes the token
// and invalidates the previous one. The plaintext token is returned once
// and never stored.
func (s *Service) Claim(ctx context.Context, device *storage.Device, jobID int64, ip string) (*storage.InstallJobView, string, error) {
	plain, hash, err := tokens.NewOpaqueToken()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	expires := now.Add(defaults.PayloadTokenTTL)
	var job *storage.InstallJob
	var reclaimed bool
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		var txErr error
		job, reclaimed, txErr = tx.ClaimInstallJob(ctx, device.OrgID, jobID, device.ID, hash, expires, now)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:         device.OrgID,
			Action:        events.InstallClaimed,
			EntityType:    events.EntityInstallJob,
			EntityID:      strconv.FormatInt(jobID, 10),
			ActorDeviceID: device.ID,
			IP:            ip,
			Meta:          map[string]any{"reclaim": reclaimed},
		}))
	})
	if err != nil {
		if trace.IsCompareFailed(err) {
			claimsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, "", trace.Wrap(err)
	}
	outcome := "claimed"
	if reclaimed {
		outcome = "reclaimed"
	}
	claimsTotal.WithLabelValues(outcome).Inc()
	s.logger.InfoContext(ctx, "Install job claimed.",
		"job_id", job.ID,
		"device_id", device.ID,
		"reclaim", reclaimed,
	)
	return s.jobView(ctx, job, device), plain, nil
}

// Payload is the agent-facing delivery of one PKCS#12 bundle. Retention
// fields ride along when the job carries a non-default policy.
type Payload struct {
	JobID       int64               `json:"job_id"`
	CertID      int64               `json:"cert_id"`
	PFXBase64   string              `json:"pfx_base64"`
	Password    string              `json:"password"`
	SourcePath  string              `json:"source_path"`
	GeneratedAt time.Time           `json:"generated_at"`
	CleanupMode storage.CleanupMode `json:"cleanup_mode,omitempty"`
	KeepUntil   *time.Time          `json:"keep_until,omitempty"`
	KeepReason  string              `json:"keep_reason,omitempty"`
}

// Payload exchanges a payload token for the bundle bytes. The token is
// burned under a row lock before any bytes are read, so a replay of the
// same token is denied even when the first response never reached the
// agent. Every denial is audited with its reason.
func (s *Service) Payload(ctx context.Context, device *storage.Device, jobID int64, presentedToken, ip string) (*Payload, error) {
	now := s.clock.Now().UTC()
	if s.limiter != nil && !s.limiter.AllowAgentPayload(ctx, device.ID) {
		payloadsTotal.WithLabelValues("rate_limited").Inc()
		s.audit(ctx, events.Event{
			OrgID:         device.OrgID,
			Action:        events.PayloadRateLimited,
			EntityType:    events.EntityInstallJob,
			EntityID:      strconv.FormatInt(jobID, 10),
			ActorDeviceID: device.ID,
			IP:            ip,
		})
		return nil, trace.LimitExceeded("payload rate limit exceeded")
	}
	job, err := s.store.GetInstallJob(ctx, device.OrgID, jobID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if job.DeviceID != device.ID {
		return nil, s.denyPayload(ctx, device, jobID, storage.PayloadDenialDeviceMismatch, ip)
	}
	if job.Status != storage.JobStatusInProgress {
		return nil, s.denyPayload(ctx, device, jobID, storage.PayloadDenialJobNotInProgress, ip)
	}
	if job.ClaimedByDeviceID == nil || *job.ClaimedByDeviceID != device.ID {
		return nil, s.denyPayload(ctx, device, jobID, storage.PayloadDenialDeviceMismatch, ip)
	}
	if presentedToken == "" {
		return nil, s.denyPayload(ctx, device, jobID, storage.PayloadDenialMissingToken, ip)
	}

	presentedHash := tokens.HashToken(presentedToken)
	var denial storage.PayloadDenial
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		var txErr error
		job, denial, txErr = tx.ConsumePayloadToken(ctx, device.OrgID, jobID, device.ID, presentedHash, now)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		if denial != storage.PayloadDenialNone {
			return nil
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:         device.OrgID,
			Action:        events.PayloadIssued,
			EntityType:    events.EntityInstallJob,
			EntityID:      strconv.FormatInt(jobID, 10),
			ActorDeviceID: device.ID,
			IP:            ip,
			Meta:          map[string]any{"cert_id": job.CertID},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if denial != storage.PayloadDenialNone {
		return nil, s.denyPayload(ctx, device, jobID, denial, ip)
	}

	cert, err := s.store.GetCertificate(ctx, device.OrgID, job.CertID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := os.ReadFile(cert.SourcePath)
	if err != nil {
		s.logger.ErrorContext(ctx, "Payload source file is unreadable.",
			"job_id", jobID,
			"path", cert.SourcePath,
			"error", err,
		)
		return nil, trace.ConvertSystemError(err)
	}
	payloadsTotal.WithLabelValues("issued").Inc()
	s.logger.InfoContext(ctx, "Payload issued.",
		"job_id", jobID,
		"device_id", device.ID,
		"cert_id", job.CertID,
	)
	p := &Payload{
		JobID:       job.ID,
		CertID:      job.CertID,
		PFXBase64:   base64.StdEncoding.EncodeToString(data),
		Password:    ingest.PrimaryPassword(cert.SourcePath),
		SourcePath:  cert.SourcePath,
		GeneratedAt: now,
	}
	if job.CleanupMode != storage.CleanupDefault {
		p.CleanupMode = job.CleanupMode
		p.KeepUntil = job.KeepUntil
		p.KeepReason = job.KeepReason
	}
	return p, nil
}

// denyPayload audits a payload denial and returns the matching error.
// The audit commits on its own so the trail survives any surrounding
// rollback.
func (s *Service) denyPayload(ctx context.Context, device *storage.Device, jobID int64, reason storage.PayloadDenial, ip string) error {
	payloadsTotal.WithLabelValues(string(reason)).Inc()
	s.audit(ctx, events.Event{
		OrgID:         device.OrgID,
		Action:        events.PayloadDenied,
		EntityType:    events.EntityInstallJob,
		EntityID:      strconv.FormatInt(jobID, 10),
		ActorDeviceID: device.ID,
		IP:            ip,
		Meta:          map[string]any{"reason": string(reason)},
	})
	switch reason {
	case storage.PayloadDenialTokenUsed:
		return trace.CompareFailed("payload token already used")
	case storage.PayloadDenialTokenExpired:
		return &httplib.StatusError{Code: http.StatusGone, Err: errors.New("payload token expired")}
	case storage.PayloadDenialMissingToken:
		return &httplib.StatusError{Code: http.StatusPreconditionRequired, Err: errors.New("payload token required")}
	case storage.PayloadDenialJobNotInProgress:
		return trace.BadParameter("job is not IN_PROGRESS")
	default:
		return trace.AccessDenied("payload denied: %v", reason)
	}
}

// Result is an agent's report of a finished install.
type Result struct {
	// Status is DONE or FAILED.
	Status storage.JobStatus `json:"status"`
	// Thumbprint is the installed certificate's thumbprint on success.
	Thumbprint string `json:"thumbprint,omitempty"`
	// ErrorCode is a stable failure identifier.
	ErrorCode string `json:"error_code,omitempty"`
	// ErrorMessage is the human-readable failure detail.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Report records the agent's install outcome. Only the claiming device
// can complete its IN_PROGRESS job; a report for a job already terminal
// is audited as a duplicate, any other rejected report as denied, and
// both return a conflict.
func (s *Service) Report(ctx context.Context, device *storage.Device, jobID int64, res *Result, ip string) (*storage.InstallJob, error) {
	if res == nil || (res.Status != storage.JobStatusDone && res.Status != storage.JobStatusFailed) {
		return nil, trace.BadParameter("status must be DONE or FAILED")
	}
	now := s.clock.Now().UTC()
	var job *storage.InstallJob
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		var txErr error
		job, txErr = tx.CompleteInstallJob(ctx, device.OrgID, jobID, device.ID, res.Status, res.Thumbprint, res.ErrorCode, res.ErrorMessage, now)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		action := events.InstallDone
		meta := map[string]any{}
		if res.Thumbprint != "" {
			meta["thumbprint"] = res.Thumbprint
		}
		if res.Status == storage.JobStatusFailed {
			action = events.InstallFailed
			if res.ErrorCode != "" {
				meta["error_code"] = res.ErrorCode
			}
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:         device.OrgID,
			Action:        action,
			EntityType:    events.EntityInstallJob,
			EntityID:      strconv.FormatInt(jobID, 10),
			ActorDeviceID: device.ID,
			IP:            ip,
			Meta:          meta,
		}))
	})
	if err != nil {
		if trace.IsCompareFailed(err) {
			return nil, s.denyResult(ctx, device, jobID, ip)
		}
		return nil, trace.Wrap(err)
	}
	resultsTotal.WithLabelValues(string(res.Status)).Inc()
	s.logger.InfoContext(ctx, "Install result recorded.",
		"job_id", job.ID,
		"device_id", device.ID,
		"status", string(job.Status),
	)
	return job, nil
}

// denyResult audits a rejected result report. A terminal job means the
// agent retried a report already recorded; anything else is a report for
// a job the device does not hold.
func (s *Service) denyResult(ctx context.Context, device *storage.Device, jobID int64, ip string) error {
	action := events.ResultDenied
	if job, err := s.store.GetInstallJob(ctx, device.OrgID, jobID); err == nil && job.Status.Terminal() {
		action = events.ResultDuplicate
	}
	s.audit(ctx, events.Event{
		OrgID:         device.OrgID,
		Action:        action,
		EntityType:    events.EntityInstallJob,
		EntityID:      strconv.FormatInt(jobID, 10),
		ActorDeviceID: device.ID,
		IP:            ip,
	})
	if action == events.ResultDuplicate {
		return trace.CompareFailed("result already recorded for job %v", jobID)
	}
	return trace.CompareFailed("job %v is not IN_PROGRESS for this device", jobID)
}

// Reap fails IN_PROGRESS jobs whose agent stopped reporting before the
// threshold, stamping error_code TIMEOUT. Returns how many jobs were
// reaped. Each job is reaped in its own transaction so one failure does
// not abort the sweep.
func (s *Service) Reap(ctx context.Context, actor *storage.User, thresholdMinutes int, ip string) (int, error) {
	if !actor.RoleGlobal.Elevated() {
		return 0, trace.AccessDenied("reaping install jobs requires the DEV or ADMIN role")
	}
	threshold := defaults.ReapThreshold
	if thresholdMinutes != 0 {
		threshold = time.Duration(thresholdMinutes) * time.Minute
		if threshold < defaults.ReapThresholdMin || threshold > defaults.ReapThresholdMax {
			return 0, trace.BadParameter("threshold_minutes must be between %d and %d",
				int(defaults.ReapThresholdMin/time.Minute), int(defaults.ReapThresholdMax/time.Minute))
		}
	}
	now := s.clock.Now().UTC()
	cutoff := now.Add(-threshold)
	stale, err := s.store.ListInstallJobs(ctx, actor.OrgID, storage.JobFilter{
		Statuses:      []storage.JobStatus{storage.JobStatusInProgress},
		StartedBefore: cutoff,
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	reaped := 0
	for _, job := range stale {
		var ok bool
		err := s.store.WithTx(ctx, func(tx storage.Store) error {
			var txErr error
			ok, txErr = tx.ReapInstallJob(ctx, actor.OrgID, job.ID, cutoff, now)
			if txErr != nil {
				return trace.Wrap(txErr)
			}
			if !ok {
				return nil
			}
			return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
				OrgID:       actor.OrgID,
				Action:      events.JobReaped,
				EntityType:  events.EntityInstallJob,
				EntityID:    strconv.FormatInt(job.ID, 10),
				ActorUserID: actor.ID,
				IP:          ip,
				Meta: map[string]any{
					"device_id":         job.DeviceID,
					"threshold_minutes": int(threshold / time.Minute),
				},
			}))
		})
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to reap install job.", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			reaped++
			reapedTotal.Inc()
		}
	}
	s.logger.InfoContext(ctx, "Reaper pass finished.", "reaped", reaped, "threshold", threshold.String())
	return reaped, nil
}

// ListForDevice returns the device's actionable jobs: PENDING and
// IN_PROGRESS, oldest first.
func (s *Service) ListForDevice(ctx context.Context, device *storage.Device) ([]storage.InstallJobView, error) {
	views, err := s.store.ListInstallJobViews(ctx, device.OrgID, storage.JobFilter{
		Statuses: []storage.JobStatus{storage.JobStatusPending, storage.JobStatusInProgress},
		DeviceID: device.ID,
		OrderAsc: true,
	})
	return views, trace.Wrap(err)
}

// jobView decorates a job row with display labels for agent responses.
// Label lookups are best effort; a missing label never fails the claim.
func (s *Service) jobView(ctx context.Context, job *storage.InstallJob, device *storage.Device) *storage.InstallJobView {
	view := &storage.InstallJobView{InstallJob: *job, DeviceHostname: device.Hostname}
	if cert, err := s.store.GetCertificate(ctx, job.OrgID, job.CertID); err == nil {
		view.CertName = cert.Name
	}
	if u, err := s.store.GetUser(ctx, job.OrgID, job.RequestedByUserID); err == nil {
		view.RequestedByName = u.Label()
	}
	if job.ApprovedByUserID != nil {
		if u, err := s.store.GetUser(ctx, job.OrgID, *job.ApprovedByUserID); err == nil {
			view.ApprovedByName = u.Label()
		}
	}
	return view
}

// audit appends an event outside any caller transaction so denial trails
// survive rollbacks. Append failures are logged, never returned.
func (s *Service) audit(ctx context.Context, ev events.Event) {
	if err := s.store.AppendAuditEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "Failed to append audit event.", "action", ev.Action, "error", err)
	}
}
