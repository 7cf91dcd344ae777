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

// Package memory implements storage.Store on in-process maps. It backs
// unit tests and development runs without a database.
//
// A single mutex serializes all access, which trivially provides the
// row-level atomicity the conditional primitives require. WithTx holds
// the mutex for the whole closure and restores a snapshot on error, so
// transactional semantics match the postgres implementation. Records are
// stored by value; pointer fields are treated as immutable and replaced,
// never written through, which keeps snapshots safe.
package memory

import (
	"cmp"
	"context"
	"crypto/subtle"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/storage"
)

// Config holds parameters of the in-memory store.
type Config struct {
	// Clock stamps created/updated times.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type state struct {
	users     map[string]storage.User
	devices   map[string]storage.Device
	links     map[string]storage.UserDevice
	certs     map[int64]storage.Certificate
	jobs      map[int64]storage.InstallJob
	installed map[string]storage.InstalledCert
	tokens    map[int64]storage.AuthToken
	sessions  map[int64]storage.Session
	audit     []storage.AuditRecord

	nextCert    int64
	nextJob     int64
	nextToken   int64
	nextSession int64
	nextAudit   int64
}

func newState() *state {
	return &state{
		users:     make(map[string]storage.User),
		devices:   make(map[string]storage.Device),
		links:     make(map[string]storage.UserDevice),
		certs:     make(map[int64]storage.Certificate),
		jobs:      make(map[int64]storage.InstallJob),
		installed: make(map[string]storage.InstalledCert),
		tokens:    make(map[int64]storage.AuthToken),
		sessions:  make(map[int64]storage.Session),
	}
}

func (s *state) clone() *state {
	return &state{
		users:       maps.Clone(s.users),
		devices:     maps.Clone(s.devices),
		links:       maps.Clone(s.links),
		certs:       maps.Clone(s.certs),
		jobs:        maps.Clone(s.jobs),
		installed:   maps.Clone(s.installed),
		tokens:      maps.Clone(s.tokens),
		sessions:    maps.Clone(s.sessions),
		audit:       slices.Clone(s.audit),
		nextCert:    s.nextCert,
		nextJob:     s.nextJob,
		nextToken:   s.nextToken,
		nextSession: s.nextSession,
		nextAudit:   s.nextAudit,
	}
}

// Store is the in-memory storage.Store implementation.
type Store struct {
	clock clockwork.Clock

	mu    sync.Mutex
	state *state
}

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Store = (*txStore)(nil)
)

// New returns an empty in-memory store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{clock: cfg.Clock, state: newState()}, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

// WithTx implements storage.Store. The mutex is held for the whole
// closure; on error the pre-transaction snapshot is restored.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.state.clone()
	if err := fn(&txStore{s: s}); err != nil {
		s.state = saved
		return trace.Wrap(err)
	}
	return nil
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// txStore exposes the unlocked internals as a storage.Store while the
// parent's mutex is held by WithTx.
type txStore struct {
	s *Store
}

// WithTx on a transaction reuses the outer transaction.
func (t *txStore) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return nil }
func (t *txStore) Close() error                   { return nil }

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUser(user)
}

func (t *txStore) CreateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	return t.s.createUser(user)
}

func (s *Store) createUser(user *storage.User) (*storage.User, error) {
	if user.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if user.ADUsername == "" {
		return nil, trace.BadParameter("missing parameter ADUsername")
	}
	for _, u := range s.state.users {
		if u.OrgID == user.OrgID && u.ADUsername == user.ADUsername {
			return nil, trace.AlreadyExists("user %q already exists", user.ADUsername)
		}
	}
	u := *user
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	s.state.users[u.ID] = u
	out := u
	return &out, nil
}

func (s *Store) GetUser(ctx context.Context, orgID int64, id string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUser(orgID, id)
}

func (t *txStore) GetUser(ctx context.Context, orgID int64, id string) (*storage.User, error) {
	return t.s.getUser(orgID, id)
}

func (s *Store) getUser(orgID int64, id string) (*storage.User, error) {
	u, ok := s.state.users[id]
	if !ok || u.OrgID != orgID {
		return nil, trace.NotFound("user %q not found", id)
	}
	out := u
	return &out, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserBy(func(u storage.User) bool { return u.ID == id })
}

func (t *txStore) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	return t.s.getUserBy(func(u storage.User) bool { return u.ID == id })
}

func (s *Store) GetUserByADUsername(ctx context.Context, username string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserBy(func(u storage.User) bool { return u.ADUsername == username })
}

func (t *txStore) GetUserByADUsername(ctx context.Context, username string) (*storage.User, error) {
	return t.s.getUserBy(func(u storage.User) bool { return u.ADUsername == username })
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserBy(func(u storage.User) bool { return u.Email != "" && strings.EqualFold(u.Email, email) })
}

func (t *txStore) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return t.s.getUserBy(func(u storage.User) bool { return u.Email != "" && strings.EqualFold(u.Email, email) })
}

func (s *Store) getUserBy(match func(storage.User) bool) (*storage.User, error) {
	var found []storage.User
	for _, u := range s.state.users {
		if match(u) {
			found = append(found, u)
		}
	}
	if len(found) == 0 {
		return nil, trace.NotFound("user not found")
	}
	slices.SortFunc(found, func(a, b storage.User) int {
		return strings.Compare(a.ID, b.ID)
	})
	out := found[0]
	return &out, nil
}

func (s *Store) ListUsers(ctx context.Context, orgID int64) ([]storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listUsers(orgID)
}

func (t *txStore) ListUsers(ctx context.Context, orgID int64) ([]storage.User, error) {
	return t.s.listUsers(orgID)
}

func (s *Store) listUsers(orgID int64) ([]storage.User, error) {
	var out []storage.User
	for _, u := range s.state.users {
		if u.OrgID == orgID {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b storage.User) int {
		return strings.Compare(a.ADUsername, b.ADUsername)
	})
	return out, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUser(user)
}

func (t *txStore) UpdateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	return t.s.updateUser(user)
}

func (s *Store) updateUser(user *storage.User) (*storage.User, error) {
	existing, ok := s.state.users[user.ID]
	if !ok || existing.OrgID != user.OrgID {
		return nil, trace.NotFound("user %q not found", user.ID)
	}
	u := *user
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = s.now()
	s.state.users[u.ID] = u
	out := u
	return &out, nil
}

// ---- devices ----

func (s *Store) CreateDevice(ctx context.Context, device *storage.Device) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDevice(device)
}

func (t *txStore) CreateDevice(ctx context.Context, device *storage.Device) (*storage.Device, error) {
	return t.s.createDevice(device)
}

func (s *Store) createDevice(device *storage.Device) (*storage.Device, error) {
	if device.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if device.Hostname == "" {
		return nil, trace.BadParameter("missing parameter Hostname")
	}
	for _, d := range s.state.devices {
		if d.OrgID == device.OrgID && strings.EqualFold(d.Hostname, device.Hostname) {
			return nil, trace.AlreadyExists("device %q already exists", device.Hostname)
		}
	}
	d := *device
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.state.devices[d.ID] = d
	out := d
	return &out, nil
}

func (s *Store) GetDevice(ctx context.Context, orgID int64, id string) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDevice(orgID, id)
}

func (t *txStore) GetDevice(ctx context.Context, orgID int64, id string) (*storage.Device, error) {
	return t.s.getDevice(orgID, id)
}

func (s *Store) getDevice(orgID int64, id string) (*storage.Device, error) {
	d, ok := s.state.devices[id]
	if !ok || d.OrgID != orgID {
		return nil, trace.NotFound("device %q not found", id)
	}
	out := d
	return &out, nil
}

func (s *Store) GetDeviceByID(ctx context.Context, id string) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDeviceByID(id)
}

func (t *txStore) GetDeviceByID(ctx context.Context, id string) (*storage.Device, error) {
	return t.s.getDeviceByID(id)
}

func (s *Store) getDeviceByID(id string) (*storage.Device, error) {
	d, ok := s.state.devices[id]
	if !ok {
		return nil, trace.NotFound("device %q not found", id)
	}
	out := d
	return &out, nil
}

func (s *Store) ListDevices(ctx context.Context, orgID int64, filter storage.DeviceFilter) ([]storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDevices(orgID, filter)
}

func (t *txStore) ListDevices(ctx context.Context, orgID int64, filter storage.DeviceFilter) ([]storage.Device, error) {
	return t.s.listDevices(orgID, filter)
}

func (s *Store) listDevices(orgID int64, filter storage.DeviceFilter) ([]storage.Device, error) {
	var out []storage.Device
	for _, d := range s.state.devices {
		if d.OrgID != orgID {
			continue
		}
		if filter.AssignedUserID != "" && (d.AssignedUserID == nil || *d.AssignedUserID != filter.AssignedUserID) {
			continue
		}
		if filter.Hostname != "" && !strings.EqualFold(d.Hostname, filter.Hostname) {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b storage.Device) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})
	return out, nil
}

func (s *Store) UpdateDevice(ctx context.Context, device *storage.Device) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateDevice(device)
}

func (t *txStore) UpdateDevice(ctx context.Context, device *storage.Device) (*storage.Device, error) {
	return t.s.updateDevice(device)
}

func (s *Store) updateDevice(device *storage.Device) (*storage.Device, error) {
	existing, ok := s.state.devices[device.ID]
	if !ok || existing.OrgID != device.OrgID {
		return nil, trace.NotFound("device %q not found", device.ID)
	}
	d := *device
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = s.now()
	s.state.devices[d.ID] = d
	out := d
	return &out, nil
}

func linkKey(l storage.UserDevice) string {
	return l.UserID + "/" + l.DeviceID
}

func (s *Store) LinkUserDevice(ctx context.Context, link storage.UserDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkUserDevice(link)
}

func (t *txStore) LinkUserDevice(ctx context.Context, link storage.UserDevice) error {
	return t.s.linkUserDevice(link)
}

func (s *Store) linkUserDevice(link storage.UserDevice) error {
	if link.OrgID == 0 || link.UserID == "" || link.DeviceID == "" {
		return trace.BadParameter("user-device link requires OrgID, UserID and DeviceID")
	}
	key := linkKey(link)
	if _, ok := s.state.links[key]; ok {
		return nil
	}
	link.CreatedAt = s.now()
	s.state.links[key] = link
	return nil
}

func (s *Store) ListUserDeviceIDs(ctx context.Context, orgID int64, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listUserDeviceIDs(orgID, userID)
}

func (t *txStore) ListUserDeviceIDs(ctx context.Context, orgID int64, userID string) ([]string, error) {
	return t.s.listUserDeviceIDs(orgID, userID)
}

func (s *Store) listUserDeviceIDs(orgID int64, userID string) ([]string, error) {
	var out []string
	for _, l := range s.state.links {
		if l.OrgID == orgID && l.UserID == userID {
			out = append(out, l.DeviceID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// ---- certificates ----

func (s *Store) CreateCertificate(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCertificate(cert)
}

func (t *txStore) CreateCertificate(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	return t.s.createCertificate(cert)
}

func (s *Store) createCertificate(cert *storage.Certificate) (*storage.Certificate, error) {
	if cert.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if cert.Name == "" {
		return nil, trace.BadParameter("missing parameter Name")
	}
	// fingerprints are not checked here: batch ingest inserts duplicates
	// and collapses them in its dedupe pass
	for _, c := range s.state.certs {
		if c.OrgID == cert.OrgID && c.Name == cert.Name {
			return nil, trace.AlreadyExists("certificate %q already exists", cert.Name)
		}
	}
	c := *cert
	s.state.nextCert++
	c.ID = s.state.nextCert
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.state.certs[c.ID] = c
	out := c
	return &out, nil
}

func (s *Store) GetCertificate(ctx context.Context, orgID, id int64) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCertificate(orgID, id)
}

func (t *txStore) GetCertificate(ctx context.Context, orgID, id int64) (*storage.Certificate, error) {
	return t.s.getCertificate(orgID, id)
}

func (s *Store) getCertificate(orgID, id int64) (*storage.Certificate, error) {
	c, ok := s.state.certs[id]
	if !ok || c.OrgID != orgID {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	out := c
	return &out, nil
}

func (s *Store) getCertificateBy(orgID int64, match func(storage.Certificate) bool) (*storage.Certificate, error) {
	var found []storage.Certificate
	for _, c := range s.state.certs {
		if c.OrgID == orgID && match(c) {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return nil, trace.NotFound("certificate not found")
	}
	slices.SortFunc(found, func(a, b storage.Certificate) int {
		return cmp.Compare(a.ID, b.ID)
	})
	out := found[0]
	return &out, nil
}

func (s *Store) GetCertificateBySHA1(ctx context.Context, orgID int64, sha1 string) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCertificateBy(orgID, func(c storage.Certificate) bool {
		return c.SHA1Fingerprint != "" && c.SHA1Fingerprint == sha1
	})
}

func (t *txStore) GetCertificateBySHA1(ctx context.Context, orgID int64, sha1 string) (*storage.Certificate, error) {
	return t.s.getCertificateBy(orgID, func(c storage.Certificate) bool {
		return c.SHA1Fingerprint != "" && c.SHA1Fingerprint == sha1
	})
}

func (s *Store) GetCertificateBySerial(ctx context.Context, orgID int64, serial string) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCertificateBy(orgID, func(c storage.Certificate) bool {
		return c.SerialNumber != "" && c.SerialNumber == serial
	})
}

func (t *txStore) GetCertificateBySerial(ctx context.Context, orgID int64, serial string) (*storage.Certificate, error) {
	return t.s.getCertificateBy(orgID, func(c storage.Certificate) bool {
		return c.SerialNumber != "" && c.SerialNumber == serial
	})
}

func (s *Store) GetCertificateByName(ctx context.Context, orgID int64, name string) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCertificateBy(orgID, func(c storage.Certificate) bool { return c.Name == name })
}

func (t *txStore) GetCertificateByName(ctx context.Context, orgID int64, name string) (*storage.Certificate, error) {
	return t.s.getCertificateBy(orgID, func(c storage.Certificate) bool { return c.Name == name })
}

func (s *Store) GetCertificateBySourcePath(ctx context.Context, orgID int64, path string) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCertificateBy(orgID, func(c storage.Certificate) bool {
		return c.SourcePath != "" && c.SourcePath == path
	})
}

func (t *txStore) GetCertificateBySourcePath(ctx context.Context, orgID int64, path string) (*storage.Certificate, error) {
	return t.s.getCertificateBy(orgID, func(c storage.Certificate) bool {
		return c.SourcePath != "" && c.SourcePath == path
	})
}

func (s *Store) ListCertificates(ctx context.Context, orgID int64, filter storage.CertificateFilter) ([]storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCertificates(orgID, filter)
}

func (t *txStore) ListCertificates(ctx context.Context, orgID int64, filter storage.CertificateFilter) ([]storage.Certificate, error) {
	return t.s.listCertificates(orgID, filter)
}

func (s *Store) listCertificates(orgID int64, filter storage.CertificateFilter) ([]storage.Certificate, error) {
	var out []storage.Certificate
	for _, c := range s.state.certs {
		if c.OrgID != orgID {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(filter.Query)) {
			continue
		}
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		if filter.ParseOK != nil && c.ParseOK != *filter.ParseOK {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b storage.Certificate) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCertificate(cert)
}

func (t *txStore) UpdateCertificate(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	return t.s.updateCertificate(cert)
}

func (s *Store) updateCertificate(cert *storage.Certificate) (*storage.Certificate, error) {
	existing, ok := s.state.certs[cert.ID]
	if !ok || existing.OrgID != cert.OrgID {
		return nil, trace.NotFound("certificate %v not found", cert.ID)
	}
	c := *cert
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now()
	s.state.certs[c.ID] = c
	out := c
	return &out, nil
}

func (s *Store) DeleteCertificate(ctx context.Context, orgID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCertificate(orgID, id)
}

func (t *txStore) DeleteCertificate(ctx context.Context, orgID, id int64) error {
	return t.s.deleteCertificate(orgID, id)
}

func (s *Store) deleteCertificate(orgID, id int64) error {
	c, ok := s.state.certs[id]
	if !ok || c.OrgID != orgID {
		return trace.NotFound("certificate %v not found", id)
	}
	delete(s.state.certs, id)
	return nil
}

// ---- install jobs ----

func (s *Store) CreateInstallJob(ctx context.Context, job *storage.InstallJob) (*storage.InstallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createInstallJob(job)
}

func (t *txStore) CreateInstallJob(ctx context.Context, job *storage.InstallJob) (*storage.InstallJob, error) {
	return t.s.createInstallJob(job)
}

func (s *Store) createInstallJob(job *storage.InstallJob) (*storage.InstallJob, error) {
	if job.OrgID == 0 {
		return nil, trace.BadParameter("missing parameter OrgID")
	}
	if job.CertID == 0 || job.DeviceID == "" {
		return nil, trace.BadParameter("install job requires CertID and DeviceID")
	}
	j := *job
	s.state.nextJob++
	j.ID = s.state.nextJob
	now := s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Status == "" {
		j.Status = storage.JobStatusRequested
	}
	if j.CleanupMode == "" {
		j.CleanupMode = storage.CleanupDefault
	}
	s.state.jobs[j.ID] = j
	out := j
	return &out, nil
}

func (s *Store) GetInstallJob(ctx context.Context, orgID, id int64) (*storage.InstallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getInstallJob(orgID, id)
}

func (t *txStore) GetInstallJob(ctx context.Context, orgID, id int64) (*storage.InstallJob, error) {
	return t.s.getInstallJob(orgID, id)
}

func (s *Store) getInstallJob(orgID, id int64) (*storage.InstallJob, error) {
	j, ok := s.state.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, trace.NotFound("install job %v not found", id)
	}
	out := j
	return &out, nil
}

func (s *Store) ListInstallJobs(ctx context.Context, orgID int64, filter storage.JobFilter) ([]storage.InstallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listInstallJobs(orgID, filter)
}

func (t *txStore) ListInstallJobs(ctx context.Context, orgID int64, filter storage.JobFilter) ([]storage.InstallJob, error) {
	return t.s.listInstallJobs(orgID, filter)
}

func (s *Store) listInstallJobs(orgID int64, filter storage.JobFilter) ([]storage.InstallJob, error) {
	var out []storage.InstallJob
	for _, j := range s.state.jobs {
		if j.OrgID != orgID || !matchJob(j, filter) {
			continue
		}
		out = append(out, j)
	}
	sortJobs(out, filter.OrderAsc)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchJob(j storage.InstallJob, filter storage.JobFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, j.Status) {
		return false
	}
	if filter.DeviceID != "" && j.DeviceID != filter.DeviceID {
		return false
	}
	if len(filter.DeviceIDs) > 0 && !slices.Contains(filter.DeviceIDs, j.DeviceID) {
		return false
	}
	if filter.RequestedByUserID != "" && j.RequestedByUserID != filter.RequestedByUserID {
		return false
	}
	if !filter.CreatedAfter.IsZero() && j.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}
	if !filter.StartedBefore.IsZero() && (j.StartedAt == nil || j.StartedAt.After(filter.StartedBefore)) {
		return false
	}
	return true
}

func sortJobs(jobs []storage.InstallJob, asc bool) {
	slices.SortFunc(jobs, func(a, b storage.InstallJob) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if asc {
			return c
		}
		return -c
	})
}

func (s *Store) ListInstallJobViews(ctx context.Context, orgID int64, filter storage.JobFilter) ([]storage.InstallJobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listInstallJobViews(orgID, filter)
}

func (t *txStore) ListInstallJobViews(ctx context.Context, orgID int64, filter storage.JobFilter) ([]storage.InstallJobView, error) {
	return t.s.listInstallJobViews(orgID, filter)
}

func (s *Store) listInstallJobViews(orgID int64, filter storage.JobFilter) ([]storage.InstallJobView, error) {
	jobs, err := s.listInstallJobs(orgID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]storage.InstallJobView, 0, len(jobs))
	for _, j := range jobs {
		v := storage.InstallJobView{InstallJob: j}
		if c, ok := s.state.certs[j.CertID]; ok {
			v.CertName = c.Name
		}
		if d, ok := s.state.devices[j.DeviceID]; ok {
			v.DeviceHostname = d.Hostname
		}
		if u, ok := s.state.users[j.RequestedByUserID]; ok {
			v.RequestedByName = u.Label()
		}
		if j.ApprovedByUserID != nil {
			if u, ok := s.state.users[*j.ApprovedByUserID]; ok {
				v.ApprovedByName = u.Label()
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) ApproveInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*storage.InstallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleRequested(orgID, id, approverID, storage.JobStatusPending, now)
}

func (t *txStore) ApproveInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*storage.InstallJob, error) {
	return t.s.settleRequested(orgID, id, approverID, storage.JobStatusPending, now)
}

func (s *Store) DenyInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*storage.InstallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleRequested(orgID, id, approverID, storage.JobStatusCanceled, now)
}

func (t *txStore) DenyInstallJob(ctx context.Context, orgID, id int64, approverID string, now time.Time) (*storage.InstallJob, error) {
	return t.s.settleRequested(orgID, id, approverID, storage.JobStatusCanceled, now)
}

func (s *Store) settleRequested(orgID, id int64, approverID string, to storage.JobStatus, now time.Time) (*storage.InstallJob, error) {
	j, ok := s.state.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, trace.NotFound("install job %v not found", id)
	}
	if j.Status != storage.JobStatusRequested {
		return nil, trace.CompareFailed("install job %v is not REQUESTED", id)
	}
	now = now.UTC()
	j.Status = to
	j.ApprovedByUserID = &approverID
	j.ApprovedAt = &now
	if to == storage.JobStatusCanceled {
		j.FinishedAt = &now
	}
	j.UpdatedAt = now
	s.state.jobs[id] = j
	out := j
	return &out, nil
}

func (s *Store) ClaimInstallJob(ctx context.Context, orgID, id int64, deviceID, tokenHash string, expiresAt, now time.Time) (*storage.InstallJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimInstallJob(orgID, id, deviceID, tokenHash, expiresAt, now)
}

func (t *txStore) ClaimInstallJob(ctx context.Context, orgID, id int64, deviceID, tokenHash string, expiresAt, now time.Time) (*storage.InstallJob, bool, error) {
	return t.s.claimInstallJob(orgID, id, deviceID, tokenHash, expiresAt, now)
}

func (s *Store) claimInstallJob(orgID, id int64, deviceID, tokenHash string, expiresAt, now time.Time) (*storage.InstallJob, bool, error) {
	j, ok := s.state.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, false, trace.NotFound("install job %v not found", id)
	}
	now, expiresAt = now.UTC(), expiresAt.UTC()
	switch {
	case j.Status == storage.JobStatusPending && j.DeviceID == deviceID:
		j.Status = storage.JobStatusInProgress
		j.ClaimedByDeviceID = &deviceID
		j.ClaimedAt = &now
		j.StartedAt = &now
		j.PayloadTokenHash = tokenHash
		j.PayloadTokenExpiresAt = &expiresAt
		j.PayloadTokenUsedAt = nil
		j.PayloadTokenDeviceID = deviceID
		j.UpdatedAt = now
		s.state.jobs[id] = j
		out := j
		return &out, false, nil
	case j.Status == storage.JobStatusInProgress && j.ClaimedByDeviceID != nil && *j.ClaimedByDeviceID == deviceID:
		// Re-claim by the claiming device refreshes the payload token;
		// the previous token stops working.
		j.PayloadTokenHash = tokenHash
		j.PayloadTokenExpiresAt = &expiresAt
		j.PayloadTokenUsedAt = nil
		j.PayloadTokenDeviceID = deviceID
		j.UpdatedAt = now
		s.state.jobs[id] = j
		out := j
		return &out, true, nil
	default:
		return nil, false, trace.CompareFailed("install job %v cannot be claimed by device %v", id, deviceID)
	}
}

func (s *Store) ConsumePayloadToken(ctx context.Context, orgID, id int64, deviceID, presentedHash string, now time.Time) (*storage.InstallJob, storage.PayloadDenial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumePayloadToken(orgID, id, deviceID, presentedHash, now)
}

func (t *txStore) ConsumePayloadToken(ctx context.Context, orgID, id int64, deviceID, presentedHash string, now time.Time) (*storage.InstallJob, storage.PayloadDenial, error) {
	return t.s.consumePayloadToken(orgID, id, deviceID, presentedHash, now)
}

func (s *Store) consumePayloadToken(orgID, id int64, deviceID, presentedHash string, now time.Time) (*storage.InstallJob, storage.PayloadDenial, error) {
	j, ok := s.state.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, storage.PayloadDenialNone, trace.NotFound("install job %v not found", id)
	}
	out := j
	if j.Status != storage.JobStatusInProgress {
		return &out, storage.PayloadDenialJobNotInProgress, nil
	}
	if j.PayloadTokenUsedAt != nil {
		return &out, storage.PayloadDenialTokenUsed, nil
	}
	if j.PayloadTokenDeviceID != "" && j.PayloadTokenDeviceID != deviceID {
		return &out, storage.PayloadDenialDeviceMismatch, nil
	}
	if j.PayloadTokenHash == "" || j.PayloadTokenExpiresAt == nil {
		return &out, storage.PayloadDenialMissingToken, nil
	}
	if now.UTC().After(j.PayloadTokenExpiresAt.UTC()) {
		return &out, storage.PayloadDenialTokenExpired, nil
	}
	if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(j.PayloadTokenHash)) != 1 {
		return &out, storage.PayloadDenialTokenMismatch, nil
	}
	stamped := now.UTC()
	j.PayloadTokenUsedAt = &stamped
	j.UpdatedAt = stamped
	s.state.jobs[id] = j
	out = j
	return &out, storage.PayloadDenialNone, nil
}

func (s *Store) CompleteInstallJob(ctx context.Context, orgID, id int64, deviceID string, status storage.JobStatus, thumbprint, errorCode, errorMessage string, now time.Time) (*storage.InstallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeInstallJob(orgID, id, deviceID, status, thumbprint, errorCode, errorMessage, now)
}

func (t *txStore) CompleteInstallJob(ctx context.Context, orgID, id int64, deviceID string, status storage.JobStatus, thumbprint, errorCode, errorMessage string, now time.Time) (*storage.InstallJob, error) {
	return t.s.completeInstallJob(orgID, id, deviceID, status, thumbprint, errorCode, errorMessage, now)
}

func (s *Store) completeInstallJob(orgID, id int64, deviceID string, status storage.JobStatus, thumbprint, errorCode, errorMessage string, now time.Time) (*storage.InstallJob, error) {
	if status != storage.JobStatusDone && status != storage.JobStatusFailed {
		return nil, trace.BadParameter("result status must be DONE or FAILED, got %q", status)
	}
	j, ok := s.state.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, trace.NotFound("install job %v not found", id)
	}
	if j.Status != storage.JobStatusInProgress || j.DeviceID != deviceID {
		return nil, trace.CompareFailed("install job %v is not IN_PROGRESS for device %v", id, deviceID)
	}
	now = now.UTC()
	j.Status = status
	j.FinishedAt = &now
	j.Thumbprint = thumbprint
	j.ErrorCode = errorCode
	j.ErrorMessage = errorMessage
	j.UpdatedAt = now
	s.state.jobs[id] = j
	out := j
	return &out, nil
}

func (s *Store) ReapInstallJob(ctx context.Context, orgID, id int64, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reapInstallJob(orgID, id, cutoff, now)
}

func (t *txStore) ReapInstallJob(ctx context.Context, orgID, id int64, cutoff, now time.Time) (bool, error) {
	return t.s.reapInstallJob(orgID, id, cutoff, now)
}

func (s *Store) reapInstallJob(orgID, id int64, cutoff, now time.Time) (bool, error) {
	j, ok := s.state.jobs[id]
	if !ok || j.OrgID != orgID {
		return false, trace.NotFound("install job %v not found", id)
	}
	if j.Status != storage.JobStatusInProgress || j.StartedAt == nil || j.StartedAt.After(cutoff) {
		return false, nil
	}
	now = now.UTC()
	j.Status = storage.JobStatusFailed
	j.ErrorCode = "TIMEOUT"
	j.ErrorMessage = "install did not finish within the reap threshold"
	j.FinishedAt = &now
	j.UpdatedAt = now
	s.state.jobs[id] = j
	return true, nil
}

// ---- installed certs ----

// Device ids are uuids, so the device alone scopes the key.
func installedKey(deviceID, thumbprint string) string {
	return deviceID + "/" + thumbprint
}

func (s *Store) UpsertInstalledCert(ctx context.Context, cert *storage.InstalledCert) (*storage.InstalledCert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertInstalledCert(cert)
}

func (t *txStore) UpsertInstalledCert(ctx context.Context, cert *storage.InstalledCert) (*storage.InstalledCert, error) {
	return t.s.upsertInstalledCert(cert)
}

func (s *Store) upsertInstalledCert(cert *storage.InstalledCert) (*storage.InstalledCert, error) {
	if cert.OrgID == 0 || cert.DeviceID == "" || cert.Thumbprint == "" {
		return nil, trace.BadParameter("installed cert requires OrgID, DeviceID and Thumbprint")
	}
	key := installedKey(cert.DeviceID, cert.Thumbprint)
	now := s.now()
	c := *cert
	if existing, ok := s.state.installed[key]; ok {
		c.FirstSeenAt = existing.FirstSeenAt
	} else {
		c.FirstSeenAt = now
	}
	c.LastSeenAt = now
	c.RemovedAt = nil
	s.state.installed[key] = c
	out := c
	return &out, nil
}

func (s *Store) MarkInstalledCertsRemoved(ctx context.Context, orgID int64, deviceID string, keep []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markInstalledCertsRemoved(orgID, deviceID, keep, now)
}

func (t *txStore) MarkInstalledCertsRemoved(ctx context.Context, orgID int64, deviceID string, keep []string, now time.Time) (int, error) {
	return t.s.markInstalledCertsRemoved(orgID, deviceID, keep, now)
}

func (s *Store) markInstalledCertsRemoved(orgID int64, deviceID string, keep []string, now time.Time) (int, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, thumb := range keep {
		keepSet[thumb] = struct{}{}
	}
	now = now.UTC()
	marked := 0
	for key, c := range s.state.installed {
		if c.OrgID != orgID || c.DeviceID != deviceID || c.RemovedAt != nil {
			continue
		}
		if _, ok := keepSet[c.Thumbprint]; ok {
			continue
		}
		stamped := now
		c.RemovedAt = &stamped
		s.state.installed[key] = c
		marked++
	}
	return marked, nil
}

func (s *Store) ListInstalledCerts(ctx context.Context, orgID int64, deviceID string, filter storage.InstalledCertFilter) ([]storage.InstalledCert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listInstalledCerts(orgID, deviceID, filter)
}

func (t *txStore) ListInstalledCerts(ctx context.Context, orgID int64, deviceID string, filter storage.InstalledCertFilter) ([]storage.InstalledCert, error) {
	return t.s.listInstalledCerts(orgID, deviceID, filter)
}

func (s *Store) listInstalledCerts(orgID int64, deviceID string, filter storage.InstalledCertFilter) ([]storage.InstalledCert, error) {
	var out []storage.InstalledCert
	for _, c := range s.state.installed {
		if c.OrgID != orgID || c.DeviceID != deviceID {
			continue
		}
		if filter.AgentOnly && !c.InstalledViaAgent {
			continue
		}
		if !filter.IncludeRemoved && c.RemovedAt != nil {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b storage.InstalledCert) int {
		switch {
		case a.LastSeenAt.After(b.LastSeenAt):
			return -1
		case a.LastSeenAt.Before(b.LastSeenAt):
			return 1
		}
		return strings.Compare(a.Thumbprint, b.Thumbprint)
	})
	return out, nil
}

// ---- auth tokens ----

func (s *Store) CreateAuthToken(ctx context.Context, token *storage.AuthToken) (*storage.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAuthToken(token)
}

func (t *txStore) CreateAuthToken(ctx context.Context, token *storage.AuthToken) (*storage.AuthToken, error) {
	return t.s.createAuthToken(token)
}

func (s *Store) createAuthToken(token *storage.AuthToken) (*storage.AuthToken, error) {
	if token.OrgID == 0 || token.UserID == "" || token.TokenHash == "" {
		return nil, trace.BadParameter("auth token requires OrgID, UserID and TokenHash")
	}
	tk := *token
	s.state.nextToken++
	tk.ID = s.state.nextToken
	tk.CreatedAt = s.now()
	s.state.tokens[tk.ID] = tk
	out := tk
	return &out, nil
}

func (s *Store) GetAuthTokenByHash(ctx context.Context, hash string) (*storage.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAuthTokenByHash(hash)
}

func (t *txStore) GetAuthTokenByHash(ctx context.Context, hash string) (*storage.AuthToken, error) {
	return t.s.getAuthTokenByHash(hash)
}

func (s *Store) getAuthTokenByHash(hash string) (*storage.AuthToken, error) {
	for _, tk := range s.state.tokens {
		if subtle.ConstantTimeCompare([]byte(tk.TokenHash), []byte(hash)) == 1 {
			out := tk
			return &out, nil
		}
	}
	return nil, trace.NotFound("auth token not found")
}

func (s *Store) MarkAuthTokenUsed(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markAuthTokenUsed(id, now)
}

func (t *txStore) MarkAuthTokenUsed(ctx context.Context, id int64, now time.Time) error {
	return t.s.markAuthTokenUsed(id, now)
}

func (s *Store) markAuthTokenUsed(id int64, now time.Time) error {
	tk, ok := s.state.tokens[id]
	if !ok {
		return trace.NotFound("auth token %v not found", id)
	}
	stamped := now.UTC()
	tk.UsedAt = &stamped
	s.state.tokens[id] = tk
	return nil
}

func (s *Store) InvalidateAuthTokens(ctx context.Context, orgID int64, userID string, purpose storage.TokenPurpose, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateAuthTokens(orgID, userID, purpose, now)
}

func (t *txStore) InvalidateAuthTokens(ctx context.Context, orgID int64, userID string, purpose storage.TokenPurpose, now time.Time) (int, error) {
	return t.s.invalidateAuthTokens(orgID, userID, purpose, now)
}

func (s *Store) invalidateAuthTokens(orgID int64, userID string, purpose storage.TokenPurpose, now time.Time) (int, error) {
	stamped := now.UTC()
	n := 0
	for id, tk := range s.state.tokens {
		if tk.OrgID != orgID || tk.UserID != userID || tk.Purpose != purpose || tk.UsedAt != nil {
			continue
		}
		used := stamped
		tk.UsedAt = &used
		s.state.tokens[id] = tk
		n++
	}
	return n, nil
}

// ---- sessions ----

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSession(session)
}

func (t *txStore) CreateSession(ctx context.Context, session *storage.Session) (*storage.Session, error) {
	return t.s.createSession(session)
}

func (s *Store) createSession(session *storage.Session) (*storage.Session, error) {
	if session.OrgID == 0 || session.UserID == "" || session.RefreshTokenHash == "" {
		return nil, trace.BadParameter("session requires OrgID, UserID and RefreshTokenHash")
	}
	ses := *session
	s.state.nextSession++
	ses.ID = s.state.nextSession
	ses.CreatedAt = s.now()
	s.state.sessions[ses.ID] = ses
	out := ses
	return &out, nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, hash string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionByTokenHash(hash)
}

func (t *txStore) GetSessionByTokenHash(ctx context.Context, hash string) (*storage.Session, error) {
	return t.s.getSessionByTokenHash(hash)
}

func (s *Store) getSessionByTokenHash(hash string) (*storage.Session, error) {
	for _, ses := range s.state.sessions {
		if subtle.ConstantTimeCompare([]byte(ses.RefreshTokenHash), []byte(hash)) == 1 {
			out := ses
			return &out, nil
		}
	}
	return nil, trace.NotFound("session not found")
}

func (s *Store) RevokeSession(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeSession(id, now)
}

func (t *txStore) RevokeSession(ctx context.Context, id int64, now time.Time) error {
	return t.s.revokeSession(id, now)
}

func (s *Store) revokeSession(id int64, now time.Time) error {
	ses, ok := s.state.sessions[id]
	if !ok {
		return trace.NotFound("session %v not found", id)
	}
	stamped := now.UTC()
	ses.RevokedAt = &stamped
	s.state.sessions[id] = ses
	return nil
}

// ---- audit ----

func (s *Store) AppendAuditEvent(ctx context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditEvent(event)
}

func (t *txStore) AppendAuditEvent(ctx context.Context, event events.Event) error {
	return t.s.appendAuditEvent(event)
}

func (s *Store) appendAuditEvent(event events.Event) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	if event.Time.IsZero() {
		event.Time = s.now()
	}
	if event.Meta != nil {
		meta := make(map[string]any, len(event.Meta))
		for k, v := range event.Meta {
			meta[k] = v
		}
		event.Meta = meta
	}
	s.state.nextAudit++
	s.state.audit = append(s.state.audit, storage.AuditRecord{ID: s.state.nextAudit, Event: event})
	events.ObserveEmitted(event.Action)
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, orgID int64, filter storage.AuditFilter) ([]storage.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAuditEvents(orgID, filter)
}

func (t *txStore) ListAuditEvents(ctx context.Context, orgID int64, filter storage.AuditFilter) ([]storage.AuditRecord, error) {
	return t.s.listAuditEvents(orgID, filter)
}

func (s *Store) listAuditEvents(orgID int64, filter storage.AuditFilter) ([]storage.AuditRecord, error) {
	var out []storage.AuditRecord
	for i := len(s.state.audit) - 1; i >= 0; i-- {
		rec := s.state.audit[i]
		if rec.OrgID != orgID || !matchAudit(rec, filter) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func matchAudit(rec storage.AuditRecord, filter storage.AuditFilter) bool {
	if len(filter.Actions) > 0 && !slices.Contains(filter.Actions, rec.Action) {
		return false
	}
	if filter.EntityType != "" && rec.EntityType != filter.EntityType {
		return false
	}
	if filter.ActorUserID != "" && rec.ActorUserID != filter.ActorUserID {
		return false
	}
	if filter.ActorDeviceID != "" && rec.ActorDeviceID != filter.ActorDeviceID {
		return false
	}
	if !filter.Since.IsZero() && rec.Time.Before(filter.Since) {
		return false
	}
	return true
}

func (s *Store) ListAuditEventViews(ctx context.Context, orgID int64, filter storage.AuditFilter) ([]storage.AuditView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAuditEventViews(orgID, filter)
}

func (t *txStore) ListAuditEventViews(ctx context.Context, orgID int64, filter storage.AuditFilter) ([]storage.AuditView, error) {
	return t.s.listAuditEventViews(orgID, filter)
}

func (s *Store) listAuditEventViews(orgID int64, filter storage.AuditFilter) ([]storage.AuditView, error) {
	recs, err := s.listAuditEvents(orgID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]storage.AuditView, 0, len(recs))
	for _, rec := range recs {
		v := storage.AuditView{AuditRecord: rec}
		switch {
		case rec.ActorUserID != "":
			if u, ok := s.state.users[rec.ActorUserID]; ok {
				v.ActorLabel = u.Label()
			}
		case rec.ActorDeviceID != "":
			if d, ok := s.state.devices[rec.ActorDeviceID]; ok {
				v.ActorLabel = d.Hostname
			}
		}
		out = append(out, v)
	}
	return out, nil
}
