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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/certhub/lib/authn"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/inventory"
	"github.com/gravitational/certhub/lib/jobs"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/storage/memory"
	"github.com/gravitational/certhub/lib/tokens"
)

const testPassword = "correct horse"

type testPack struct {
	clock  *clockwork.FakeClock
	store  *memory.Store
	tokens *tokens.Service
	srv    *httptest.Server
}

func newPack(t *testing.T, mut func(*Config)) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	// MinCost keeps the bcrypt work out of the test runtime.
	tok, err := tokens.New(tokens.Config{Secret: []byte("test-secret"), BcryptCost: 4, Clock: clock})
	require.NoError(t, err)
	authnSvc, err := authn.New(authn.Config{Store: store, Tokens: tok, Clock: clock})
	require.NoError(t, err)
	jobsSvc, err := jobs.New(jobs.Config{Store: store, Clock: clock})
	require.NoError(t, err)
	inventorySvc, err := inventory.New(inventory.Config{Store: store, Clock: clock})
	require.NoError(t, err)
	cfg := Config{
		Store:          store,
		Tokens:         tok,
		Authn:          authnSvc,
		Jobs:           jobsSvc,
		Inventory:      inventorySvc,
		DevMode:        true,
		CookieHTTPOnly: true,
		Clock:          clock,
	}
	if mut != nil {
		mut(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testPack{clock: clock, store: store, tokens: tok, srv: srv}
}

type apiResponse struct {
	code    int
	header  http.Header
	cookies []*http.Cookie
	body    []byte
}

func (r apiResponse) decode(t *testing.T, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, out), "body: %s", string(r.body))
}

func (r apiResponse) errorMessage(t *testing.T) string {
	t.Helper()
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	r.decode(t, &resp)
	return resp.Error.Message
}

func (p *testPack) do(t *testing.T, method, path, token string, body interface{}, cookies ...*http.Cookie) apiResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, p.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{code: resp.StatusCode, header: resp.Header, cookies: resp.Cookies(), body: out}
}

var seq atomic.Int64

func (p *testPack) seedUser(t *testing.T, role storage.Role, mut func(*storage.User)) *storage.User {
	t.Helper()
	n := seq.Add(1)
	hash, err := p.tokens.HashPassword(testPassword)
	require.NoError(t, err)
	now := p.clock.Now().UTC()
	u := &storage.User{
		OrgID:         1,
		ADUsername:    fmt.Sprintf("op%d", n),
		IsActive:      true,
		RoleGlobal:    role,
		PasswordHash:  hash,
		PasswordSetAt: &now,
	}
	if mut != nil {
		mut(u)
	}
	created, err := p.store.CreateUser(t.Context(), u)
	require.NoError(t, err)
	return created
}

func (p *testPack) seedDevice(t *testing.T, mut func(*storage.Device)) (*storage.Device, string) {
	t.Helper()
	n := seq.Add(1)
	plain, hash, err := tokens.NewOpaqueToken()
	require.NoError(t, err)
	d := &storage.Device{
		OrgID:           1,
		Hostname:        fmt.Sprintf("host-%d", n),
		IsAllowed:       true,
		DeviceTokenHash: hash,
	}
	if mut != nil {
		mut(d)
	}
	created, err := p.store.CreateDevice(t.Context(), d)
	require.NoError(t, err)
	return created, plain
}

func (p *testPack) seedCert(t *testing.T, mut func(*storage.Certificate)) *storage.Certificate {
	t.Helper()
	n := seq.Add(1)
	c := &storage.Certificate{
		OrgID:      1,
		Name:       fmt.Sprintf("bundle-%d", n),
		SourcePath: fmt.Sprintf("/dropzone/bundle-%d.pfx", n),
		ParseOK:    true,
	}
	if mut != nil {
		mut(c)
	}
	created, err := p.store.CreateCertificate(t.Context(), c)
	require.NoError(t, err)
	return created
}

func (p *testPack) login(t *testing.T, username string) (string, []*http.Cookie) {
	t.Helper()
	resp := p.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var lr loginResponse
	resp.decode(t, &lr)
	require.NotEmpty(t, lr.AccessToken)
	return lr.AccessToken, resp.cookies
}

func findRefreshCookie(t *testing.T, cookies []*http.Cookie) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == refreshCookieName {
			return c
		}
	}
	t.Fatalf("no %v cookie in response", refreshCookieName)
	return nil
}

func TestLoginSessionLifecycle(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	user := p.seedUser(t, storage.RoleDev, nil)

	token, cookies := p.login(t, user.ADUsername)
	rc := findRefreshCookie(t, cookies)
	require.Equal(t, refreshCookiePath, rc.Path)
	require.True(t, rc.HttpOnly)
	require.NotEmpty(t, rc.Value)

	resp := p.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var me userView
	resp.decode(t, &me)
	require.Equal(t, user.ID, me.ID)
	require.Equal(t, string(storage.RoleDev), me.RoleGlobal)
	require.True(t, me.PasswordSet)

	// Browser clients refresh on the cookie alone, no body.
	resp = p.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil, rc)
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	resp.decode(t, &refreshed)
	resp = p.do(t, http.MethodGet, "/api/v1/auth/me", refreshed.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.code)

	// Logout revokes the session and expires the cookie.
	resp = p.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil, rc)
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	cleared := findRefreshCookie(t, resp.cookies)
	require.Empty(t, cleared.Value)
	require.Negative(t, cleared.MaxAge)

	resp = p.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil, rc)
	require.Equal(t, http.StatusUnauthorized, resp.code, string(resp.body))
}

func TestBearerTokenRejections(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	user := p.seedUser(t, storage.RoleView, nil)
	token, cookies := p.login(t, user.ADUsername)

	resp := p.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.code)
	require.Equal(t, "missing authorization header", resp.errorMessage(t))

	resp = p.do(t, http.MethodGet, "/api/v1/auth/me", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, resp.code)
	require.Equal(t, "TOKEN_INVALID", resp.errorMessage(t))

	p.clock.Advance(defaults.AccessTokenTTL + time.Minute)

	resp = p.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.code)
	require.Equal(t, "TOKEN_EXPIRED", resp.errorMessage(t))

	// The refresh session outlives the access token.
	resp = p.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil, findRefreshCookie(t, cookies))
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	// Deactivation takes effect on the next request, not the next login.
	user.IsActive = false
	_, err := p.store.UpdateUser(t.Context(), user)
	require.NoError(t, err)
	var again struct {
		AccessToken string `json:"access_token"`
	}
	resp.decode(t, &again)
	resp = p.do(t, http.MethodGet, "/api/v1/auth/me", again.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.code, string(resp.body))
}

func TestRoleGuards(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	view := p.seedUser(t, storage.RoleView, nil)
	admin := p.seedUser(t, storage.RoleAdmin, nil)
	viewToken, _ := p.login(t, view.ADUsername)
	adminToken, _ := p.login(t, admin.ADUsername)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		code   int
	}{
		{name: "anonymous catalog", method: http.MethodGet, path: "/api/v1/certificados", token: "", code: http.StatusUnauthorized},
		{name: "view creates user", method: http.MethodPost, path: "/api/v1/admin/users", token: viewToken, code: http.StatusForbidden},
		{name: "view lists all jobs", method: http.MethodGet, path: "/api/v1/install-jobs", token: viewToken, code: http.StatusForbidden},
		{name: "view reaps jobs", method: http.MethodPost, path: "/api/v1/admin/jobs/reap", token: viewToken, code: http.StatusForbidden},
		{name: "view starts set-password", method: http.MethodPost, path: "/api/v1/auth/password/set/init", token: viewToken, code: http.StatusForbidden},
		{name: "admin lists users", method: http.MethodGet, path: "/api/v1/admin/users", token: adminToken, code: http.StatusForbidden},
		{name: "admin starts ingest", method: http.MethodPost, path: "/api/v1/admin/certificates/ingest-from-fs", token: adminToken, code: http.StatusForbidden},
		{name: "admin lists jobs", method: http.MethodGet, path: "/api/v1/install-jobs", token: adminToken, code: http.StatusOK},
		{name: "view lists catalog", method: http.MethodGet, path: "/api/v1/certificados", token: viewToken, code: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := p.do(t, tc.method, tc.path, tc.token, nil)
			require.Equal(t, tc.code, resp.code, string(resp.body))
		})
	}
}

func TestUserAdmin(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	dev := p.seedUser(t, storage.RoleDev, nil)
	admin := p.seedUser(t, storage.RoleAdmin, nil)
	devToken, _ := p.login(t, dev.ADUsername)
	adminToken, _ := p.login(t, admin.ADUsername)

	resp := p.do(t, http.MethodPost, "/api/v1/admin/users", devToken, map[string]interface{}{
		"ad_username":  "maria.souza",
		"display_name": "Maria Souza",
		"role_global":  "ADMIN",
	})
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
	var created userView
	resp.decode(t, &created)
	require.Equal(t, "maria.souza", created.ADUsername)
	require.Equal(t, "ADMIN", created.RoleGlobal)
	require.False(t, created.PasswordSet)

	resp = p.do(t, http.MethodPost, "/api/v1/admin/users", devToken, map[string]interface{}{"ad_username": "maria.souza"})
	require.Equal(t, http.StatusConflict, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPost, "/api/v1/admin/users", devToken, map[string]interface{}{"ad_username": "x", "role_global": "ROOT"})
	require.Equal(t, http.StatusBadRequest, resp.code, string(resp.body))

	// Role changes are DEV-only even though ADMIN may edit profiles.
	resp = p.do(t, http.MethodPatch, "/api/v1/admin/users/"+created.ID, adminToken, map[string]interface{}{"role_global": "VIEW"})
	require.Equal(t, http.StatusForbidden, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPatch, "/api/v1/admin/users/"+created.ID, adminToken, map[string]interface{}{"display_name": "M. Souza"})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPatch, "/api/v1/admin/users/"+created.ID, devToken, map[string]interface{}{
		"role_global": "VIEW",
		"is_active":   false,
	})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var updated userView
	resp.decode(t, &updated)
	require.Equal(t, "VIEW", updated.RoleGlobal)
	require.False(t, updated.IsActive)

	// Newest first; the changed fields ride in the audit meta.
	recs, err := p.store.ListAuditEvents(t.Context(), 1, storage.AuditFilter{Actions: []string{events.UserUpdated}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "is_active,role_global", recs[0].Meta["fields"])
	require.Equal(t, "display_name", recs[1].Meta["fields"])
}

func TestDeviceVisibility(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	dev := p.seedUser(t, storage.RoleDev, nil)
	view := p.seedUser(t, storage.RoleView, nil)
	devToken, _ := p.login(t, dev.ADUsername)
	viewToken, _ := p.login(t, view.ADUsername)

	resp := p.do(t, http.MethodPost, "/api/v1/admin/devices", devToken, map[string]interface{}{
		"hostname":         "ws-accounting-01",
		"assigned_user_id": view.ID,
	})
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
	var assigned deviceTokenResponse
	resp.decode(t, &assigned)
	require.NotEmpty(t, assigned.DeviceToken)
	require.True(t, assigned.Device.TokenSet)
	require.Equal(t, view.ID, assigned.Device.AssignedUserID)

	resp = p.do(t, http.MethodPost, "/api/v1/admin/devices", devToken, map[string]interface{}{"hostname": "ws-accounting-02"})
	require.Equal(t, http.StatusCreated, resp.code)

	resp = p.do(t, http.MethodPost, "/api/v1/admin/devices", devToken, map[string]interface{}{"hostname": "ws-hr-01"})
	require.Equal(t, http.StatusCreated, resp.code)
	var linked deviceTokenResponse
	resp.decode(t, &linked)

	resp = p.do(t, http.MethodPost, "/api/v1/admin/devices/"+linked.Device.ID+"/users", devToken, map[string]string{"user_id": view.ID})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	// VIEW sees only assigned plus linked devices, sorted by hostname.
	resp = p.do(t, http.MethodGet, "/api/v1/admin/devices", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var mine []deviceView
	resp.decode(t, &mine)
	require.Len(t, mine, 2)
	require.Equal(t, "ws-accounting-01", mine[0].Hostname)
	require.Equal(t, "ws-hr-01", mine[1].Hostname)

	resp = p.do(t, http.MethodGet, "/api/v1/admin/devices", devToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var all []deviceView
	resp.decode(t, &all)
	require.Len(t, all, 3)

	resp = p.do(t, http.MethodGet, "/api/v1/devices/mine", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var owned []deviceView
	resp.decode(t, &owned)
	require.Len(t, owned, 2)

	// Unassigning hides the device from the operator again.
	resp = p.do(t, http.MethodPatch, "/api/v1/admin/devices/"+assigned.Device.ID, devToken, map[string]interface{}{"assigned_user_id": ""})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	resp = p.do(t, http.MethodGet, "/api/v1/devices/mine", viewToken, nil)
	resp.decode(t, &owned)
	require.Len(t, owned, 1)
	require.Equal(t, "ws-hr-01", owned[0].Hostname)
}

func TestCertificateCatalog(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	dev := p.seedUser(t, storage.RoleDev, nil)
	view := p.seedUser(t, storage.RoleView, nil)
	devToken, _ := p.login(t, dev.ADUsername)
	viewToken, _ := p.login(t, view.ADUsername)

	// Manual registration is DEV-only; the route itself admits any role.
	resp := p.do(t, http.MethodPost, "/api/v1/certificados", viewToken, map[string]string{"name": "blocked"})
	require.Equal(t, http.StatusForbidden, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPost, "/api/v1/certificados", devToken, map[string]string{"name": "cliente-acme senha-tr0car"})
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
	var created certificateView
	resp.decode(t, &created)
	require.Equal(t, "cliente-acme senha-tr0car", created.Name)
	require.Equal(t, "cliente-acme", created.DisplayName)

	p.seedCert(t, func(c *storage.Certificate) { c.Name = "cliente-idesp" })
	p.seedCert(t, func(c *storage.Certificate) {
		c.Name = "broken-bundle"
		c.ParseOK = false
		c.ParseError = "asn1: structure error"
	})

	resp = p.do(t, http.MethodGet, "/api/v1/certificados?q=idesp", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var listed []certificateView
	resp.decode(t, &listed)
	require.Len(t, listed, 1)
	require.Equal(t, "cliente-idesp", listed[0].Name)

	resp = p.do(t, http.MethodGet, "/api/v1/certificados?parse_ok=false", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	resp.decode(t, &listed)
	require.Len(t, listed, 1)
	require.Equal(t, "broken-bundle", listed[0].Name)

	resp = p.do(t, http.MethodGet, "/api/v1/certificados?parse_ok=maybe", viewToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.code)
}

func TestInstallDecisionFlow(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	admin := p.seedUser(t, storage.RoleAdmin, nil)
	view := p.seedUser(t, storage.RoleView, nil)
	adminToken, _ := p.login(t, admin.ADUsername)
	viewToken, _ := p.login(t, view.ADUsername)

	device, _ := p.seedDevice(t, func(d *storage.Device) {
		d.Hostname = "ws-view-01"
		d.AssignedUserID = &view.ID
	})
	stranger, _ := p.seedDevice(t, nil)
	cert := p.seedCert(t, nil)

	// VIEW may only target devices assigned or linked to them.
	resp := p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/certificados/%d/install", cert.ID), viewToken, map[string]string{"device_id": stranger.ID})
	require.Equal(t, http.StatusForbidden, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/certificados/%d/install", cert.ID), viewToken, map[string]string{"device_id": device.ID})
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))
	var job jobView
	resp.decode(t, &job)
	require.Equal(t, string(storage.JobStatusRequested), job.Status)
	require.Equal(t, view.ID, job.RequestedBy)

	// Deciding a job is an elevated operation.
	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/install-jobs/%d/approve", job.ID), viewToken, nil)
	require.Equal(t, http.StatusForbidden, resp.code)

	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/install-jobs/%d/approve", job.ID), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var approved jobView
	resp.decode(t, &approved)
	require.Equal(t, string(storage.JobStatusPending), approved.Status)
	require.Equal(t, admin.ID, approved.ApprovedBy)

	// The job is no longer REQUESTED, a second decision is a client error.
	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/install-jobs/%d/approve", job.ID), adminToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/certificados/%d/install", cert.ID), viewToken, map[string]string{"device_id": device.ID})
	require.Equal(t, http.StatusCreated, resp.code)
	var second jobView
	resp.decode(t, &second)
	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/install-jobs/%d/deny", second.ID), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var denied jobView
	resp.decode(t, &denied)
	require.Equal(t, string(storage.JobStatusCanceled), denied.Status)

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs?status=PENDING", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var pending []jobView
	resp.decode(t, &pending)
	require.Len(t, pending, 1)
	require.Equal(t, job.ID, pending[0].ID)
	require.Equal(t, "ws-view-01", pending[0].DeviceHostname)
	require.Equal(t, cert.Name, pending[0].CertName)

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs/mine", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var mine []jobView
	resp.decode(t, &mine)
	require.Len(t, mine, 2)

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs/my-device", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var onDevice []jobView
	resp.decode(t, &onDevice)
	require.Len(t, onDevice, 2)

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs?status=BOGUS", adminToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.code)

	// Elevated requesters skip the approval queue.
	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/certificados/%d/install", cert.ID), adminToken, map[string]string{"device_id": stranger.ID})
	require.Equal(t, http.StatusCreated, resp.code)
	var auto jobView
	resp.decode(t, &auto)
	require.Equal(t, string(storage.JobStatusPending), auto.Status)
	require.Equal(t, admin.ID, auto.ApprovedBy)
}

func TestCrossOrgIsolation(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	org1 := p.seedUser(t, storage.RoleDev, nil)
	org2 := p.seedUser(t, storage.RoleDev, func(u *storage.User) { u.OrgID = 2 })
	org1Token, _ := p.login(t, org1.ADUsername)
	org2Token, _ := p.login(t, org2.ADUsername)

	cert := p.seedCert(t, nil)
	device, _ := p.seedDevice(t, nil)

	// The other org sees an empty catalog, not a filtered error.
	resp := p.do(t, http.MethodGet, "/api/v1/certificados", org2Token, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var listed []certificateView
	resp.decode(t, &listed)
	require.Empty(t, listed)

	// Foreign ids read as missing.
	resp = p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/certificados/%d/install", cert.ID), org2Token, map[string]string{"device_id": device.ID})
	require.Equal(t, http.StatusNotFound, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPatch, "/api/v1/admin/users/"+org1.ID, org2Token, map[string]interface{}{"display_name": "x"})
	require.Equal(t, http.StatusNotFound, resp.code, string(resp.body))

	resp = p.do(t, http.MethodGet, "/api/v1/certificados", org1Token, nil)
	require.Equal(t, http.StatusOK, resp.code)
	resp.decode(t, &listed)
	require.Len(t, listed, 1)
}

func TestAuditBrowsing(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	dev := p.seedUser(t, storage.RoleDev, nil)
	view := p.seedUser(t, storage.RoleView, nil)
	devToken, _ := p.login(t, dev.ADUsername)
	viewToken, _ := p.login(t, view.ADUsername)

	resp := p.do(t, http.MethodPost, "/api/v1/admin/users", devToken, map[string]interface{}{"ad_username": "audit.target"})
	require.Equal(t, http.StatusCreated, resp.code)

	resp = p.do(t, http.MethodGet, "/api/v1/audit", devToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var all []auditEventView
	resp.decode(t, &all)
	// Two logins plus the user creation.
	require.GreaterOrEqual(t, len(all), 3)

	// VIEW is pinned to its own actor id.
	resp = p.do(t, http.MethodGet, "/api/v1/audit", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var own []auditEventView
	resp.decode(t, &own)
	require.NotEmpty(t, own)
	for _, ev := range own {
		require.Equal(t, view.ID, ev.ActorUserID)
	}

	resp = p.do(t, http.MethodGet, "/api/v1/audit?action="+events.UserCreated, devToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var created []auditEventView
	resp.decode(t, &created)
	require.Len(t, created, 1)
	require.Equal(t, events.UserCreated, created[0].Action)
	require.Equal(t, dev.ADUsername, created[0].ActorLabel)

	resp = p.do(t, http.MethodGet, "/api/v1/audit?limit=1", devToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	var limited []auditEventView
	resp.decode(t, &limited)
	require.Len(t, limited, 1)

	resp = p.do(t, http.MethodGet, "/api/v1/audit?since=not-a-time", devToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.code)

	resp = p.do(t, http.MethodGet, "/api/v1/audit?limit=-3", devToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.code)
}

func TestExportJobs(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	admin := p.seedUser(t, storage.RoleAdmin, nil)
	view := p.seedUser(t, storage.RoleView, nil)
	adminToken, _ := p.login(t, admin.ADUsername)
	viewToken, _ := p.login(t, view.ADUsername)

	device, _ := p.seedDevice(t, nil)
	cert := p.seedCert(t, nil)
	resp := p.do(t, http.MethodPost, fmt.Sprintf("/api/v1/certificados/%d/install", cert.ID), adminToken, map[string]string{"device_id": device.ID})
	require.Equal(t, http.StatusCreated, resp.code, string(resp.body))

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs/export?period=this_month&scope=all", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	require.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.header.Get("Content-Type"))
	require.Equal(t, "attachment; filename=certhub-install-jobs-this_month.xlsx", resp.header.Get("Content-Disposition"))
	require.True(t, bytes.HasPrefix(resp.body, []byte("PK")), "expected a zip container")

	// scope=mine works for every role and is the default.
	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs/export", viewToken, nil)
	require.Equal(t, http.StatusOK, resp.code)
	require.Equal(t, "attachment; filename=certhub-install-jobs-last_15_days.xlsx", resp.header.Get("Content-Disposition"))

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs/export?scope=all", viewToken, nil)
	require.Equal(t, http.StatusForbidden, resp.code)

	resp = p.do(t, http.MethodGet, "/api/v1/install-jobs/export?period=yesterday", adminToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.code)
}

func TestPasswordFlows(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	dev := p.seedUser(t, storage.RoleDev, nil)
	devToken, _ := p.login(t, dev.ADUsername)

	// Onboard a user without a password and hand them a set token.
	resp := p.do(t, http.MethodPost, "/api/v1/admin/users", devToken, map[string]interface{}{"ad_username": "novo.operador"})
	require.Equal(t, http.StatusCreated, resp.code)
	var created userView
	resp.decode(t, &created)

	resp = p.do(t, http.MethodPost, "/api/v1/auth/password/set/init", devToken, map[string]string{"user_id": created.ID})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var pt passwordTokenResponse
	resp.decode(t, &pt)
	require.NotEmpty(t, pt.Token)
	require.False(t, pt.Emailed)

	resp = p.do(t, http.MethodPost, "/api/v1/auth/password/set/confirm", "", map[string]string{
		"token":        pt.Token,
		"new_password": "s3nha-forte",
	})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "novo.operador", "password": "s3nha-forte"})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	// Self-service reset; dev mode echoes the token instead of mailing it.
	resetUser := p.seedUser(t, storage.RoleView, func(u *storage.User) { u.Email = "maria@example.com" })
	resp = p.do(t, http.MethodPost, "/api/v1/auth/password/reset/init", "", map[string]string{"email": "maria@example.com"})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
	var reset struct {
		Token string `json:"token"`
	}
	resp.decode(t, &reset)
	require.NotEmpty(t, reset.Token)

	resp = p.do(t, http.MethodPost, "/api/v1/auth/password/reset/confirm", "", map[string]string{
		"token":        reset.Token,
		"new_password": "outra-s3nha",
	})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	resp = p.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": resetUser.ADUsername, "password": "outra-s3nha"})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))

	// An unknown address yields the same reply minus the token.
	resp = p.do(t, http.MethodPost, "/api/v1/auth/password/reset/init", "", map[string]string{"email": "nobody@example.com"})
	require.Equal(t, http.StatusOK, resp.code)
	var anon struct {
		Token string `json:"token"`
	}
	resp.decode(t, &anon)
	require.Empty(t, anon.Token)
}

func TestNotFoundAndDevHeaders(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)

	resp := p.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	require.Equal(t, http.StatusNotFound, resp.code)
	require.Equal(t, "path not found", resp.errorMessage(t))
	require.Equal(t, "no-cache, no-store, must-revalidate", resp.header.Get("Cache-Control"))

	// Dev mode answers CORS preflight before routing.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, p.srv.URL+"/api/v1/auth/login", nil)
	require.NoError(t, err)
	raw, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)
	require.Equal(t, "*", raw.Header.Get("Access-Control-Allow-Origin"))
}

func TestIngestRouteWithoutDropZone(t *testing.T) {
	t.Parallel()
	p := newPack(t, nil)
	dev := p.seedUser(t, storage.RoleDev, nil)
	devToken, _ := p.login(t, dev.ADUsername)

	resp := p.do(t, http.MethodPost, "/api/v1/admin/certificates/ingest-from-fs", devToken, nil)
	require.Equal(t, http.StatusNotImplemented, resp.code, string(resp.body))
}
