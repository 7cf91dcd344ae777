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

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/ingest"
	"github.com/gravitational/certhub/lib/jobs"
	"github.com/gravitational/certhub/lib/storage"
)

// listCertificates GET /api/v1/certificados
func (h *Handler) listCertificates(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	q := r.URL.Query()
	filter := storage.CertificateFilter{Query: q.Get("q")}
	if v := q.Get("parse_ok"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, trace.BadParameter("invalid parse_ok %q", v)
		}
		filter.ParseOK = &parsed
	}
	certs, err := h.cfg.Store.ListCertificates(r.Context(), actor.OrgID, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeCertificates(certs), nil
}

type createCertificateReq struct {
	Name       string `json:"name"`
	SourcePath string `json:"source_path,omitempty"`
}

// createCertificate POST /api/v1/certificados
//
// Manual catalog rows exist for bundles that live outside the drop zone;
// they stay parse_ok=false until an ingest sees the file. The route admits
// any operator but the operation is DEV-only.
func (h *Handler) createCertificate(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	if actor.RoleGlobal != storage.RoleDev {
		return nil, trace.AccessDenied("creating catalog rows requires the DEV role")
	}
	var req createCertificateReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing parameter name")
	}

	var created *storage.Certificate
	err := h.cfg.Store.WithTx(r.Context(), func(tx storage.Store) error {
		var txErr error
		created, txErr = tx.CreateCertificate(r.Context(), &storage.Certificate{
			OrgID:      actor.OrgID,
			Name:       req.Name,
			SourcePath: req.SourcePath,
		})
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(r.Context(), events.Event{
			OrgID:       actor.OrgID,
			Action:      events.CertCreated,
			EntityType:  events.EntityCertificate,
			EntityID:    strconv.FormatInt(created.ID, 10),
			ActorUserID: actor.ID,
			IP:          clientIP(r),
			Meta:        map[string]any{"name": created.Name, "manual": true},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roundtrip.ReplyJSON(w, http.StatusCreated, makeCertificate(created))
	return nil, nil
}

// requestInstall POST /api/v1/certificados/:id/install
func (h *Handler) requestInstall(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	certID, err := paramID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req jobs.InstallRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := h.cfg.Jobs.Request(r.Context(), actor, certID, &req, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roundtrip.ReplyJSON(w, http.StatusCreated, makeJob(job))
	return nil, nil
}

type ingestFromFSReq struct {
	Limit  int  `json:"limit,omitempty"`
	Prune  bool `json:"prune,omitempty"`
	Dedupe bool `json:"dedupe,omitempty"`
}

// ingestFromFS POST /api/v1/admin/certificates/ingest-from-fs
func (h *Handler) ingestFromFS(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	if h.cfg.Ingester == nil {
		return nil, trace.NotImplemented("no certificate drop zone is configured")
	}
	var req ingestFromFSReq
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	result, err := h.cfg.Ingester.IngestFromFS(r.Context(), actor.OrgID, ingest.BatchOptions{
		Limit:       req.Limit,
		Prune:       req.Prune,
		Dedupe:      req.Dedupe,
		ActorUserID: actor.ID,
		IP:          clientIP(r),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}
