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

package service

import (
	"context"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheck probes one dependency of the running process.
type healthCheck func(ctx context.Context) error

// newDiagHandler serves the diagnostics listener: prometheus metrics on
// /metrics and a dependency probe on /healthz. The probe reports 200
// with per-check results while every dependency answers, 503 otherwise.
func newDiagHandler(checks map[string]healthCheck) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		type health struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		res := health{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				res.Status = "unavailable"
				res.Checks[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			res.Checks[name] = "ok"
		}
		roundtrip.ReplyJSON(w, code, res)
	})
	return mux
}
