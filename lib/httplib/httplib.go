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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// MaxHTTPRequestSize is the largest request body accepted by ReadJSON.
const MaxHTTPRequestSize = 1 << 20

// HandlerFunc specifies an HTTP handler function that returns a
// JSON-serializable result or an error converted to a JSON error reply.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// A nil result with a nil error means the handler wrote the response
// itself, for example when streaming a file.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxHTTPRequestSize))
	if err != nil {
		return trace.BadParameter("failed reading request body: %v", err)
	}
	if len(data) == 0 {
		return trace.BadParameter("missing request body")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// StatusError reports an explicit HTTP status code for conditions the
// trace taxonomy cannot express, such as 401, 410 or 428.
type StatusError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StatusError) Unwrap() error { return e.Err }

// Unauthorized returns a 401 error for missing or invalid credentials.
func Unauthorized(message string) error {
	return &StatusError{Code: http.StatusUnauthorized, Err: errors.New(message)}
}

// ErrorToCode maps an error to the HTTP status code of its JSON reply.
// A failed optimistic state transition surfaces as a 409 conflict rather
// than the generic 412.
func ErrorToCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if trace.IsCompareFailed(err) {
		return http.StatusConflict
	}
	return trace.ErrorToCode(err)
}

// ErrorResponse is the JSON body of an error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the human-readable message and, when the message
// itself is a stable identifier such as PASSWORD_TOO_LONG, a
// machine-readable code.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

var stableCode = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ReplyError writes a JSON error reply for err.
func ReplyError(w http.ResponseWriter, err error) {
	message := trace.UserMessage(err)
	detail := ErrorDetail{Message: message}
	if stableCode.MatchString(message) {
		detail.Code = message
	}
	roundtrip.ReplyJSON(w, ErrorToCode(err), ErrorResponse{Error: detail})
}

// SetNoCacheHeaders tells proxies and browsers not to cache the content.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// InsecureSetDevModeHeaders allows cross-origin requests. Used in dev
// mode only.
func InsecureSetDevModeHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Origin, Content-type, Authorization")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Max-Age", "1728000")
}
