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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/certhub/lib/httplib"
	"github.com/gravitational/certhub/lib/storage"
)

// message returns a trivial JSON reply.
func message(msg string) map[string]interface{} {
	return map[string]interface{}{"message": msg}
}

// ok is the generic success reply.
func ok() map[string]interface{} {
	return message("ok")
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string   `json:"access_token"`
	User        userView `json:"user"`
}

// login POST /api/v1/auth/login
//
// The access token rides in the JSON body, the refresh token only in the
// cookie.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req loginReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := h.cfg.Authn.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.setRefreshCookie(w, res.RefreshToken)
	return loginResponse{AccessToken: res.AccessToken, User: makeUser(res.User)}, nil
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// refresh POST /api/v1/auth/refresh
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req refreshReq
	// The body is optional: browser clients send only the cookie.
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	access, _, err := h.cfg.Authn.Refresh(r.Context(), refreshTokenFromRequest(r, req.RefreshToken))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"access_token": access}, nil
}

// logout POST /api/v1/auth/logout
func (h *Handler) logout(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req refreshReq
	if r.ContentLength != 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := h.cfg.Authn.Logout(r.Context(), actor, refreshTokenFromRequest(r, req.RefreshToken), clientIP(r)); err != nil {
		return nil, trace.Wrap(err)
	}
	h.clearRefreshCookie(w)
	return ok(), nil
}

// me GET /api/v1/auth/me
func (h *Handler) me(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	return makeUser(actor), nil
}

type setPasswordInitReq struct {
	UserID string `json:"user_id"`
}

type passwordTokenResponse struct {
	Token   string `json:"token"`
	Emailed bool   `json:"emailed"`
}

// setPasswordInit POST /api/v1/auth/password/set/init
func (h *Handler) setPasswordInit(w http.ResponseWriter, r *http.Request, p httprouter.Params, actor *storage.User) (interface{}, error) {
	var req setPasswordInitReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.UserID == "" {
		return nil, trace.BadParameter("missing parameter user_id")
	}
	pt, err := h.cfg.Authn.StartSetPassword(r.Context(), actor, req.UserID, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return passwordTokenResponse{Token: pt.Token, Emailed: pt.Emailed}, nil
}

type confirmPasswordReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// setPasswordConfirm POST /api/v1/auth/password/set/confirm
func (h *Handler) setPasswordConfirm(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req confirmPasswordReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Authn.ConfirmSetPassword(r.Context(), req.Token, req.NewPassword, clientIP(r)); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

type resetPasswordInitReq struct {
	Email string `json:"email"`
}

// resetPasswordInit POST /api/v1/auth/password/reset/init
//
// The reply is identical whether or not the address matches an account.
// Dev mode echoes the token so the flow can be exercised without a mail
// transport.
func (h *Handler) resetPasswordInit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req resetPasswordInitReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	pt, err := h.cfg.Authn.StartResetPassword(r.Context(), req.Email, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := ok()
	if h.cfg.DevMode && pt != nil {
		resp["token"] = pt.Token
	}
	return resp, nil
}

// resetPasswordConfirm POST /api/v1/auth/password/reset/confirm
func (h *Handler) resetPasswordConfirm(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req confirmPasswordReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Authn.ConfirmResetPassword(r.Context(), req.Token, req.NewPassword, clientIP(r)); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}
