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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/tokens"
)

// BootstrapConfig describes the first operator account created directly
// against the store, before the HTTP API has anyone who could create it.
type BootstrapConfig struct {
	// Store is the backing store.
	Store storage.Store
	// Tokens hashes the initial password.
	Tokens *tokens.Service
	// Username is the operator's login name.
	Username string
	// Password is the initial password.
	Password string
	// Email is optional and enables password recovery mail.
	Email string
	// Role defaults to DEV so the bootstrap account can administer
	// everything else.
	Role storage.Role
	// OrgID is the tenant the account belongs to.
	OrgID int64
	// Clock is used to stamp the password set time.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *BootstrapConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if c.Password == "" {
		return trace.BadParameter("missing parameter Password")
	}
	if c.Role == "" {
		c.Role = storage.RoleDev
	}
	if !c.Role.Valid() {
		return trace.BadParameter("invalid role %q", c.Role)
	}
	if c.OrgID <= 0 {
		return trace.BadParameter("OrgID must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// BootstrapUser creates the first operator account. It refuses to
// overwrite an existing account with the same username; reruns surface
// trace.AlreadyExists instead of silently resetting a password.
func BootstrapUser(ctx context.Context, cfg BootstrapConfig) (*storage.User, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := cfg.Tokens.HashPassword(cfg.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := cfg.Clock.Now().UTC()
	user := &storage.User{
		OrgID:         cfg.OrgID,
		ADUsername:    cfg.Username,
		Email:         cfg.Email,
		IsActive:      true,
		RoleGlobal:    cfg.Role,
		PasswordHash:  hash,
		PasswordSetAt: &now,
	}
	var created *storage.User
	err = cfg.Store.WithTx(ctx, func(tx storage.Store) error {
		var txErr error
		created, txErr = tx.CreateUser(ctx, user)
		if txErr != nil {
			return trace.Wrap(txErr)
		}
		return trace.Wrap(tx.AppendAuditEvent(ctx, events.Event{
			OrgID:      cfg.OrgID,
			Action:     events.UserCreated,
			EntityType: events.EntityUser,
			EntityID:   created.ID,
			Meta: map[string]any{
				"ad_username": created.ADUsername,
				"role":        string(created.RoleGlobal),
				"bootstrap":   true,
			},
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}
