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

// Package tokens implements the credential primitives of the control
// plane: bcrypt password hashing, opaque random tokens hashed for at-rest
// storage, and the signed bearer tokens presented by operators and device
// agents.
//
// Opaque tokens (device tokens, refresh tokens, payload tokens) are never
// stored in plaintext; only their SHA-256 digest is persisted. Bearer
// tokens are HS256 JWTs whose authority is limited to locating the subject
// row; all role and tenancy decisions are made against the database.
package tokens

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/utils"
)

// DeviceRole is the role claim carried by device access tokens. It is not
// an operator role; endpoints requiring an operator role must reject it.
const DeviceRole = "DEVICE"

var (
	// ErrTokenExpired is returned when a bearer token is past its expiry.
	ErrTokenExpired = errors.New("TOKEN_EXPIRED")

	// ErrTokenInvalid is returned when a bearer token fails decoding or
	// signature verification for any reason other than expiry.
	ErrTokenInvalid = errors.New("TOKEN_INVALID")
)

// Config holds the parameters of the token service.
type Config struct {
	// Secret is the HS256 signing secret for bearer tokens.
	Secret []byte
	// AccessTokenTTL is the lifetime of operator access tokens.
	AccessTokenTTL time.Duration
	// DeviceTokenTTL is the lifetime of device access tokens.
	DeviceTokenTTL time.Duration
	// BcryptCost is the bcrypt work factor for password hashing.
	BcryptCost int
	// Clock is used to stamp and validate token lifetimes.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Secret) == 0 {
		return trace.BadParameter("missing parameter Secret")
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaults.AccessTokenTTL
	}
	if c.DeviceTokenTTL <= 0 {
		c.DeviceTokenTTL = defaults.DeviceTokenTTL
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = defaults.BcryptCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return trace.BadParameter("bcrypt cost %v out of range [%v, %v]", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service mints and verifies every credential kind used by CertHub.
type Service struct {
	cfg Config
}

// New returns a token service backed by the given config.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// ValidatePassword rejects passwords outside the accepted length bounds.
// The upper bound is bcrypt's 72 byte input limit; longer inputs are
// refused rather than silently truncated.
func ValidatePassword(password string) error {
	if len(password) < defaults.MinPasswordLength {
		return trace.BadParameter("password must be at least %d characters", defaults.MinPasswordLength)
	}
	if len(password) > defaults.MaxPasswordBytes {
		return trace.BadParameter("PASSWORD_TOO_LONG")
	}
	return nil
}

// HashPassword validates and bcrypt-hashes an operator password.
func (s *Service) HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(hash), nil
}

// VerifyPassword compares a stored bcrypt hash against a candidate
// password. A mismatch surfaces as bcrypt.ErrMismatchedHashAndPassword.
func (s *Service) VerifyPassword(hash, password string) error {
	if len(password) > defaults.MaxPasswordBytes {
		return trace.BadParameter("PASSWORD_TOO_LONG")
	}
	return trace.Wrap(bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)))
}

// NewOpaqueToken generates a fresh opaque token and the SHA-256 digest
// under which it is stored. The plaintext is returned exactly once to the
// caller and never persisted.
func NewOpaqueToken() (plain, hash string, err error) {
	plain, err = utils.CryptoRandomHex(defaults.TokenLenBytes)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return plain, HashToken(plain), nil
}

// HashToken returns the lowercase hex SHA-256 digest of an opaque token.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash compares two token digests in constant time.
func VerifyTokenHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// UserClaims are the claims carried by an operator access token.
type UserClaims struct {
	// Email mirrors the operator email for display purposes only.
	Email string `json:"email,omitempty"`
	// Role is the operator's global role at signing time. Authorization
	// decisions always re-read the user row; the claim is advisory.
	Role string `json:"role_global"`
	jwt.RegisteredClaims
}

// DeviceClaims are the claims carried by a device access token.
type DeviceClaims struct {
	// Role is always DeviceRole.
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SignUserToken mints an operator access token for the given user.
func (s *Service) SignUserToken(userID, email, role string) (string, error) {
	now := s.cfg.Clock.Now()
	claims := UserClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	return signed, trace.Wrap(err)
}

// SignDeviceToken mints a device access token for the given device.
func (s *Service) SignDeviceToken(deviceID string) (string, error) {
	now := s.cfg.Clock.Now()
	claims := DeviceClaims{
		Role: DeviceRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.DeviceTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	return signed, trace.Wrap(err)
}

// DeviceTokenTTL reports the configured device token lifetime.
func (s *Service) DeviceTokenTTL() time.Duration {
	return s.cfg.DeviceTokenTTL
}

// VerifyUserToken verifies an operator access token and returns its
// claims. Device tokens are rejected.
func (s *Service) VerifyUserToken(raw string) (*UserClaims, error) {
	var claims UserClaims
	if err := s.parse(raw, &claims); err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Role == DeviceRole {
		return nil, trace.Wrap(ErrTokenInvalid)
	}
	return &claims, nil
}

// VerifyDeviceToken verifies a device access token and returns its
// claims. Operator tokens are rejected.
func (s *Service) VerifyDeviceToken(raw string) (*DeviceClaims, error) {
	var claims DeviceClaims
	if err := s.parse(raw, &claims); err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Role != DeviceRole {
		return nil, trace.Wrap(ErrTokenInvalid)
	}
	return &claims, nil
}

func (s *Service) parse(raw string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return trace.Wrap(ErrTokenExpired)
	default:
		return trace.Wrap(ErrTokenInvalid)
	}
}
