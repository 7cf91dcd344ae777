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

// Package config loads the CertHub process configuration. Defaults are
// overlaid by the optional YAML file, which is overlaid by environment
// variables, which are overlaid by command line flags. The result is a
// single validated Config consumed by lib/service.
package config

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/utils"
)

// Runtime environment names.
const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// Mail transport names.
const (
	MailerNone    = "none"
	MailerSMTP    = "smtp"
	MailerMailgun = "mailgun"
)

// CommandLineFlags holds the arguments of `certhub start`.
type CommandLineFlags struct {
	// ConfigFile is the value of the --config flag.
	ConfigFile string
	// Debug is the value of the --debug flag.
	Debug bool
}

// Config is the validated runtime configuration of the CertHub process.
type Config struct {
	// Env is the runtime profile, EnvDev or EnvProd.
	Env string
	// ListenAddr is the API listener address.
	ListenAddr string
	// DiagAddr is the diagnostics listener address. Empty disables the
	// diagnostics listener.
	DiagAddr string
	// DatabaseURL is the postgres connection string. Empty selects the
	// in-memory store.
	DatabaseURL string
	// RedisURL is the redis connection string. Empty disables the rate
	// limiter and runs queue tasks inline.
	RedisURL string
	// QueueName namespaces the background queue keys.
	QueueName string
	// DefaultOrgID is the tenant used by development-only fallbacks such
	// as bootstrap tooling.
	DefaultOrgID int64
	// Debug lowers the log level to debug.
	Debug bool

	// JWTSecret signs operator and device bearer tokens.
	JWTSecret []byte
	// EphemeralSecret records that JWTSecret was generated at startup, so
	// every token dies with the process. Only ever true in dev.
	EphemeralSecret bool
	// AccessTokenTTL is the operator access token lifetime.
	AccessTokenTTL time.Duration
	// DeviceTokenTTL is the device access token lifetime.
	DeviceTokenTTL time.Duration
	// RefreshTTL is the refresh session lifetime.
	RefreshTTL time.Duration
	// SetPasswordTokenTTL is the set-password token lifetime.
	SetPasswordTokenTTL time.Duration
	// ResetPasswordTokenTTL is the reset-password token lifetime.
	ResetPasswordTokenTTL time.Duration
	// BcryptCost is the bcrypt work factor for operator passwords.
	BcryptCost int
	// LockoutMaxAttempts is the failed-login count that locks an account.
	LockoutMaxAttempts int
	// LockoutDuration is how long a locked account stays locked.
	LockoutDuration time.Duration

	// CertsRootPath is the PKCS#12 drop zone. Empty disables ingestion
	// and the watcher.
	CertsRootPath string
	// OpenSSLPath locates the openssl binary used as a parse fallback.
	OpenSSLPath string
	// KeepUntilMaxHours bounds how far ahead a VIEW role may set
	// keep_until.
	KeepUntilMaxHours int
	// WatcherDebounce drops repeated drop-zone events within the window.
	WatcherDebounce time.Duration
	// WatcherMaxEventsPerMinute caps accepted drop-zone events.
	WatcherMaxEventsPerMinute int

	// CookieSecure marks the refresh cookie Secure.
	CookieSecure bool
	// CookieHTTPOnly marks the refresh cookie HttpOnly.
	CookieHTTPOnly bool
	// CookieSameSite is the refresh cookie SameSite mode.
	CookieSameSite http.SameSite

	// Mail configures the outbound mail transport.
	Mail MailConfig
}

// MailConfig holds the outbound mail settings for both supported
// transports; Type selects which one lib/service constructs.
type MailConfig struct {
	// Type is MailerNone, MailerSMTP or MailerMailgun.
	Type string
	// SMTPHost is the SMTP server host.
	SMTPHost string
	// SMTPPort is the SMTP server port.
	SMTPPort int
	// SMTPUsername authenticates the SMTP session.
	SMTPUsername string
	// SMTPPassword authenticates the SMTP session.
	SMTPPassword string
	// SMTPFrom is the SMTP sender address.
	SMTPFrom string
	// SMTPStartTLS requires STARTTLS on the session.
	SMTPStartTLS bool
	// MailgunDomain is the sending domain registered with Mailgun.
	MailgunDomain string
	// MailgunPrivateKey is the Mailgun API key.
	MailgunPrivateKey string
	// MailgunFrom is the Mailgun sender address.
	MailgunFrom string
}

// ApplyDefaults returns a Config seeded with the built-in defaults.
func ApplyDefaults() *Config {
	return &Config{
		Env:                       EnvDev,
		ListenAddr:                defaults.HTTPListenAddr,
		QueueName:                 defaults.QueueName,
		DefaultOrgID:              defaults.DefaultOrgID,
		AccessTokenTTL:            defaults.AccessTokenTTL,
		DeviceTokenTTL:            defaults.DeviceTokenTTL,
		RefreshTTL:                defaults.RefreshTTL,
		SetPasswordTokenTTL:       defaults.SetPasswordTokenTTL,
		ResetPasswordTokenTTL:     defaults.ResetPasswordTokenTTL,
		BcryptCost:                defaults.BcryptCost,
		LockoutMaxAttempts:        defaults.LockoutMaxAttempts,
		LockoutDuration:           defaults.LockoutDuration,
		OpenSSLPath:               defaults.OpenSSLPath,
		KeepUntilMaxHours:         defaults.RetentionKeepUntilMaxHours,
		WatcherDebounce:           defaults.WatcherDebounce,
		WatcherMaxEventsPerMinute: defaults.WatcherMaxEventsPerMinute,
		CookieSecure:              true,
		CookieHTTPOnly:            true,
		CookieSameSite:            http.SameSiteLaxMode,
		Mail: MailConfig{
			Type:         MailerNone,
			SMTPStartTLS: true,
		},
	}
}

// Load assembles the process configuration: defaults, then the config
// file, then environment variables, then flags, then validation.
func Load(flags CommandLineFlags) (*Config, error) {
	cfg := ApplyDefaults()
	fc, err := ReadConfigFile(flags.ConfigFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ApplyEnvironment(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if flags.Debug {
		cfg.Debug = true
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// ApplyFileConfig merges the YAML file form into cfg. Unset file fields
// keep whatever cfg already holds.
func ApplyFileConfig(fc *FileConfig, cfg *Config) error {
	if fc == nil {
		return nil
	}
	applyString(fc.Env, &cfg.Env)
	applyString(fc.ListenAddr, &cfg.ListenAddr)
	applyString(fc.DiagAddr, &cfg.DiagAddr)
	applyString(fc.DatabaseURL, &cfg.DatabaseURL)
	applyString(fc.RedisURL, &cfg.RedisURL)
	applyString(fc.QueueName, &cfg.QueueName)
	if fc.DefaultOrgID != 0 {
		cfg.DefaultOrgID = fc.DefaultOrgID
	}
	if fc.Debug {
		cfg.Debug = true
	}

	if fc.Auth.JWTSecret != "" {
		cfg.JWTSecret = []byte(fc.Auth.JWTSecret)
	}
	applyMinutes(fc.Auth.AccessTokenTTLMinutes, &cfg.AccessTokenTTL)
	applyMinutes(fc.Auth.DeviceTokenTTLMinutes, &cfg.DeviceTokenTTL)
	if fc.Auth.RefreshTTLDays != 0 {
		cfg.RefreshTTL = time.Duration(fc.Auth.RefreshTTLDays) * 24 * time.Hour
	}
	applyMinutes(fc.Auth.SetPasswordTokenTTLMin, &cfg.SetPasswordTokenTTL)
	applyMinutes(fc.Auth.ResetPasswordTokenTTLMin, &cfg.ResetPasswordTokenTTL)
	if fc.Auth.BcryptCost != 0 {
		cfg.BcryptCost = fc.Auth.BcryptCost
	}
	if fc.Auth.LockoutMaxAttempts != 0 {
		cfg.LockoutMaxAttempts = fc.Auth.LockoutMaxAttempts
	}
	applyMinutes(fc.Auth.LockoutMinutes, &cfg.LockoutDuration)

	applyString(fc.Certs.RootPath, &cfg.CertsRootPath)
	applyString(fc.Certs.OpenSSLPath, &cfg.OpenSSLPath)
	if fc.Certs.KeepUntilMaxHours != 0 {
		cfg.KeepUntilMaxHours = fc.Certs.KeepUntilMaxHours
	}
	if fc.Certs.WatcherDebounceSeconds != 0 {
		cfg.WatcherDebounce = time.Duration(fc.Certs.WatcherDebounceSeconds) * time.Second
	}
	if fc.Certs.WatcherMaxEventsPerMinute != 0 {
		cfg.WatcherMaxEventsPerMinute = fc.Certs.WatcherMaxEventsPerMinute
	}

	if fc.Cookie.Secure != nil {
		cfg.CookieSecure = *fc.Cookie.Secure
	}
	if fc.Cookie.HTTPOnly != nil {
		cfg.CookieHTTPOnly = *fc.Cookie.HTTPOnly
	}
	if fc.Cookie.SameSite != "" {
		mode, err := parseSameSite(fc.Cookie.SameSite)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.CookieSameSite = mode
	}

	applyString(fc.Mail.Type, &cfg.Mail.Type)
	applyString(fc.Mail.SMTP.Host, &cfg.Mail.SMTPHost)
	if fc.Mail.SMTP.Port != 0 {
		cfg.Mail.SMTPPort = fc.Mail.SMTP.Port
	}
	applyString(fc.Mail.SMTP.Username, &cfg.Mail.SMTPUsername)
	applyString(fc.Mail.SMTP.Password, &cfg.Mail.SMTPPassword)
	applyString(fc.Mail.SMTP.From, &cfg.Mail.SMTPFrom)
	if fc.Mail.SMTP.StartTLS != nil {
		cfg.Mail.SMTPStartTLS = *fc.Mail.SMTP.StartTLS
	}
	applyString(fc.Mail.Mailgun.Domain, &cfg.Mail.MailgunDomain)
	applyString(fc.Mail.Mailgun.PrivateKey, &cfg.Mail.MailgunPrivateKey)
	applyString(fc.Mail.Mailgun.From, &cfg.Mail.MailgunFrom)
	return nil
}

// ApplyEnvironment merges environment variables into cfg. A set variable
// always wins over the file and the defaults.
func ApplyEnvironment(cfg *Config) error {
	applyStringEnv("ENV", &cfg.Env)
	applyStringEnv("LISTEN_ADDR", &cfg.ListenAddr)
	applyStringEnv("DIAG_ADDR", &cfg.DiagAddr)
	applyStringEnv("DATABASE_URL", &cfg.DatabaseURL)
	applyStringEnv("REDIS_URL", &cfg.RedisURL)
	applyStringEnv("RQ_QUEUE_NAME", &cfg.QueueName)
	if err := applyInt64Env("DEFAULT_ORG_ID", &cfg.DefaultOrgID); err != nil {
		return trace.Wrap(err)
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = []byte(v)
	}
	if err := applyMinutesEnv("ACCESS_TOKEN_TTL_MIN", &cfg.AccessTokenTTL); err != nil {
		return trace.Wrap(err)
	}
	if err := applyMinutesEnv("DEVICE_TOKEN_TTL_MIN", &cfg.DeviceTokenTTL); err != nil {
		return trace.Wrap(err)
	}
	if v := os.Getenv("REFRESH_TTL_DAYS"); v != "" {
		days, err := parsePositiveInt("REFRESH_TTL_DAYS", v)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.RefreshTTL = time.Duration(days) * 24 * time.Hour
	}
	if err := applyMinutesEnv("SET_PASSWORD_TOKEN_TTL_MIN", &cfg.SetPasswordTokenTTL); err != nil {
		return trace.Wrap(err)
	}
	if err := applyMinutesEnv("RESET_PASSWORD_TOKEN_TTL_MIN", &cfg.ResetPasswordTokenTTL); err != nil {
		return trace.Wrap(err)
	}
	if err := applyIntEnv("BCRYPT_COST", &cfg.BcryptCost); err != nil {
		return trace.Wrap(err)
	}
	if err := applyIntEnv("LOCKOUT_MAX_ATTEMPTS", &cfg.LockoutMaxAttempts); err != nil {
		return trace.Wrap(err)
	}
	if err := applyMinutesEnv("LOCKOUT_MINUTES", &cfg.LockoutDuration); err != nil {
		return trace.Wrap(err)
	}

	applyStringEnv("CERTS_ROOT_PATH", &cfg.CertsRootPath)
	applyStringEnv("OPENSSL_PATH", &cfg.OpenSSLPath)
	if err := applyIntEnv("RETENTION_KEEP_UNTIL_MAX_HOURS", &cfg.KeepUntilMaxHours); err != nil {
		return trace.Wrap(err)
	}
	if v := os.Getenv("WATCHER_DEBOUNCE_SECONDS"); v != "" {
		secs, err := parsePositiveInt("WATCHER_DEBOUNCE_SECONDS", v)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.WatcherDebounce = time.Duration(secs) * time.Second
	}
	if err := applyIntEnv("WATCHER_MAX_EVENTS_PER_MINUTE", &cfg.WatcherMaxEventsPerMinute); err != nil {
		return trace.Wrap(err)
	}

	if err := applyBoolEnv("COOKIE_SECURE", &cfg.CookieSecure); err != nil {
		return trace.Wrap(err)
	}
	if err := applyBoolEnv("COOKIE_HTTPONLY", &cfg.CookieHTTPOnly); err != nil {
		return trace.Wrap(err)
	}
	if v := os.Getenv("COOKIE_SAMESITE"); v != "" {
		mode, err := parseSameSite(v)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.CookieSameSite = mode
	}

	applyStringEnv("MAILER_TYPE", &cfg.Mail.Type)
	applyStringEnv("SMTP_HOST", &cfg.Mail.SMTPHost)
	if err := applyIntEnv("SMTP_PORT", &cfg.Mail.SMTPPort); err != nil {
		return trace.Wrap(err)
	}
	applyStringEnv("SMTP_USER", &cfg.Mail.SMTPUsername)
	applyStringEnv("SMTP_PASS", &cfg.Mail.SMTPPassword)
	applyStringEnv("SMTP_FROM", &cfg.Mail.SMTPFrom)
	if err := applyBoolEnv("SMTP_STARTTLS", &cfg.Mail.SMTPStartTLS); err != nil {
		return trace.Wrap(err)
	}
	applyStringEnv("MAILGUN_DOMAIN", &cfg.Mail.MailgunDomain)
	applyStringEnv("MAILGUN_PRIVATE_KEY", &cfg.Mail.MailgunPrivateKey)
	applyStringEnv("MAILGUN_FROM", &cfg.Mail.MailgunFrom)
	return nil
}

// CheckAndSetDefaults validates the assembled configuration. In dev a
// missing JWT secret is replaced by an ephemeral one; in prod it is an
// error.
func (c *Config) CheckAndSetDefaults() error {
	switch c.Env {
	case EnvDev, EnvProd:
	case "":
		c.Env = EnvDev
	default:
		return trace.BadParameter("invalid ENV %q: expected %q or %q", c.Env, EnvDev, EnvProd)
	}
	if len(c.JWTSecret) == 0 {
		if c.Env == EnvProd {
			return trace.BadParameter("JWT_SECRET is required when ENV=prod")
		}
		secret, err := utils.CryptoRandomHex(defaults.TokenLenBytes)
		if err != nil {
			return trace.Wrap(err)
		}
		c.JWTSecret = []byte(secret)
		c.EphemeralSecret = true
	}
	if c.Env == EnvProd && c.DatabaseURL == "" {
		return trace.BadParameter("DATABASE_URL is required when ENV=prod")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return trace.BadParameter("invalid BCRYPT_COST %v: expected %v..%v",
			c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.LockoutMaxAttempts <= 0 {
		return trace.BadParameter("invalid LOCKOUT_MAX_ATTEMPTS %v: expected a positive count", c.LockoutMaxAttempts)
	}
	if c.KeepUntilMaxHours <= 0 {
		return trace.BadParameter("invalid RETENTION_KEEP_UNTIL_MAX_HOURS %v: expected a positive count", c.KeepUntilMaxHours)
	}
	for _, ttl := range []struct {
		name string
		val  time.Duration
	}{
		{"ACCESS_TOKEN_TTL_MIN", c.AccessTokenTTL},
		{"DEVICE_TOKEN_TTL_MIN", c.DeviceTokenTTL},
		{"REFRESH_TTL_DAYS", c.RefreshTTL},
		{"SET_PASSWORD_TOKEN_TTL_MIN", c.SetPasswordTokenTTL},
		{"RESET_PASSWORD_TOKEN_TTL_MIN", c.ResetPasswordTokenTTL},
		{"LOCKOUT_MINUTES", c.LockoutDuration},
	} {
		if ttl.val <= 0 {
			return trace.BadParameter("invalid %v: expected a positive duration", ttl.name)
		}
	}
	switch c.Mail.Type {
	case MailerNone, MailerSMTP, MailerMailgun:
	case "":
		c.Mail.Type = MailerNone
	default:
		return trace.BadParameter("invalid MAILER_TYPE %q: expected %q, %q or %q",
			c.Mail.Type, MailerNone, MailerSMTP, MailerMailgun)
	}
	return nil
}

func applyString(val string, target *string) {
	if val != "" {
		*target = val
	}
}

func applyMinutes(minutes int, target *time.Duration) {
	if minutes != 0 {
		*target = time.Duration(minutes) * time.Minute
	}
}

// An empty environment value counts as unset throughout, so exporting
// FOO="" keeps the default instead of failing to parse.

func applyStringEnv(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func applyIntEnv(name string, target *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := parsePositiveInt(name, v)
	if err != nil {
		return trace.Wrap(err)
	}
	*target = n
	return nil
}

func applyInt64Env(name string, target *int64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return trace.BadParameter("invalid %v %q: expected a positive integer", name, v)
	}
	*target = n
	return nil
}

func applyMinutesEnv(name string, target *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	minutes, err := parsePositiveInt(name, v)
	if err != nil {
		return trace.Wrap(err)
	}
	*target = time.Duration(minutes) * time.Minute
	return nil
}

func applyBoolEnv(name string, target *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return trace.BadParameter("invalid %v %q: expected a boolean", name, v)
	}
	*target = b
	return nil
}

func parsePositiveInt(name, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, trace.BadParameter("invalid %v %q: expected a positive integer", name, val)
	}
	return n, nil
}

func parseSameSite(val string) (http.SameSite, error) {
	switch val {
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, trace.BadParameter("invalid COOKIE_SAMESITE %q: expected lax, strict or none", val)
}
