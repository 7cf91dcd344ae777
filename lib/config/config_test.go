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

package config

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/certhub/lib/defaults"
)

const sampleYAML = `
certhub:
  env: prod
  listen_addr: ":9443"
  diag_addr: "127.0.0.1:3000"
  database_url: "postgres://certhub@db/certhub"
  redis_url: "redis://cache:6379/0"
  queue_name: certhub-prod
auth:
  jwt_secret: "file-secret"
  access_token_ttl_min: 15
  refresh_ttl_days: 7
  bcrypt_cost: 12
  lockout_max_attempts: 3
  lockout_minutes: 30
certs:
  root_path: /srv/certhub/dropzone
  openssl_path: /opt/openssl/bin/openssl
  keep_until_max_hours: 48
  watcher_debounce_seconds: 5
cookies:
  secure: false
  same_site: strict
mail:
  type: smtp
  smtp:
    host: mail.example.com
    port: 2525
    username: certhub
    password: hunter2
    from: certhub@example.com
    starttls: false
`

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := ApplyDefaults()
	require.Equal(t, EnvDev, cfg.Env)
	require.Equal(t, defaults.HTTPListenAddr, cfg.ListenAddr)
	require.Equal(t, defaults.QueueName, cfg.QueueName)
	require.Equal(t, defaults.AccessTokenTTL, cfg.AccessTokenTTL)
	require.Equal(t, defaults.DeviceTokenTTL, cfg.DeviceTokenTTL)
	require.Equal(t, defaults.RefreshTTL, cfg.RefreshTTL)
	require.Equal(t, defaults.BcryptCost, cfg.BcryptCost)
	require.Equal(t, defaults.OpenSSLPath, cfg.OpenSSLPath)
	require.True(t, cfg.CookieSecure)
	require.True(t, cfg.CookieHTTPOnly)
	require.Equal(t, http.SameSiteLaxMode, cfg.CookieSameSite)
	require.Equal(t, MailerNone, cfg.Mail.Type)
	require.True(t, cfg.Mail.SMTPStartTLS)
}

func TestReadConfig(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "prod", fc.Env)
	require.Equal(t, ":9443", fc.ListenAddr)
	require.Equal(t, "file-secret", fc.Auth.JWTSecret)
	require.Equal(t, 15, fc.Auth.AccessTokenTTLMinutes)
	require.Equal(t, "/srv/certhub/dropzone", fc.Certs.RootPath)
	require.NotNil(t, fc.Cookie.Secure)
	require.False(t, *fc.Cookie.Secure)
	require.Equal(t, "strict", fc.Cookie.SameSite)
	require.Equal(t, "smtp", fc.Mail.Type)
	require.Equal(t, 2525, fc.Mail.SMTP.Port)
	require.NotNil(t, fc.Mail.SMTP.StartTLS)
	require.False(t, *fc.Mail.SMTP.StartTLS)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(strings.NewReader("certhub:\n  listen_adr: \":9443\"\n"))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestReadConfigFile(t *testing.T) {
	t.Setenv(ConfigFileEnvar, "")

	// No flag and no envar means no file.
	fc, err := ReadConfigFile("")
	require.NoError(t, err)
	require.Nil(t, fc)

	// An explicit path must exist.
	_, err = ReadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	path := filepath.Join(t.TempDir(), "certhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	fc, err = ReadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, ":9443", fc.ListenAddr)

	// The envar is the fallback for the missing flag.
	t.Setenv(ConfigFileEnvar, path)
	fc, err = ReadConfigFile("")
	require.NoError(t, err)
	require.NotNil(t, fc)
}

func TestApplyFileConfig(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	cfg := ApplyDefaults()
	require.NoError(t, ApplyFileConfig(fc, cfg))

	require.Equal(t, EnvProd, cfg.Env)
	require.Equal(t, ":9443", cfg.ListenAddr)
	require.Equal(t, "127.0.0.1:3000", cfg.DiagAddr)
	require.Equal(t, "postgres://certhub@db/certhub", cfg.DatabaseURL)
	require.Equal(t, "certhub-prod", cfg.QueueName)
	require.Equal(t, []byte("file-secret"), cfg.JWTSecret)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	// Unset file fields keep their defaults.
	require.Equal(t, defaults.DeviceTokenTTL, cfg.DeviceTokenTTL)
	require.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 12, cfg.BcryptCost)
	require.Equal(t, 3, cfg.LockoutMaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.LockoutDuration)
	require.Equal(t, "/srv/certhub/dropzone", cfg.CertsRootPath)
	require.Equal(t, 48, cfg.KeepUntilMaxHours)
	require.Equal(t, 5*time.Second, cfg.WatcherDebounce)
	// An explicit false survives the secure-by-default merge.
	require.False(t, cfg.CookieSecure)
	require.True(t, cfg.CookieHTTPOnly)
	require.Equal(t, http.SameSiteStrictMode, cfg.CookieSameSite)
	require.Equal(t, MailerSMTP, cfg.Mail.Type)
	require.Equal(t, "mail.example.com", cfg.Mail.SMTPHost)
	require.Equal(t, 2525, cfg.Mail.SMTPPort)
	require.False(t, cfg.Mail.SMTPStartTLS)

	// A nil file config is a no-op.
	require.NoError(t, ApplyFileConfig(nil, ApplyDefaults()))
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("DIAG_ADDR", "127.0.0.1:3001")
	t.Setenv("DATABASE_URL", "postgres://env@db/certhub")
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("RQ_QUEUE_NAME", "certhub-env")
	t.Setenv("DEFAULT_ORG_ID", "3")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("ACCESS_TOKEN_TTL_MIN", "45")
	t.Setenv("REFRESH_TTL_DAYS", "2")
	t.Setenv("BCRYPT_COST", "12")
	t.Setenv("LOCKOUT_MINUTES", "5")
	t.Setenv("CERTS_ROOT_PATH", "/env/dropzone")
	t.Setenv("RETENTION_KEEP_UNTIL_MAX_HOURS", "12")
	t.Setenv("WATCHER_DEBOUNCE_SECONDS", "7")
	t.Setenv("COOKIE_SECURE", "false")
	t.Setenv("COOKIE_SAMESITE", "none")
	t.Setenv("MAILER_TYPE", "mailgun")
	t.Setenv("MAILGUN_DOMAIN", "mg.example.com")
	t.Setenv("MAILGUN_PRIVATE_KEY", "key-123")
	t.Setenv("MAILGUN_FROM", "certhub@mg.example.com")

	cfg := ApplyDefaults()
	require.NoError(t, ApplyEnvironment(cfg))

	require.Equal(t, EnvProd, cfg.Env)
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, "postgres://env@db/certhub", cfg.DatabaseURL)
	require.Equal(t, "certhub-env", cfg.QueueName)
	require.Equal(t, int64(3), cfg.DefaultOrgID)
	require.Equal(t, []byte("env-secret"), cfg.JWTSecret)
	require.Equal(t, 45*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, 2*24*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 12, cfg.BcryptCost)
	require.Equal(t, 5*time.Minute, cfg.LockoutDuration)
	require.Equal(t, "/env/dropzone", cfg.CertsRootPath)
	require.Equal(t, 12, cfg.KeepUntilMaxHours)
	require.Equal(t, 7*time.Second, cfg.WatcherDebounce)
	require.False(t, cfg.CookieSecure)
	require.Equal(t, http.SameSiteNoneMode, cfg.CookieSameSite)
	require.Equal(t, MailerMailgun, cfg.Mail.Type)
	require.Equal(t, "mg.example.com", cfg.Mail.MailgunDomain)
}

func TestApplyEnvironmentRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "ACCESS_TOKEN_TTL_MIN", value: "soon"},
		{name: "ACCESS_TOKEN_TTL_MIN", value: "-5"},
		{name: "BCRYPT_COST", value: "0"},
		{name: "DEFAULT_ORG_ID", value: "zero"},
		{name: "COOKIE_SECURE", value: "yep"},
		{name: "COOKIE_SAMESITE", value: "sideways"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.name, tt.value)
			err := ApplyEnvironment(ApplyDefaults())
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("JWT_SECRET", "env-wins")
	for _, name := range []string{
		"ENV", "DIAG_ADDR", "DATABASE_URL", "REDIS_URL", "RQ_QUEUE_NAME",
		"ACCESS_TOKEN_TTL_MIN", "BCRYPT_COST", "COOKIE_SECURE", "COOKIE_SAMESITE",
		"MAILER_TYPE", "CERTS_ROOT_PATH",
	} {
		t.Setenv(name, "")
	}

	cfg, err := Load(CommandLineFlags{ConfigFile: path, Debug: true})
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddr)
	require.Equal(t, []byte("env-wins"), cfg.JWTSecret)
	require.False(t, cfg.EphemeralSecret)
	// Values only the file sets still land.
	require.Equal(t, EnvProd, cfg.Env)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	require.True(t, cfg.Debug)
}

func TestCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	t.Run("dev generates an ephemeral secret", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.NotEmpty(t, cfg.JWTSecret)
		require.True(t, cfg.EphemeralSecret)
	})

	t.Run("prod requires a secret", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.Env = EnvProd
		cfg.DatabaseURL = "postgres://db/certhub"
		err := cfg.CheckAndSetDefaults()
		require.Error(t, err)
		require.Contains(t, err.Error(), "JWT_SECRET")
	})

	t.Run("prod requires a database", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.Env = EnvProd
		cfg.JWTSecret = []byte("secret")
		err := cfg.CheckAndSetDefaults()
		require.Error(t, err)
		require.Contains(t, err.Error(), "DATABASE_URL")
	})

	t.Run("prod with secret and database passes", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.Env = EnvProd
		cfg.JWTSecret = []byte("secret")
		cfg.DatabaseURL = "postgres://db/certhub"
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.False(t, cfg.EphemeralSecret)
	})

	t.Run("unknown env profile", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.Env = "staging"
		require.Error(t, cfg.CheckAndSetDefaults())
	})

	t.Run("bcrypt cost out of range", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.BcryptCost = 3
		require.Error(t, cfg.CheckAndSetDefaults())
		cfg = ApplyDefaults()
		cfg.BcryptCost = 32
		require.Error(t, cfg.CheckAndSetDefaults())
	})

	t.Run("negative lockout window", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.LockoutDuration = -time.Minute
		err := cfg.CheckAndSetDefaults()
		require.Error(t, err)
		require.Contains(t, err.Error(), "LOCKOUT_MINUTES")
	})

	t.Run("unknown mail transport", func(t *testing.T) {
		t.Parallel()
		cfg := ApplyDefaults()
		cfg.Mail.Type = "carrier-pigeon"
		require.Error(t, cfg.CheckAndSetDefaults())
	})
}
