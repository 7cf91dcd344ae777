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
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// ConfigFileEnvar names the config file when the --config flag is not
// passed.
const ConfigFileEnvar = "CERTHUB_CONFIG_FILE"

// FileConfig is the YAML form of the CertHub configuration file. Every
// field is optional; unset fields keep their defaults and any value here
// can still be overridden by the corresponding environment variable.
type FileConfig struct {
	Global `yaml:"certhub,omitempty"`
	Auth   AuthYAML   `yaml:"auth,omitempty"`
	Certs  CertsYAML  `yaml:"certs,omitempty"`
	Cookie CookieYAML `yaml:"cookies,omitempty"`
	Mail   MailYAML   `yaml:"mail,omitempty"`
}

// Global holds the top-level `certhub` section.
type Global struct {
	// Env selects the runtime profile, "dev" or "prod".
	Env string `yaml:"env,omitempty"`
	// ListenAddr is the API listener address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DiagAddr is the diagnostics listener address. Empty disables it.
	DiagAddr string `yaml:"diag_addr,omitempty"`
	// DatabaseURL is the postgres connection string. Empty selects the
	// in-memory store, which is only sensible in dev.
	DatabaseURL string `yaml:"database_url,omitempty"`
	// RedisURL is the redis connection string shared by the limiter and
	// the background queue. Empty disables both.
	RedisURL string `yaml:"redis_url,omitempty"`
	// QueueName namespaces the background queue keys.
	QueueName string `yaml:"queue_name,omitempty"`
	// DefaultOrgID is the tenant used by dev-only fallbacks.
	DefaultOrgID int64 `yaml:"default_org_id,omitempty"`
	// Debug lowers the log level to debug.
	Debug bool `yaml:"debug,omitempty"`
}

// AuthYAML holds the `auth` section.
type AuthYAML struct {
	JWTSecret                string `yaml:"jwt_secret,omitempty"`
	AccessTokenTTLMinutes    int    `yaml:"access_token_ttl_min,omitempty"`
	DeviceTokenTTLMinutes    int    `yaml:"device_token_ttl_min,omitempty"`
	RefreshTTLDays           int    `yaml:"refresh_ttl_days,omitempty"`
	SetPasswordTokenTTLMin   int    `yaml:"set_password_token_ttl_min,omitempty"`
	ResetPasswordTokenTTLMin int    `yaml:"reset_password_token_ttl_min,omitempty"`
	BcryptCost               int    `yaml:"bcrypt_cost,omitempty"`
	LockoutMaxAttempts       int    `yaml:"lockout_max_attempts,omitempty"`
	LockoutMinutes           int    `yaml:"lockout_minutes,omitempty"`
}

// CertsYAML holds the `certs` section: the drop zone and its watcher.
type CertsYAML struct {
	RootPath                  string `yaml:"root_path,omitempty"`
	OpenSSLPath               string `yaml:"openssl_path,omitempty"`
	KeepUntilMaxHours         int    `yaml:"keep_until_max_hours,omitempty"`
	WatcherDebounceSeconds    int    `yaml:"watcher_debounce_seconds,omitempty"`
	WatcherMaxEventsPerMinute int    `yaml:"watcher_max_events_per_minute,omitempty"`
}

// CookieYAML holds the `cookies` section controlling the refresh cookie.
// Secure and HTTPOnly are pointers so an explicit `false` survives the
// merge with the secure-by-default values.
type CookieYAML struct {
	Secure   *bool  `yaml:"secure,omitempty"`
	HTTPOnly *bool  `yaml:"http_only,omitempty"`
	SameSite string `yaml:"same_site,omitempty"`
}

// MailYAML holds the `mail` section.
type MailYAML struct {
	// Type selects the transport: "none", "smtp" or "mailgun".
	Type    string      `yaml:"type,omitempty"`
	SMTP    SMTPYAML    `yaml:"smtp,omitempty"`
	Mailgun MailgunYAML `yaml:"mailgun,omitempty"`
}

// SMTPYAML holds the SMTP transport settings.
type SMTPYAML struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from,omitempty"`
	StartTLS *bool  `yaml:"starttls,omitempty"`
}

// MailgunYAML holds the Mailgun transport settings.
type MailgunYAML struct {
	Domain     string `yaml:"domain,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	From       string `yaml:"from,omitempty"`
}

// ReadConfigFile locates and parses the configuration file. The --config
// flag wins over the CERTHUB_CONFIG_FILE environment variable; when
// neither is set there is no file to read and (nil, nil) is returned.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	path := cliConfigPath
	if path == "" {
		path = os.Getenv(ConfigFileEnvar)
	}
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("config file %v is not found", path)
		}
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses the YAML configuration from the reader. Unknown keys
// are rejected so a typo fails loudly instead of silently keeping a
// default.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed reading configuration")
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(bytes, &fc); err != nil {
		// Flatten the YAML error so it prints on one line.
		return nil, trace.BadParameter("failed to parse configuration: %v",
			strings.ReplaceAll(err.Error(), "\n", ""))
	}
	return &fc, nil
}
