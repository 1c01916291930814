/*
 * BTPS
 * Copyright (C) 2025  BTPS Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config reads and validates the btpsd host configuration: a YAML
// file plus a small set of environment overrides applied after the file
// loads. The package only parses and validates; the daemon wires the
// resulting values into stores, pipeline, and server.
package config

import (
	"crypto"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/identity"
)

// Environment variables the daemon honors after the file loads.
const (
	// EnvPort overrides the listen port.
	EnvPort = "BTPS_PORT"
	// EnvCertPath and EnvKeyPath override the TLS certificate and key
	// file locations.
	EnvCertPath = "BTPS_CERT_PATH"
	EnvKeyPath  = "BTPS_KEY_PATH"
	// EnvUseTLS disables TLS when set to a false value, for deployments
	// behind a TLS-terminating proxy.
	EnvUseTLS = "USE_TLS"
	// EnvTLSCert and EnvTLSKey carry base64 encoded PEM material inline,
	// taking precedence over file paths.
	EnvTLSCert = "TLS_CERT"
	EnvTLSKey  = "TLS_KEY"
	// EnvRuntime switches runtime profiles; "development" turns on debug
	// logging.
	EnvRuntime = "BTPS_ENV"
)

// Duration is a time.Duration that unmarshals from "30s" style strings.
// Bare JSON numbers are taken as nanoseconds, matching time.Duration.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return trace.Wrap(err)
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return trace.BadParameter("invalid duration %q: %v", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(value)
	default:
		return trace.BadParameter("duration must be a string or number, got %T", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Value returns the plain time.Duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// FileConfig is the top-level YAML structure of a btpsd config file.
type FileConfig struct {
	Server     Server     `json:"server"`
	Log        Log        `json:"log,omitempty"`
	Storage    Storage    `json:"storage,omitempty"`
	Auth       Auth       `json:"auth,omitempty"`
	Middleware Middleware `json:"middleware,omitempty"`
	Resolver   Resolver   `json:"resolver,omitempty"`
}

// Server configures the listener and the daemon's protocol identity.
type Server struct {
	// ListenAddr is the host:port to bind. Defaults to the BTPS port on
	// all interfaces.
	ListenAddr string `json:"listen_addr,omitempty"`
	// Identity is the server's BTPS identity, used as the signer of
	// responses and as the receiver of auth requests.
	Identity string `json:"identity,omitempty"`
	// Selector names the published key responses are signed under.
	Selector string `json:"selector,omitempty"`
	// SigningKeyFile holds the PEM private key for signed responses.
	// Responses go unsigned without it.
	SigningKeyFile string `json:"signing_key_file,omitempty"`
	// TLS configures the listener's transport security.
	TLS TLS `json:"tls,omitempty"`
	// IdleTimeout closes connections that produce no complete line.
	IdleTimeout Duration `json:"idle_timeout,omitempty"`
	// RequestTimeout bounds one artifact's processing.
	RequestTimeout Duration `json:"request_timeout,omitempty"`
	// DrainTimeout bounds the shutdown wait for in-flight requests.
	DrainTimeout Duration `json:"drain_timeout,omitempty"`
	// MaxLineBytes caps one request line.
	MaxLineBytes int `json:"max_line_bytes,omitempty"`
	// MaxConnectionsPerIP caps concurrent connections per remote IP.
	MaxConnectionsPerIP int64 `json:"max_connections_per_ip,omitempty"`
	// DiagAddr enables an HTTP listener serving /metrics and /healthz.
	// Empty leaves diagnostics off.
	DiagAddr string `json:"diag_addr,omitempty"`
}

// TLS selects the listener certificate: file paths, inline base64 PEM, or
// disabled entirely behind a terminating proxy. Inline material wins over
// file paths.
type TLS struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	// Cert and Key are base64 encoded PEM blocks.
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
	// Disabled serves plain TCP.
	Disabled bool `json:"disabled,omitempty"`
}

// Log configures the slog handler the daemon installs.
type Log struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `json:"level,omitempty"`
	// Format is text or json. Defaults to text.
	Format string `json:"format,omitempty"`
}

// Storage selects where trust records and tokens persist.
type Storage struct {
	// Type is memory or file. Defaults to memory.
	Type string `json:"type,omitempty"`
	// Path locates the JSON document file for type file. Trust records
	// and tokens share the one document.
	Path string `json:"path,omitempty"`
	// FlushInterval debounces disk writes.
	FlushInterval Duration `json:"flush_interval,omitempty"`
	// WatchExternal reloads the file when another process rewrites it.
	WatchExternal bool `json:"watch_external,omitempty"`
}

// Auth shapes the agent session tokens the daemon issues.
type Auth struct {
	// AuthTokenTTL bounds how long a minted auth token may sit unredeemed.
	AuthTokenTTL Duration `json:"auth_token_ttl,omitempty"`
	// RefreshTokenTTL is the lifetime of issued refresh tokens.
	RefreshTokenTTL Duration `json:"refresh_token_ttl,omitempty"`
}

// Middleware points at the operator's middleware chain file.
type Middleware struct {
	// ChainFile is the YAML chain description, empty means none.
	ChainFile string `json:"chain_file,omitempty"`
}

// Resolver tunes DNS discovery.
type Resolver struct {
	// CacheTTL bounds reuse of resolved records.
	CacheTTL Duration `json:"cache_ttl,omitempty"`
}

// ReadFromFile loads, parses, and applies environment overrides to the
// config at path.
func ReadFromFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, trace.Wrap(err, "parsing config file %s", path)
	}
	return cfg, nil
}

// Parse decodes a YAML config, applies environment overrides, and
// validates the result.
func Parse(raw []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, trace.BadParameter("invalid config: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// ApplyEnv overlays the environment variables onto the file values. The
// environment wins.
func (c *FileConfig) ApplyEnv() error {
	if port := os.Getenv(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return trace.BadParameter("%s=%q is not a valid port", EnvPort, port)
		}
		host := defaults.BindAddr
		if c.Server.ListenAddr != "" {
			if h, _, err := net.SplitHostPort(c.Server.ListenAddr); err == nil {
				host = h
			} else {
				host = c.Server.ListenAddr
			}
		}
		c.Server.ListenAddr = net.JoinHostPort(host, port)
	}
	if cert := os.Getenv(EnvCertPath); cert != "" {
		c.Server.TLS.CertFile = cert
	}
	if key := os.Getenv(EnvKeyPath); key != "" {
		c.Server.TLS.KeyFile = key
	}
	if use := os.Getenv(EnvUseTLS); use != "" {
		enabled, err := strconv.ParseBool(use)
		if err != nil {
			return trace.BadParameter("%s=%q is not a boolean", EnvUseTLS, use)
		}
		c.Server.TLS.Disabled = !enabled
	}
	if cert := os.Getenv(EnvTLSCert); cert != "" {
		c.Server.TLS.Cert = cert
	}
	if key := os.Getenv(EnvTLSKey); key != "" {
		c.Server.TLS.Key = key
	}
	if env := os.Getenv(EnvRuntime); env == "development" {
		c.Log.Level = "debug"
	}
	return nil
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = net.JoinHostPort(defaults.BindAddr, strconv.Itoa(defaults.Port))
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		return trace.BadParameter("server.listen_addr %q is not host:port: %v", c.Server.ListenAddr, err)
	}
	if c.Server.DiagAddr != "" {
		if _, _, err := net.SplitHostPort(c.Server.DiagAddr); err != nil {
			return trace.BadParameter("server.diag_addr %q is not host:port: %v", c.Server.DiagAddr, err)
		}
	}
	if c.Server.Identity != "" {
		if _, err := identity.Parse(c.Server.Identity); err != nil {
			return trace.Wrap(err, "server.identity")
		}
	}
	if c.Server.SigningKeyFile != "" && c.Server.Identity == "" {
		return trace.BadParameter("server.signing_key_file requires server.identity")
	}
	if c.Server.SigningKeyFile != "" && c.Server.Selector == "" {
		c.Server.Selector = defaults.Selector
	}
	for name, d := range map[string]Duration{
		"server.idle_timeout":    c.Server.IdleTimeout,
		"server.request_timeout": c.Server.RequestTimeout,
		"server.drain_timeout":   c.Server.DrainTimeout,
		"storage.flush_interval": c.Storage.FlushInterval,
		"auth.auth_token_ttl":    c.Auth.AuthTokenTTL,
		"auth.refresh_token_ttl": c.Auth.RefreshTokenTTL,
		"resolver.cache_ttl":     c.Resolver.CacheTTL,
	} {
		if d < 0 {
			return trace.BadParameter("%s must not be negative", name)
		}
	}
	if c.Server.MaxLineBytes < 0 {
		return trace.BadParameter("server.max_line_bytes must not be negative")
	}
	if err := c.Server.TLS.check(); err != nil {
		return trace.Wrap(err)
	}

	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return trace.BadParameter("log.format %q is not text or json", c.Log.Format)
	}

	switch c.Storage.Type {
	case "":
		c.Storage.Type = StorageMemory
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return trace.BadParameter("storage.type %q requires storage.path", c.Storage.Type)
		}
	default:
		return trace.BadParameter("storage.type %q is not %q or %q", c.Storage.Type, StorageMemory, StorageFile)
	}
	return nil
}

// Storage backend names.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

func (t *TLS) check() error {
	if t.Disabled {
		return nil
	}
	if (t.Cert == "") != (t.Key == "") {
		return trace.BadParameter("server.tls inline cert and key must be set together")
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return trace.BadParameter("server.tls.cert_file and key_file must be set together")
	}
	if t.Cert == "" && t.CertFile == "" {
		return trace.BadParameter("server.tls needs cert/key material, or set server.tls.disabled")
	}
	if t.Cert != "" {
		// Decode now so a broken inline pair fails at config load.
		if _, err := t.InlineConfig(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// InlineConfig builds a tls.Config from the inline base64 PEM material.
func (t *TLS) InlineConfig() (*tls.Config, error) {
	certPEM, err := base64.StdEncoding.DecodeString(t.Cert)
	if err != nil {
		return nil, trace.BadParameter("server.tls.cert is not valid base64: %v", err)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(t.Key)
	if err != nil {
		return nil, trace.BadParameter("server.tls.key is not valid base64: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, trace.BadParameter("server.tls inline material is not a valid key pair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// LoadSigningKey reads and parses the response signing key. Returns nil
// without a configured key file.
func (s *Server) LoadSigningKey() (crypto.Signer, error) {
	if s.SigningKeyFile == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(s.SigningKeyFile)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	signer, err := envelope.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, trace.Wrap(err, "server.signing_key_file %s", s.SigningKeyFile)
	}
	return signer, nil
}

// SlogLevel maps the configured level onto slog.
func (l *Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
