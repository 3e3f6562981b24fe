// Package config loads and validates the server configuration from TOML or
// JSON files and watches the file for live logging changes.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for diagnostic logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Apps    *AppsConfig    `json:"apps,omitempty" toml:"apps,omitempty"`
}

// ServerConfig holds the listener and lifecycle settings.
type ServerConfig struct {
	// Address is the listen address in host:port form.
	Address *string `json:"address,omitempty" toml:"address,omitempty"`
	// App names the registered application served to every stream.
	App *string `json:"app,omitempty" toml:"app,omitempty"`
	// RootPath is handed to applications through the request scope.
	RootPath *string `json:"root_path,omitempty" toml:"root_path,omitempty"`
	// DrainTimeout bounds graceful shutdown, e.g. "30s".
	DrainTimeout *string    `json:"drain_timeout,omitempty" toml:"drain_timeout,omitempty"`
	TLS          *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`
}

// TLSConfig configures TLS termination for the listener.
type TLSConfig struct {
	Enabled  *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	CertFile string `json:"cert_file,omitempty" toml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" toml:"key_file,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures per-stream access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
}

// ErrorLogConfig configures diagnostic logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// AppsConfig carries the per-application settings blocks. Only the block of
// the selected application is consulted.
type AppsConfig struct {
	Static *StaticAppConfig `json:"static,omitempty" toml:"static,omitempty"`
	Echo   *EchoAppConfig   `json:"echo,omitempty" toml:"echo,omitempty"`
}

// StaticAppConfig configures the built-in static file application.
type StaticAppConfig struct {
	DocumentRoot string `json:"document_root" toml:"document_root"`
	// IndexFiles are tried, in order, when a directory is requested.
	IndexFiles []string `json:"index_files,omitempty" toml:"index_files,omitempty"`
	// MimeTypes maps lowercased file extensions (with dot) to content
	// types, overriding the built-in table.
	MimeTypes map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
}

// EchoAppConfig configures the built-in echo application.
type EchoAppConfig struct {
	// HeaderPrefix, when set, restricts the echoed header dump to request
	// headers whose name starts with the prefix (case-insensitive).
	HeaderPrefix string `json:"header_prefix,omitempty" toml:"header_prefix,omitempty"`
}

const (
	defaultAddress      = "127.0.0.1:8080"
	defaultApp          = "echo"
	defaultDrainTimeout = "30s"
)

// LoadConfig reads, parses, validates, and defaults the configuration at
// path. The format is chosen by file extension (.toml/.json); any other
// extension is tried as TOML first and JSON second.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses raw configuration bytes. ext is the source file's
// extension (may be empty) and only steers format detection.
func ParseConfig(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	case ".toml":
		if err := decodeTOMLStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding TOML: %w", err)
		}
	default:
		if tomlErr := decodeTOMLStrict(data, cfg); tomlErr != nil {
			*cfg = Config{}
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if jsonErr := dec.Decode(cfg); jsonErr != nil {
				return nil, fmt.Errorf("content is neither valid TOML (%v) nor valid JSON (%v)", tomlErr, jsonErr)
			}
		}
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeTOMLStrict decodes TOML and rejects keys the Config schema does not
// know, so typos fail loudly instead of being silently ignored.
func decodeTOMLStrict(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return nil
}

// applyDefaults fills in every optional field the rest of the server relies
// on being present.
func applyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := defaultAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.App == nil {
		app := defaultApp
		cfg.Server.App = &app
	}
	if cfg.Server.RootPath == nil {
		root := ""
		cfg.Server.RootPath = &root
	}
	if cfg.Server.DrainTimeout == nil {
		d := defaultDrainTimeout
		cfg.Server.DrainTimeout = &d
	}
	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		enabled := true
		cfg.Logging.AccessLog.Enabled = &enabled
	}
	if cfg.Logging.AccessLog.Target == "" {
		cfg.Logging.AccessLog.Target = "stdout"
	}
	if cfg.Apps == nil {
		cfg.Apps = &AppsConfig{}
	}
}

// Validate checks a defaulted configuration for semantic errors. Error
// messages name the offending key.
func Validate(cfg *Config) error {
	if *cfg.Server.Address == "" {
		return fmt.Errorf("server.address: must not be empty")
	}
	if *cfg.Server.App == "" {
		return fmt.Errorf("server.app: must not be empty")
	}
	if _, err := time.ParseDuration(*cfg.Server.DrainTimeout); err != nil {
		return fmt.Errorf("server.drain_timeout: %w", err)
	}
	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level: unknown level %q", cfg.Logging.LogLevel)
	}
	if err := validateTarget("logging.error_log.target", cfg.Logging.ErrorLog.Target); err != nil {
		return err
	}
	if err := validateTarget("logging.access_log.target", cfg.Logging.AccessLog.Target); err != nil {
		return err
	}
	if tls := cfg.Server.TLS; tls != nil && tls.Enabled != nil && *tls.Enabled {
		if tls.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file: required when TLS is enabled")
		}
		if tls.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file: required when TLS is enabled")
		}
	}
	if *cfg.Server.App == "static" {
		if cfg.Apps == nil || cfg.Apps.Static == nil || cfg.Apps.Static.DocumentRoot == "" {
			return fmt.Errorf("apps.static.document_root: required when server.app is \"static\"")
		}
	}
	return nil
}

// validateTarget accepts "stdout", "stderr", or an absolute file path.
func validateTarget(key, target string) error {
	if target == "stdout" || target == "stderr" {
		return nil
	}
	if !filepath.IsAbs(target) {
		return fmt.Errorf("%s: file targets must be absolute paths, got %q", key, target)
	}
	return nil
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// TLSEnabled reports whether the configuration asks for a TLS listener.
func (c *Config) TLSEnabled() bool {
	return c.Server != nil && c.Server.TLS != nil &&
		c.Server.TLS.Enabled != nil && *c.Server.TLS.Enabled
}

// DrainTimeout returns the parsed graceful-shutdown bound. Validate has
// already checked that the string parses.
func (c *Config) DrainTimeout() time.Duration {
	d, err := time.ParseDuration(*c.Server.DrainTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
