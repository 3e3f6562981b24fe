package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeTempConfig(t, "server.toml", `
[server]
address = "127.0.0.1:9000"
app = "static"
root_path = "/svc"
drain_timeout = "5s"

[logging]
log_level = "DEBUG"

[logging.access_log]
target = "stderr"

[apps.static]
document_root = "/srv/www"
index_files = ["index.html"]

[apps.static.mime_types]
".wasm" = "application/wasm"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", *cfg.Server.Address)
	assert.Equal(t, "static", *cfg.Server.App)
	assert.Equal(t, "/svc", *cfg.Server.RootPath)
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout())
	assert.Equal(t, LogLevelDebug, cfg.Logging.LogLevel)
	assert.Equal(t, "stderr", cfg.Logging.AccessLog.Target)
	require.NotNil(t, cfg.Apps.Static)
	assert.Equal(t, "/srv/www", cfg.Apps.Static.DocumentRoot)
	assert.Equal(t, []string{"index.html"}, cfg.Apps.Static.IndexFiles)
	assert.Equal(t, "application/wasm", cfg.Apps.Static.MimeTypes[".wasm"])
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeTempConfig(t, "server.json", `{
  "server": {"address": "0.0.0.0:8443", "tls": {"enabled": true, "cert_file": "/tls/cert.pem", "key_file": "/tls/key.pem"}},
  "logging": {"log_level": "WARNING"}
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8443", *cfg.Server.Address)
	assert.True(t, cfg.TLSEnabled())
	assert.Equal(t, LogLevelWarning, cfg.Logging.LogLevel)
	// Defaults applied for everything unspecified.
	assert.Equal(t, "echo", *cfg.Server.App)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout())
	assert.True(t, *cfg.Logging.AccessLog.Enabled)
	assert.Equal(t, "stdout", cfg.Logging.AccessLog.Target)
}

func TestLoadConfigAutoDetect(t *testing.T) {
	// A .conf extension forces content sniffing: TOML first, JSON second.
	tomlPath := writeTempConfig(t, "a.conf", "[server]\naddress = \"127.0.0.1:1\"\n")
	cfg, err := LoadConfig(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", *cfg.Server.Address)

	jsonPath := writeTempConfig(t, "b.conf", `{"server": {"address": "127.0.0.1:2"}}`)
	cfg, err = LoadConfig(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2", *cfg.Server.Address)
}

func TestLoadConfigDefaultsFromEmpty(t *testing.T) {
	cfg, err := ParseConfig(nil, ".toml")
	require.NoError(t, err)
	assert.Equal(t, defaultAddress, *cfg.Server.Address)
	assert.Equal(t, defaultApp, *cfg.Server.App)
	assert.Equal(t, "", *cfg.Server.RootPath)
	assert.Equal(t, LogLevelInfo, cfg.Logging.LogLevel)
	assert.Equal(t, "stderr", cfg.Logging.ErrorLog.Target)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("[server]\nadress = \"oops\"\n"), ".toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")

	_, err = ParseConfig([]byte(`{"server": {"adress": "oops"}}`), ".json")
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
	}{
		{"bad log level", "[logging]\nlog_level = \"LOUD\"\n", "logging.log_level"},
		{"bad drain timeout", "[server]\ndrain_timeout = \"soon\"\n", "server.drain_timeout"},
		{"relative log target", "[logging.error_log]\ntarget = \"logs/err\"\n", "logging.error_log.target"},
		{"tls missing cert", "[server.tls]\nenabled = true\nkey_file = \"/k\"\n", "server.tls.cert_file"},
		{"tls missing key", "[server.tls]\nenabled = true\ncert_file = \"/c\"\n", "server.tls.key_file"},
		{"static without root", "[server]\napp = \"static\"\n", "apps.static.document_root"},
		{"empty address", "[server]\naddress = \"\"\n", "server.address"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.content), ".toml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantKey)
		})
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeTempConfig(t, "live.toml", "[logging]\nlog_level = \"INFO\"\n")

	var mu sync.Mutex
	var got []*Config
	var errs []error
	w, err := NewWatcher(path,
		func(c *Config) { mu.Lock(); got = append(got, c); mu.Unlock() },
		func(e error) { mu.Lock(); errs = append(errs, e); mu.Unlock() })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"DEBUG\"\n"), 0644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 5*time.Second, 20*time.Millisecond, "watcher never delivered the new revision")

	mu.Lock()
	assert.Equal(t, LogLevelDebug, got[len(got)-1].Logging.LogLevel)
	mu.Unlock()

	// A broken revision is reported, not applied.
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"LOUD\"\n"), 0644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) >= 1
	}, 5*time.Second, 20*time.Millisecond, "watcher never reported the invalid revision")

	cancel()
	<-done
}
