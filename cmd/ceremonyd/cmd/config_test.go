package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/server"
)

const testOperatorSecret = "0123456789abcdef0123456789abcdef"

func writeConfigFile(t *testing.T, home, name, contents string) string {
	t.Helper()
	dir := filepath.Join(home, configDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func runRoot(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(home)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, path, err := LoadConfig(home, "")
	require.NoError(t, err)
	require.Empty(t, path)

	defaults := coordinator.DefaultConfig(home)
	require.Equal(t, defaults.Storage, cfg.Storage)
	require.Equal(t, defaults.Ceremony, cfg.Ceremony)
	require.Equal(t, defaults.Log, cfg.Log)
	require.Equal(t, defaults.Telemetry, cfg.Telemetry)
	require.Equal(t, defaults.API.ListenAddr, cfg.API.ListenAddr)
}

func TestLoadConfigTOMLOverlay(t *testing.T) {
	home := t.TempDir()
	path := writeConfigFile(t, home, configTOML, `
[api]
listen_addr = "0.0.0.0:9000"
rate_limit_per_second = 2.5
token_ttl = "1h"

[ceremony]
target_participants = 12
accept_timeout = "30s"

[[beacon.sources]]
name = "mainnet"
kind = "static"
file = "/etc/ceremony/beacons.json"

[log]
level = "debug"
format = "json"

[telemetry]
enabled = true
otlp-endpoint = "collector:4318"
`)

	cfg, loaded, err := LoadConfig(home, "")
	require.NoError(t, err)
	require.Equal(t, path, loaded)

	require.Equal(t, "0.0.0.0:9000", cfg.API.ListenAddr)
	require.Equal(t, 2.5, cfg.API.RateLimitPerSecond)
	require.Equal(t, time.Hour, cfg.API.TokenTTL)
	require.Equal(t, uint64(12), cfg.Ceremony.TargetParticipants)
	require.Equal(t, 30*time.Second, cfg.Ceremony.AcceptTimeout)
	require.Equal(t, []coordinator.BeaconSourceConfig{
		{Name: "mainnet", Kind: "static", File: "/etc/ceremony/beacons.json"},
	}, cfg.Beacon.Sources)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, "collector:4318", cfg.Telemetry.OTLPEndpoint)

	// untouched keys keep their defaults
	defaults := coordinator.DefaultConfig(home)
	require.Equal(t, defaults.API.RateLimitBurst, cfg.API.RateLimitBurst)
	require.Equal(t, defaults.Storage, cfg.Storage)
	require.Equal(t, defaults.Log.MaxSizeMB, cfg.Log.MaxSizeMB)
}

func TestLoadConfigEnvironment(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, configTOML, `
[api]
operator_secret = "overridden-by-the-environment-0000"
`)
	t.Setenv("CEREMONY_API_OPERATOR_SECRET", testOperatorSecret)
	t.Setenv("CEREMONY_LOG_LEVEL", "warn")

	cfg, _, err := LoadConfig(home, "")
	require.NoError(t, err)
	require.Equal(t, testOperatorSecret, cfg.API.OperatorSecret)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		errMsg   string
	}{
		{"unknown backend", "[storage]\nbackend = \"rocksdb\"\n", "unsupported storage backend"},
		{"short secret", "[api]\noperator_secret = \"short\"\n", "at least 32 characters"},
		{"beacon without url", "[[beacon.sources]]\nname = \"eth\"\nkind = \"ethereum\"\n", "needs an rpc_url"},
		{"malformed", "[api\n", "failed to read config"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			path := writeConfigFile(t, home, "custom.toml", tc.contents)
			_, _, err := LoadConfig(home, path)
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestConfigInitAndShow(t *testing.T) {
	t.Setenv("CEREMONY_API_OPERATOR_SECRET", testOperatorSecret)
	home := t.TempDir()

	stdout, err := runRoot(t, home, "config", "init")
	require.NoError(t, err)
	path := strings.TrimSpace(stdout)
	require.Equal(t, filepath.Join(home, configDir, configJSON), path)

	_, err = runRoot(t, home, "config", "init")
	require.ErrorContains(t, err, "already exists")
	_, err = runRoot(t, home, "config", "init", "--force")
	require.NoError(t, err)

	// the JSON written by init reads back to the defaults
	cfg, loaded, err := LoadConfig(home, "")
	require.NoError(t, err)
	require.Equal(t, path, loaded)
	defaults := coordinator.DefaultConfig(home)
	require.Equal(t, defaults.Ceremony, cfg.Ceremony)
	require.Equal(t, defaults.API.ReadTimeout, cfg.API.ReadTimeout)
	require.Equal(t, defaults.API.MaxUploadBytes, cfg.API.MaxUploadBytes)
	require.Equal(t, defaults.Telemetry, cfg.Telemetry)

	stdout, err = runRoot(t, "", "config", "show", "--home", home)
	require.NoError(t, err)
	var shown coordinator.Config
	require.NoError(t, json.Unmarshal([]byte(stdout), &shown))
	require.Equal(t, redacted, shown.API.OperatorSecret)
	require.Equal(t, defaults.Storage, shown.Storage)
}

func TestTokenCmd(t *testing.T) {
	home := t.TempDir()

	_, err := runRoot(t, home, "token", "alice")
	require.ErrorContains(t, err, "no operator secret")

	t.Setenv("CEREMONY_API_OPERATOR_SECRET", testOperatorSecret)
	stdout, err := runRoot(t, home, "token", "alice", "--ttl", "10m")
	require.NoError(t, err)

	var out struct {
		Token     string    `json:"token"`
		Operator  string    `json:"operator"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Equal(t, "alice", out.Operator)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), out.ExpiresAt, time.Minute)

	claims, err := server.NewAuthService(testOperatorSecret, time.Hour).ValidateToken(out.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()
	stdout, err := runRoot(t, t.TempDir(), "version")
	require.NoError(t, err)
	require.Equal(t, Version+"\n", stdout)
}
