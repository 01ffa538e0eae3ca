// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion and overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load consults so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"HOST", "PORT", "NACOS_SERVER_ADDR", "NACOS_NAMESPACE", "NACOS_USERNAME",
		"NACOS_PASSWORD", "SERVICE_NAME", "SERVICE_IP", "NACOS_GATEWAY_SERVICE_NAME",
		"MCP_BRAVE_PATH", "LLM_PROVIDER", "LLM_BASE_URL", "LLM_MODEL", "LOG_LEVEL",
		EnvConfigPath,
	} {
		t.Setenv(v, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  grpc_addr: "0.0.0.0:9001"
  shutdown_timeout: "3s"

database:
  history_path: "/tmp/h.db"
  history_driver: "sqlite3"
  checkpoint_path: "/tmp/c.db"
  pool_min_size: 2
  pool_max_size: 8
  pool_max_lifetime: "5m"

tools:
  brave:
    command: "/opt/brave"
    args: ["--stdio"]
  java:
    url: "http://10.0.0.5:8080"
  call_timeout: "15s"
  listing_cache_ttl: "1m"

discovery:
  enabled: true
  server_addr: "nacos:8848"
  namespace: "dev"
  service_name: "agent"
  ip: "10.0.0.9"
  heartbeat_interval: "5s"

llm:
  provider: "openai"
  model: "gpt-4o"
  temperature: 0.2

workflow:
  save_attempts: 4

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:9001", cfg.Server.GRPCAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "sqlite3", cfg.Database.HistoryDriver)
	assert.Equal(t, 2, cfg.Database.PoolMinSize)
	assert.Equal(t, 8, cfg.Database.PoolMaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Database.PoolMaxLifetime)

	assert.Equal(t, "/opt/brave", cfg.Tools.Brave.Command)
	assert.Equal(t, []string{"--stdio"}, cfg.Tools.Brave.Args)
	assert.Equal(t, "http://10.0.0.5:8080", cfg.Tools.Java.URL)
	assert.Equal(t, "/mcp/message", cfg.Tools.Java.Path)
	assert.Equal(t, 15*time.Second, cfg.Tools.CallTimeout)
	assert.Equal(t, time.Minute, cfg.Tools.ListingCacheTTL)

	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "dev", cfg.Discovery.Namespace)
	assert.Equal(t, 9000, cfg.Discovery.Port, "registration port follows the HTTP listener")
	assert.Equal(t, 5*time.Second, cfg.Discovery.HeartbeatInterval)
	assert.Equal(t, "DEFAULT", cfg.Discovery.Cluster)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, 4, cfg.Workflow.SaveAttempts)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8181", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.HistoryDriver)
	assert.Equal(t, 1, cfg.Database.PoolMinSize)
	assert.Equal(t, 20, cfg.Database.PoolMaxSize)
	assert.Equal(t, 600*time.Second, cfg.Database.PoolMaxLifetime)
	assert.Equal(t, "npx", cfg.Tools.Brave.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-brave-search"}, cfg.Tools.Brave.Args)
	assert.Equal(t, "gateway", cfg.Tools.Java.ServiceName)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, "127.0.0.1:8848", cfg.Discovery.ServerAddr)
	assert.Equal(t, "public", cfg.Discovery.Namespace)
	assert.Equal(t, 3, cfg.Discovery.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Discovery.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Discovery.HeartbeatInterval)
	assert.Equal(t, "agent-gateway.yaml", cfg.Discovery.ConfigDataID)
	assert.Equal(t, "DEFAULT_GROUP", cfg.Discovery.ConfigGroup)
	assert.Equal(t, "template", cfg.LLM.Provider)
	assert.Equal(t, 2, cfg.Workflow.SaveAttempts)
	assert.Equal(t, "search", cfg.Workflow.Trigger)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_LLM_KEY", "sk-secret")

	path := writeConfig(t, "config.yaml", `
llm:
  provider: "anthropic"
  api_key: "${TEST_LLM_KEY}"
  base_url: "${TEST_UNSET_VARIABLE}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey)
	assert.Empty(t, cfg.LLM.BaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9100")
	t.Setenv("NACOS_SERVER_ADDR", "nacos.internal:8848")
	t.Setenv("SERVICE_NAME", "python-agent")
	t.Setenv("MCP_BRAVE_PATH", "/usr/local/bin/brave-mcp")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("LLM_MODEL", "gemini-1.5-flash")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8181"
llm:
  provider: "openai"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.HTTPAddr, "PORT keeps the file's host")
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "nacos.internal:8848", cfg.Discovery.ServerAddr)
	assert.Equal(t, "python-agent", cfg.Discovery.ServiceName)
	assert.Equal(t, 9100, cfg.Discovery.Port)
	assert.Equal(t, "/usr/local/bin/brave-mcp", cfg.Tools.Brave.Command)
	assert.Empty(t, cfg.Tools.Brave.Args, "an overridden command does not inherit npx arguments")
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-1.5-flash", cfg.LLM.Model)
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")

	_, err := Default()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7000"

[database]
history_path = "${TEST_TOML_DIR}/history.db"
pool_max_lifetime = "90s"

[workflow]
trigger = "lookup"
`)
	t.Setenv("TEST_TOML_DIR", "/var/lib/agent")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/agent/history.db", cfg.Database.HistoryPath)
	assert.Equal(t, 90*time.Second, cfg.Database.PoolMaxLifetime)
	assert.Equal(t, "lookup", cfg.Workflow.Trigger)
}

func TestLoad_FileNotFound(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", "server: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"heartbeat", "discovery:\n  heartbeat_interval: \"soon\"\n", "discovery.heartbeat_interval"},
		{"lifetime", "database:\n  pool_max_lifetime: \"forever\"\n", "database.pool_max_lifetime"},
		{"negative", "tools:\n  call_timeout: \"-1s\"\n", "tools.call_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("config.yaml", tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"unknown driver", "database:\n  history_driver: \"postgres\"\n", "history_driver"},
		{"min above max", "database:\n  pool_min_size: 5\n  pool_max_size: 2\n", "pool sizes"},
		{"bad log format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"port out of range", "discovery:\n  enabled: true\n  port: 70000\n", "discovery.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("config.yaml", tt.content)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestSampleParses(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse("config.yaml", Sample)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8181", cfg.Server.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Tools.ListingCacheTTL)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/agent/config.toml")
	assert.Equal(t, "/etc/agent/config.toml", DefaultPath())

	t.Setenv(EnvConfigPath, "")
	assert.True(t, strings.HasSuffix(DefaultPath(), filepath.Join("agent-gateway", "config.yaml")))
}
