// ABOUTME: Default values applied after parsing and the sample file written by `init`
// ABOUTME: Defaults mirror the deployment the gateway replaces (port 8181, Nacos on 8848)

package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8181

	defaultNacosAddr      = "127.0.0.1:8848"
	defaultNamespace      = "public"
	defaultServiceName    = "agent-gateway"
	defaultGatewayService = "gateway"
	defaultJavaPath       = "/mcp/message"
	defaultBraveCommand   = "npx"
	defaultGroup          = "DEFAULT_GROUP"
	defaultCluster        = "DEFAULT"
	defaultConfigDataID   = "agent-gateway.yaml"
)

var defaultBraveArgs = []string{"-y", "@modelcontextprotocol/server-brave-search"}

// Default returns a config built only from defaults and the environment.
func Default() (*Config, error) {
	return Load("")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = net.JoinHostPort(defaultHost, strconv.Itoa(defaultPort))
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	db := &cfg.Database
	if db.HistoryPath == "" {
		db.HistoryPath = filepath.Join("data", "history.db")
	}
	if db.HistoryDriver == "" {
		db.HistoryDriver = "sqlite"
	}
	if db.CheckpointPath == "" {
		db.CheckpointPath = filepath.Join("data", "checkpoints.db")
	}
	if db.PoolMinSize == 0 {
		db.PoolMinSize = 1
	}
	if db.PoolMaxSize == 0 {
		db.PoolMaxSize = 20
	}
	if db.PoolMaxLifetime == 0 {
		db.PoolMaxLifetime = 600 * time.Second
	}
	if db.PoolAcquireTimeout == 0 {
		db.PoolAcquireTimeout = 30 * time.Second
	}

	tools := &cfg.Tools
	if tools.Brave.Command == "" {
		tools.Brave.Command = defaultBraveCommand
		if len(tools.Brave.Args) == 0 {
			tools.Brave.Args = append([]string(nil), defaultBraveArgs...)
		}
	}
	if tools.Java.ServiceName == "" {
		tools.Java.ServiceName = defaultGatewayService
	}
	if tools.Java.Path == "" {
		tools.Java.Path = defaultJavaPath
	}
	if tools.CallTimeout == 0 {
		tools.CallTimeout = 30 * time.Second
	}
	if tools.ConnectTimeout == 0 {
		tools.ConnectTimeout = 60 * time.Second
	}

	d := &cfg.Discovery
	if d.ServerAddr == "" {
		d.ServerAddr = defaultNacosAddr
	}
	if d.Namespace == "" {
		d.Namespace = defaultNamespace
	}
	if d.ServiceName == "" {
		d.ServiceName = defaultServiceName
	}
	if d.Group == "" {
		d.Group = defaultGroup
	}
	if d.Cluster == "" {
		d.Cluster = defaultCluster
	}
	if d.Port == 0 {
		if _, p, err := net.SplitHostPort(cfg.Server.HTTPAddr); err == nil {
			d.Port, _ = strconv.Atoi(p)
		}
	}
	if d.Weight == 0 {
		d.Weight = 1
	}
	if d.RetryAttempts == 0 {
		d.RetryAttempts = 3
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = 2 * time.Second
	}
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = 10 * time.Second
	}
	if d.ConfigDataID == "" {
		d.ConfigDataID = defaultConfigDataID
	}
	if d.ConfigGroup == "" {
		d.ConfigGroup = defaultGroup
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "template"
	}

	if cfg.Workflow.SaveAttempts == 0 {
		cfg.Workflow.SaveAttempts = 2
	}
	if cfg.Workflow.Trigger == "" {
		cfg.Workflow.Trigger = "search"
	}
	if cfg.Workflow.SearchTool == "" {
		cfg.Workflow.SearchTool = "brave_web_search"
	}
}

// Sample is the annotated file written by `agent-gateway init`.
const Sample = `# agent-gateway configuration
server:
  http_addr: "127.0.0.1:8181"
  grpc_addr: ""              # grpc.health.v1, empty disables
  shutdown_timeout: "10s"

logging:
  level: "info"              # debug, info, warn, error
  format: "text"             # text, json

database:
  history_path: "data/history.db"
  history_driver: "sqlite"   # sqlite (pure Go) or sqlite3 (cgo)
  checkpoint_path: "data/checkpoints.db"
  pool_min_size: 1
  pool_max_size: 20
  pool_max_lifetime: "600s"

tools:
  brave:
    command: "npx"
    args: ["-y", "@modelcontextprotocol/server-brave-search"]
  java:
    service_name: "gateway"
    path: "/mcp/message"
  # manifest_path: "mcp.jsonc"
  call_timeout: "30s"
  listing_cache_ttl: "30s"

discovery:
  enabled: false
  server_addr: "127.0.0.1:8848"
  namespace: "public"
  service_name: "agent-gateway"
  heartbeat_interval: "10s"
  retry_attempts: 3
  retry_delay: "2s"
  config_data_id: "agent-gateway.yaml"
  config_group: "DEFAULT_GROUP"

llm:
  provider: "template"       # template, gemini, openai, anthropic
  base_url: ""
  model: ""
  api_key: "${LLM_API_KEY}"

workflow:
  save_attempts: 2
  trigger: "search"
  search_tool: "brave_web_search"
`
