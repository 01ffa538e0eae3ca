// ABOUTME: Configuration loading and parsing for agent-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, env overrides, defaults and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable that points at the config file.
const EnvConfigPath = "AGENT_GATEWAY_CONFIG"

// Config represents the complete agent-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Workflow  WorkflowConfig  `yaml:"workflow" toml:"workflow"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves grpc.health.v1; empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DatabaseConfig holds the history and checkpoint database settings
type DatabaseConfig struct {
	HistoryPath string `yaml:"history_path" toml:"history_path"`
	// HistoryDriver is "sqlite" (pure Go) or "sqlite3" (cgo).
	HistoryDriver  string `yaml:"history_driver" toml:"history_driver"`
	CheckpointPath string `yaml:"checkpoint_path" toml:"checkpoint_path"`

	PoolMinSize int `yaml:"pool_min_size" toml:"pool_min_size"`
	PoolMaxSize int `yaml:"pool_max_size" toml:"pool_max_size"`

	PoolMaxLifetime    time.Duration `yaml:"-" toml:"-"`
	PoolAcquireTimeout time.Duration `yaml:"-" toml:"-"`

	PoolMaxLifetimeRaw    string `yaml:"pool_max_lifetime" toml:"pool_max_lifetime"`
	PoolAcquireTimeoutRaw string `yaml:"pool_acquire_timeout" toml:"pool_acquire_timeout"`
}

// ToolsConfig describes the tool servers registered at startup
type ToolsConfig struct {
	Brave BraveConfig `yaml:"brave" toml:"brave"`
	Java  JavaConfig  `yaml:"java" toml:"java"`
	// ManifestPath is an optional mcpServers JSON-with-comments file.
	ManifestPath string `yaml:"manifest_path" toml:"manifest_path"`

	CallTimeout     time.Duration `yaml:"-" toml:"-"`
	ListingCacheTTL time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout  time.Duration `yaml:"-" toml:"-"`

	CallTimeoutRaw     string `yaml:"call_timeout" toml:"call_timeout"`
	ListingCacheTTLRaw string `yaml:"listing_cache_ttl" toml:"listing_cache_ttl"`
	ConnectTimeoutRaw  string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// BraveConfig is the brave-search stdio server
type BraveConfig struct {
	Disabled bool     `yaml:"disabled" toml:"disabled"`
	Command  string   `yaml:"command" toml:"command"`
	Args     []string `yaml:"args" toml:"args"`
}

// JavaConfig is the java-service HTTP tool server
type JavaConfig struct {
	Disabled bool `yaml:"disabled" toml:"disabled"`
	// URL skips discovery when set.
	URL         string `yaml:"url" toml:"url"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
	Path        string `yaml:"path" toml:"path"`
}

// DiscoveryConfig holds Nacos registration and dynamic config settings
type DiscoveryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	ServerAddr  string  `yaml:"server_addr" toml:"server_addr"`
	Namespace   string  `yaml:"namespace" toml:"namespace"`
	Username    string  `yaml:"username" toml:"username"`
	Password    string  `yaml:"password" toml:"password"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	Group       string  `yaml:"group" toml:"group"`
	Cluster     string  `yaml:"cluster" toml:"cluster"`
	IP          string  `yaml:"ip" toml:"ip"`
	Port        int     `yaml:"port" toml:"port"`
	Weight      float64 `yaml:"weight" toml:"weight"`

	RetryAttempts int `yaml:"retry_attempts" toml:"retry_attempts"`

	ConfigDataID string `yaml:"config_data_id" toml:"config_data_id"`
	ConfigGroup  string `yaml:"config_group" toml:"config_group"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	RetryDelay        time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	RetryDelayRaw        string `yaml:"retry_delay" toml:"retry_delay"`
}

// LLMConfig is the static provider configuration; discovery may override
// provider, base_url and model at runtime.
type LLMConfig struct {
	Provider     string  `yaml:"provider" toml:"provider"`
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	Model        string  `yaml:"model" toml:"model"`
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature  float32 `yaml:"temperature" toml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`
}

// WorkflowConfig tunes the engine
type WorkflowConfig struct {
	// SaveAttempts bounds checkpoint writes per node.
	SaveAttempts int `yaml:"save_attempts" toml:"save_attempts"`
	// Trigger is the word that makes the think step call SearchTool.
	Trigger    string `yaml:"trigger" toml:"trigger"`
	SearchTool string `yaml:"search_tool" toml:"search_tool"`
}

// DefaultPath returns $AGENT_GATEWAY_CONFIG or the per-user config file.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "agent-gateway", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// An empty path skips the file and builds the config from the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := parse(path, expandEnvVars(string(data)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return finish(&cfg)
}

// Parse decodes content as if it were read from a file named name.
func Parse(name, content string) (*Config, error) {
	var cfg Config
	if err := parse(name, expandEnvVars(content), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return finish(&cfg)
}

func parse(name, content string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		_, err := toml.Decode(content, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides maps the deployment variables onto the config. A set
// variable always wins over the file.
func applyEnvOverrides(cfg *Config) error {
	host, port := os.Getenv("HOST"), os.Getenv("PORT")
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(cfg.Server.HTTPAddr)
		if err != nil {
			curHost, curPort = defaultHost, strconv.Itoa(defaultPort)
		}
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT %q is not a number", port)
		}
		cfg.Server.HTTPAddr = net.JoinHostPort(host, port)
	}

	if v := os.Getenv("NACOS_SERVER_ADDR"); v != "" {
		cfg.Discovery.ServerAddr = v
		cfg.Discovery.Enabled = true
	}
	setString(&cfg.Discovery.Namespace, "NACOS_NAMESPACE")
	setString(&cfg.Discovery.Username, "NACOS_USERNAME")
	setString(&cfg.Discovery.Password, "NACOS_PASSWORD")
	setString(&cfg.Discovery.ServiceName, "SERVICE_NAME")
	setString(&cfg.Discovery.IP, "SERVICE_IP")
	setString(&cfg.Tools.Java.ServiceName, "NACOS_GATEWAY_SERVICE_NAME")
	setString(&cfg.Tools.Brave.Command, "MCP_BRAVE_PATH")
	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.HistoryPath == "" {
		return fmt.Errorf("database.history_path is required")
	}
	switch c.Database.HistoryDriver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.history_driver must be sqlite or sqlite3, got %q", c.Database.HistoryDriver)
	}
	if c.Database.PoolMinSize < 0 || c.Database.PoolMaxSize < 1 || c.Database.PoolMinSize > c.Database.PoolMaxSize {
		return fmt.Errorf("database pool sizes must satisfy 0 <= min <= max, max >= 1 (got %d, %d)",
			c.Database.PoolMinSize, c.Database.PoolMaxSize)
	}

	if c.Discovery.Enabled {
		if c.Discovery.ServerAddr == "" {
			return fmt.Errorf("discovery.server_addr is required when discovery is enabled")
		}
		if c.Discovery.ServiceName == "" {
			return fmt.Errorf("discovery.service_name is required when discovery is enabled")
		}
		if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
			return fmt.Errorf("discovery.port %d is out of range", c.Discovery.Port)
		}
	}

	if c.Workflow.SaveAttempts < 1 {
		return fmt.Errorf("workflow.save_attempts must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.pool_max_lifetime", cfg.Database.PoolMaxLifetimeRaw, &cfg.Database.PoolMaxLifetime},
		{"database.pool_acquire_timeout", cfg.Database.PoolAcquireTimeoutRaw, &cfg.Database.PoolAcquireTimeout},
		{"tools.call_timeout", cfg.Tools.CallTimeoutRaw, &cfg.Tools.CallTimeout},
		{"tools.listing_cache_ttl", cfg.Tools.ListingCacheTTLRaw, &cfg.Tools.ListingCacheTTL},
		{"tools.connect_timeout", cfg.Tools.ConnectTimeoutRaw, &cfg.Tools.ConnectTimeout},
		{"discovery.heartbeat_interval", cfg.Discovery.HeartbeatIntervalRaw, &cfg.Discovery.HeartbeatInterval},
		{"discovery.retry_delay", cfg.Discovery.RetryDelayRaw, &cfg.Discovery.RetryDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
