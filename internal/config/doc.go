// Package config handles configuration loading for agent-gateway.
//
// # Configuration File
//
// The path comes from AGENT_GATEWAY_CONFIG, falling back to
// agent-gateway/config.yaml under the user config directory. Files ending in
// .toml are parsed as TOML; anything else is YAML. A missing file is not an
// error for `serve`: the gateway then runs from defaults and the environment.
//
// # Environment
//
// ${VAR_NAME} references are expanded before parsing. The deployment variables
// HOST, PORT, NACOS_SERVER_ADDR, NACOS_NAMESPACE, NACOS_USERNAME,
// NACOS_PASSWORD, SERVICE_NAME, SERVICE_IP, NACOS_GATEWAY_SERVICE_NAME,
// MCP_BRAVE_PATH, LLM_PROVIDER, LLM_BASE_URL, LLM_MODEL and LOG_LEVEL override
// the file. Setting NACOS_SERVER_ADDR also enables discovery.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	discovery:
//	  heartbeat_interval: "10s"
//	  retry_delay: "2s"
//
// See Sample for every section with its default.
package config
