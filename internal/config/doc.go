// Package config handles configuration loading for burrowd and boot argument
// parsing for burrow-agent.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Every value has a default, so a missing file is a valid configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BURROW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/burrow/burrowd.yaml
//  3. ~/.config/burrow/burrowd.yaml
//
// # Environment Variables
//
// Configuration values can reference environment variables:
//
//	attach:
//	  agent_binary: "${BURROW_HOME}/bin/burrow-agent"
//
// Two variables override the file directly:
//
//   - BURROW_ATTACH_ENABLED: enable or disable attachment (default true)
//   - BURROW_HTTP_ADDR: controller listen address
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	discovery:
//	  scan_interval: "5s"
//	  perfdata_interval: "30s"
//	attach:
//	  keep_alive: "1m"
//	  attach_timeout: "60s"
//	  connect_timeout: "90s"
//
// # Attachment
//
//	attach:
//	  enabled: true
//	  agent_binary: "burrow-agent"
//	  container_dir: "/tmp/burrow"
//	  agent_args: "log-level=info"
//	  retries: 5
//	  core_workers: 1
//	  max_workers: 4
//	  queue_size: 16
//	  auto_load:
//	    - marker_class: "org.springframework.boot.SpringApplication"
//	      path: "/opt/burrow/plugins/spring.toml"
//
// # Agent Boot Arguments
//
// The attach strategies hand burrow-agent a comma-separated key=value
// string. ParseAgentArgs understands log-level, disable-bootstrap-injection
// and listen; unknown keys are kept in AgentArgs.Extra.
package config
