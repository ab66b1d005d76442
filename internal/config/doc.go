// Package config handles configuration loading for mcplink-gateway and
// mcplink-agent.
//
// # Configuration Files
//
// The gateway reads YAML. Default location:
//
//  1. Path from MCPLINK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcplink/gateway.yaml (~/.config when unset)
//
// Agents read TOML from MCPLINK_AGENT_CONFIG or
// $XDG_CONFIG_HOME/mcplink/agent.toml.
//
// # Environment Variable Expansion
//
// Both formats expand ${VAR_NAME} before parsing. Unset variables become
// empty strings:
//
//	database:
//	  path: "${MCPLINK_DB}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  stale_after: "45s"
//	  sweep_interval: "15s"
//
// # Gateway Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket + admin API
//	  grpc_addr: "0.0.0.0:50051"  # grpc health, optional
//	  ws_path: "/ws"
//	database:
//	  path: "./mcplink.db"        # optional session ledger
//	sessions:
//	  stale_after: "45s"
//	  sweep_interval: "15s"
//	  write_timeout: "10s"
//	  latency_alpha: 0.1
//	dispatch:
//	  batch_concurrency: 8
//	  handler_timeout: "30s"
//	dedupe:
//	  ttl: "5m"
//	  max_size: 100000
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text or json
//	metrics:
//	  otlp_endpoint: ""           # host:port, empty disables export
//	  interval: "30s"
//
// Every field has a default; see the Default* constants.
package config
