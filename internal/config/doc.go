// Package config handles configuration loading for echo-router.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ECHO_ROUTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/echo-router/config.yaml
//  3. ~/.config/echo-router/config.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	matrix:
//	  access_token: "${ECHO_MATRIX_TOKEN}"
//	gateway:
//	  jwt_secret: "${ECHO_GATEWAY_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Durations use time.ParseDuration syntax and must be positive:
//
//	router:
//	  dedupe_ttl: "10m"
//	  job_timeout: "10m"
//	  idle_timeout: "1h"
//	gateway:
//	  token_ttl: "5m"
//
// # Sections
//
//   - matrix: homeserver, user_id, access_token, display_name,
//     recovery_key, allowed_rooms, send_rate, send_burst
//   - database: path of the SQLite database
//   - storage: conversations_dir for conversation body files
//   - router: command_prefix, acknowledgement, thread_name_format,
//     dedupe_ttl, dedupe_size, job_timeout, idle_timeout
//   - gateway: url, agent_id, jwt_secret, token_ttl
//   - logging: level (debug|info|warn|error), format (text|json)
//   - metrics: enabled, addr, path
package config
