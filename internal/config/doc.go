// Package config handles configuration loading for fleet-gateway.
//
// # Configuration File
//
// The path is taken from the FLEET_CONFIG environment variable, falling back
// to $XDG_CONFIG_HOME/fleet/gateway.yaml. Files ending in .toml are parsed as
// TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Durations use time.ParseDuration syntax:
//
//	sessions:
//	  heartbeat_timeout: "30s"
//	  sweep_interval: "10s"
//
// Unset fields receive defaults before Validate runs.
package config
