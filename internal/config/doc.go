// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion. The package provides validation and
// feature-gated requirements.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/parley/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	keys:
//	  active:
//	    secret: "${PARLEY_SIGNING_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  token_ttl: "5m"
//	  session_ttl: "1h"
//	  sweep_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Feature Toggles
//
// Optional subsystems are switched via the features section; enabling one
// makes its configuration mandatory:
//
//	features:
//	  platform_token: true    # requires keys.active
//	  auth_during_comm: true  # requires provider client_id and URLs
//
// # Validation
//
// Load() validates:
//
//   - Database path presence
//   - Signing key completeness when platform_token is enabled
//   - Provider endpoints when auth_during_comm is enabled
//   - Duration format validity
package config
