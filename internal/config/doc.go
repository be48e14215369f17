// Package config handles configuration loading for periscope-gateway.
//
// # Overview
//
// Configuration is loaded from an optional YAML file with environment
// variable expansion, then PERISCOPE_* environment overrides are applied.
// The gateway runs with sensible defaults when no file is present.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PERISCOPE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values accept Go's time.ParseDuration syntax or a bare integer
// number of seconds:
//
//	auth:
//	  token_ttl: "30m"    # or "1800"
//	agent:
//	  timeout: "5m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  host: "0.0.0.0"
//	  port: 3333
//	  advertise_host: ""   # override auto-detected IP in pairing URLs
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PERISCOPE_JWT_SECRET}"  # empty = ephemeral random secret
//	  token_ttl: "30m"
//
// Agent backend:
//
//	agent:
//	  base_url: "http://localhost:8080"
//	  timeout: "5m"
//	  provider: "anthropic"   # pass-through metadata, no gateway behavior
//	  model: ""
//	  api_key: "${PERISCOPE_LLM_API_KEY}"
//
// Streaming:
//
//	stream:
//	  quality: 75        # JPEG quality 1-100
//	  fps: 8
//	  target_width: 800
//	  target_height: 450
//	  monitor: 1         # 1 = primary display
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "periscope"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: ""
//	  ephemeral: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Environment Overrides
//
// Every knob has a PERISCOPE_* override so the gateway can run without a
// config file: PERISCOPE_HOST, PERISCOPE_PORT, PERISCOPE_ADVERTISE_HOST,
// PERISCOPE_JWT_SECRET, PERISCOPE_TOKEN_TTL, PERISCOPE_BACKEND_URL,
// PERISCOPE_BACKEND_TIMEOUT, PERISCOPE_LLM_PROVIDER, PERISCOPE_LLM_MODEL,
// PERISCOPE_LLM_API_KEY, PERISCOPE_STREAM_QUALITY, PERISCOPE_STREAM_FPS,
// PERISCOPE_STREAM_WIDTH, PERISCOPE_STREAM_HEIGHT, PERISCOPE_STREAM_MONITOR,
// PERISCOPE_LOG_LEVEL, TS_AUTHKEY.
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.LoadOrDefault(os.Getenv("PERISCOPE_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Load from a specific path (file must exist):
//
//	cfg, err := config.Load("/etc/periscope/gateway.yaml")
package config
