// Package logging provides structured logging for graylink.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the daemon and client.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("listening", "addr", ln.Addr())
//	reg, _ := device.NewRegistry(device.Options{Logger: logger.With("component", "device")})
//
// Never log secrets, tokens or certificate keys.
package logging
