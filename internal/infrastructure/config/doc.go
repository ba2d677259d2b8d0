// Package config handles loading and validating graylink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLINK_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, JWT secret) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//   - encryption.policy "required" refuses every peer that cannot do TLS
//
// Usage:
//
//	cfg, err := config.Load("configs/graylink.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Node.Name)
package config
