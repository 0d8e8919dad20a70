// Package config loads server configuration with viper: built-in defaults,
// then dispatch.yaml, then DISPATCH_* environment variables, then flags.
package config
