// ABOUTME: Package config loads and validates the tether-gateway configuration.
// ABOUTME: YAML with environment variable expansion and duration parsing.
package config
