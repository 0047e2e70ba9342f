// Package config loads the service configuration.
//
// Values are merged in order: built-in defaults, an optional YAML file
// (explicit path, NCC_CONFIG, or ncc.yaml in the working directory), then NCC_*
// environment overrides. The merged result is validated before use.
package config
