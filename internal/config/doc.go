// Package config provides configuration loading and validation for the
// COREos client.
//
// Configuration is read from a YAML file. ${VAR} references are expanded
// from the environment, which may first be populated from a .env file.
package config
