package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for the YAML config file. Only fields present in
// the file override the base config, so flags and file compose.
type fileConfig struct {
	Addr        *string `yaml:"addr,omitempty"`
	MetricsAddr *string `yaml:"metrics_addr,omitempty"`
	DBPath      *string `yaml:"db_path,omitempty"`

	TokenSecret *string        `yaml:"token_secret,omitempty"`
	TokenTTL    *time.Duration `yaml:"token_ttl,omitempty"`
	IdleTimeout *time.Duration `yaml:"idle_timeout,omitempty"`

	PushGatewayURL *string `yaml:"push_gateway_url,omitempty"`
	PushAPIKey     *string `yaml:"push_api_key,omitempty"`
}

// LoadConfigFile reads a YAML config file and applies it over base.
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}

	if fc.Addr != nil {
		base.Addr = *fc.Addr
	}
	if fc.MetricsAddr != nil {
		base.MetricsAddr = *fc.MetricsAddr
	}
	if fc.DBPath != nil {
		base.DBPath = *fc.DBPath
	}
	if fc.TokenSecret != nil {
		base.TokenSecret = *fc.TokenSecret
	}
	if fc.TokenTTL != nil {
		base.TokenTTL = *fc.TokenTTL
	}
	if fc.IdleTimeout != nil {
		base.IdleTimeout = *fc.IdleTimeout
	}
	if fc.PushGatewayURL != nil {
		base.PushGatewayURL = *fc.PushGatewayURL
	}
	if fc.PushAPIKey != nil {
		base.PushAPIKey = *fc.PushAPIKey
	}
	return base, nil
}
