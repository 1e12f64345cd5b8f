// Package config loads the orchestrator configuration from a JSON file
// with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageConfig holds remote object store settings
type StorageConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

// ComputeConfig holds sandbox provider settings
type ComputeConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key,omitempty"`
	Template       string `json:"template,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// DeployConfig holds deployment target settings
type DeployConfig struct {
	Host           string `json:"host,omitempty"`
	Username       string `json:"username,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

// IdentityConfig holds the user lookup API settings
type IdentityConfig struct {
	BaseURL    string `json:"base_url"`
	ServiceKey string `json:"service_key,omitempty"`
}

// CodegenConfig holds AI code generation settings
type CodegenConfig struct {
	Provider string `json:"provider,omitempty"` // "anthropic" (default) or "openai"
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// LimitsConfig holds file and project size ceilings
type LimitsConfig struct {
	MaxBodySize    int64 `json:"max_body_size,omitempty"`
	MaxProjectSize int64 `json:"max_project_size,omitempty"`
	MaxTerminals   int   `json:"max_terminals,omitempty"`
}

// Config is the root configuration for the orchestrator
type Config struct {
	Port      int            `json:"port,omitempty"`
	PprofAddr string         `json:"pprof_addr,omitempty"`
	LogLevel  string         `json:"log_level,omitempty"`
	LogPath   string         `json:"log_path,omitempty"`
	Storage   StorageConfig  `json:"storage"`
	Compute   ComputeConfig  `json:"compute"`
	Deploy    DeployConfig   `json:"deploy"`
	Identity  IdentityConfig `json:"identity"`
	Codegen   CodegenConfig  `json:"codegen"`
	Limits    LimitsConfig   `json:"limits"`
}

const (
	defaultPort           = 4000
	defaultComputeTimeout = 120 // seconds
	defaultMaxBodySize    = 1 << 20
	defaultMaxProject     = 200 << 20
	defaultMaxTerminals   = 4
)

// Load reads the configuration from path (optional), applies environment
// variable overrides and fills in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overrides config fields from environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("CODEBOX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("CODEBOX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CODEBOX_PPROF_ADDR"); v != "" {
		c.PprofAddr = v
	}
	if v := os.Getenv("CODEBOX_STORAGE_URL"); v != "" {
		c.Storage.BaseURL = v
	}
	if v := os.Getenv("CODEBOX_STORAGE_KEY"); v != "" {
		c.Storage.APIKey = v
	}
	if v := os.Getenv("CODEBOX_COMPUTE_URL"); v != "" {
		c.Compute.BaseURL = v
	}
	if v := os.Getenv("CODEBOX_COMPUTE_KEY"); v != "" {
		c.Compute.APIKey = v
	}
	if v := os.Getenv("CODEBOX_DEPLOY_HOST"); v != "" {
		c.Deploy.Host = v
	}
	if v := os.Getenv("CODEBOX_DEPLOY_USER"); v != "" {
		c.Deploy.Username = v
	}
	if v := os.Getenv("CODEBOX_DEPLOY_KEY"); v != "" {
		c.Deploy.PrivateKeyPath = v
	}
	if v := os.Getenv("CODEBOX_IDENTITY_URL"); v != "" {
		c.Identity.BaseURL = v
	}
	if v := os.Getenv("CODEBOX_IDENTITY_KEY"); v != "" {
		c.Identity.ServiceKey = v
	}
	if v := os.Getenv("CODEBOX_CODEGEN_PROVIDER"); v != "" {
		c.Codegen.Provider = v
	}
	if v := os.Getenv("CODEBOX_CODEGEN_KEY"); v != "" {
		c.Codegen.APIKey = v
	}
	if v := os.Getenv("CODEBOX_CODEGEN_MODEL"); v != "" {
		c.Codegen.Model = v
	}
}

// applyDefaults fills in zero-valued fields
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Compute.TimeoutSeconds == 0 {
		c.Compute.TimeoutSeconds = defaultComputeTimeout
	}
	if c.Limits.MaxBodySize == 0 {
		c.Limits.MaxBodySize = defaultMaxBodySize
	}
	if c.Limits.MaxProjectSize == 0 {
		c.Limits.MaxProjectSize = defaultMaxProject
	}
	if c.Limits.MaxTerminals == 0 {
		c.Limits.MaxTerminals = defaultMaxTerminals
	}
	if c.Codegen.Provider == "" {
		c.Codegen.Provider = "anthropic"
	}
}

// ComputeTimeout returns the sandbox idle timeout as a duration
func (c *Config) ComputeTimeout() time.Duration {
	return time.Duration(c.Compute.TimeoutSeconds) * time.Second
}

// Validate checks that fields required to serve are present
func (c *Config) Validate() error {
	if c.Storage.BaseURL == "" {
		return fmt.Errorf("storage base URL is required")
	}
	if c.Compute.BaseURL == "" {
		return fmt.Errorf("compute base URL is required")
	}
	if c.Identity.BaseURL == "" {
		return fmt.Errorf("identity base URL is required")
	}
	return nil
}
