// Package config loads orchestrator configuration from an optional YAML file
// plus the environment variables named in the external interfaces contract.
//
// Adapted from the teacher's config.Load: same env-expansion-then-unmarshal
// approach, same shape of defaulting, generalized from a single deployment-api
// service config to the orchestrator's mode-pipeline needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deploysmith/orchestrator/internal/apperrors"
)

// ServerConfig controls the chat API's HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig mirrors the teacher's LoggingConfig verbatim.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig points at the SQLite deployment index.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ToolsConfig names the external binaries the Subprocess Runner invokes.
// Defaults match what's on a typical operator's PATH; overridable for test
// doubles or alternate toolchains (e.g. podman instead of docker).
type ToolsConfig struct {
	ContainerBuilder string `yaml:"container_builder"`
	IaCBinary        string `yaml:"iac_binary"`
	LocalClusterCLI  string `yaml:"local_cluster_cli"`
	KubectlBinary    string `yaml:"kubectl_binary"`
	HelmBinary       string `yaml:"helm_binary"`
}

// TimeoutsConfig holds the per-stage and total timeouts from spec.md §5.
type TimeoutsConfig struct {
	IaCApply         time.Duration `yaml:"iac_apply"`
	CloudHostedTotal time.Duration `yaml:"cloud_hosted_total"`
	RolloutWait      time.Duration `yaml:"rollout_wait"`
	SubprocessGrace  time.Duration `yaml:"subprocess_grace"`
}

// AWSDefaultConfig holds server-default cloud credentials, used only when a
// request does not supply its own (Credential Scope priority order).
type AWSDefaultConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
}

// AzureOpenAIConfig enables the optional Intent Extractor.
type AzureOpenAIConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

func (a AzureOpenAIConfig) Enabled() bool {
	return a.Endpoint != "" && a.APIKey != "" && a.Deployment != ""
}

// Config is the fully-merged orchestrator configuration.
type Config struct {
	Server               ServerConfig      `yaml:"server"`
	Logging              LoggingConfig     `yaml:"logging"`
	Database             DatabaseConfig    `yaml:"database"`
	Tools                ToolsConfig       `yaml:"tools"`
	Timeouts             TimeoutsConfig    `yaml:"timeouts"`
	AWSDefault           AWSDefaultConfig  `yaml:"aws_default"`
	AzureOpenAI          AzureOpenAIConfig `yaml:"azure_openai"`
	WorkspaceBaseDir     string            `yaml:"workspace_base_dir"`
	EC2PrivateKeyDir     string            `yaml:"ec2_private_key_dir"`
	DefaultDomainForApps string            `yaml:"default_domain_for_apps"`
}

// Load reads the optional YAML file at path (skipped if empty or missing),
// expands environment variables in it the way the teacher's config.Load
// does, then overlays the environment variables from spec.md §6 which always
// take precedence for the fields they name.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PERSISTENT_WORKSPACE_BASE_DIR"); v != "" {
		cfg.WorkspaceBaseDir = v
	}
	if v := os.Getenv("EC2_PRIVATE_KEY_BASE_PATH"); v != "" {
		cfg.EC2PrivateKeyDir = v
	}
	if v := os.Getenv("DEFAULT_DOMAIN_NAME_FOR_APPS"); v != "" {
		cfg.DefaultDomainForApps = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.AWSDefault.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.AWSDefault.SecretAccessKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWSDefault.Region = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		cfg.AzureOpenAI.Endpoint = v
	}
	if v := os.Getenv("AZURE_OPENAI_API_KEY"); v != "" {
		cfg.AzureOpenAI.APIKey = v
	}
	if v := os.Getenv("AZURE_OPENAI_DEPLOYMENT"); v != "" {
		cfg.AzureOpenAI.Deployment = v
	}
	if v := os.Getenv("AZURE_OPENAI_API_VERSION"); v != "" {
		cfg.AzureOpenAI.APIVersion = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/data/orchestrator.db"
	}
	if cfg.WorkspaceBaseDir == "" {
		cfg.WorkspaceBaseDir = "/data/workspaces"
	}
	if cfg.Tools.ContainerBuilder == "" {
		cfg.Tools.ContainerBuilder = "docker"
	}
	if cfg.Tools.IaCBinary == "" {
		cfg.Tools.IaCBinary = "terraform"
	}
	if cfg.Tools.LocalClusterCLI == "" {
		cfg.Tools.LocalClusterCLI = "kind"
	}
	if cfg.Tools.KubectlBinary == "" {
		cfg.Tools.KubectlBinary = "kubectl"
	}
	if cfg.Tools.HelmBinary == "" {
		cfg.Tools.HelmBinary = "helm"
	}
	if cfg.Timeouts.IaCApply == 0 {
		cfg.Timeouts.IaCApply = 30 * time.Minute
	}
	if cfg.Timeouts.CloudHostedTotal == 0 {
		cfg.Timeouts.CloudHostedTotal = 60 * time.Minute
	}
	if cfg.Timeouts.RolloutWait == 0 {
		cfg.Timeouts.RolloutWait = 5 * time.Minute
	}
	if cfg.Timeouts.SubprocessGrace == 0 {
		cfg.Timeouts.SubprocessGrace = 10 * time.Second
	}
	if cfg.AzureOpenAI.APIVersion == "" {
		cfg.AzureOpenAI.APIVersion = "2024-06-01"
	}
}

// HasDefaultDomain reports whether a default app domain is configured. It
// resolves the Open Question from spec.md §9: a cloud-hosted request carrying
// base_hosted_zone_id without a configured default domain is a
// ConfigurationError, checked once at the point the field is used rather than
// at startup (the field may never appear in a request).
func (c *Config) HasDefaultDomain() bool {
	return c.DefaultDomainForApps != ""
}

// Validate performs the startup-time sanity checks a missing/malformed
// config can fail on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperrors.NewConfigurationError("server.port %d out of range", c.Server.Port)
	}
	return nil
}
