// Package config loads and validates the client's ClientConfig (spec §3)
// from a YAML file with environment-variable overlays, following the
// teacher's getEnvOrDefault convention in cmd/vk-flightctl-provider/main.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is immutable after Load returns. All string fields are
// deep-copied by the YAML unmarshal; ownership belongs to the caller.
type ClientConfig struct {
	// Identity is the device identity key-value set submitted as id_data.
	Identity map[string]string `yaml:"identity"`

	ArtifactName string `yaml:"artifact_name"`
	DeviceType   string `yaml:"device_type"`

	// ServerHost is the base URL of the update server.
	ServerHost string `yaml:"server_host"`

	// TenantToken is optional multi-tenant routing token.
	TenantToken string `yaml:"tenant_token,omitempty"`

	AuthPollInterval   time.Duration `yaml:"auth_poll_interval"`
	UpdatePollInterval time.Duration `yaml:"update_poll_interval"`

	RecommissioningFlag bool `yaml:"recommissioning_flag"`

	// ConfigurationDeploymentsEnabled gates the "configuration-" artifact
	// name special case (spec §9 Open Question #1). Off by default because
	// the behavior is undocumented upstream; integrators opt in explicitly.
	ConfigurationDeploymentsEnabled bool `yaml:"configuration_deployments_enabled"`

	// StateDir is where the default file-based keystore and flash simulator
	// persist their records.
	StateDir string `yaml:"state_dir"`

	// LogLevel is one of debug/info/warn/error; overridable by --log-level.
	LogLevel string `yaml:"log_level"`

	// LogFile, if set, redirects logging to a rotated file instead of stdout.
	LogFile string `yaml:"log_file"`

	AgentVersion string `yaml:"-"`
}

const (
	defaultAuthPollInterval   = 30 * time.Second
	defaultUpdatePollInterval = 30 * time.Minute
	defaultStateDir           = "/var/lib/mcu-mender-agent"

	// agentVersion is reported in inventory attributes (SPEC_FULL.md §4).
	agentVersion = "0.1.0"
)

// Load reads a YAML config file at path, applies environment overlays, and
// validates required fields. Errors at any step are fatal for Load, matching
// spec §4.1's "errors at any sub-initialization are fatal for init".
func Load(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		AuthPollInterval:   defaultAuthPollInterval,
		UpdatePollInterval: defaultUpdatePollInterval,
		StateDir:           defaultStateDir,
		LogLevel:           "info",
		AgentVersion:       agentVersion,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *ClientConfig) {
	if v := getEnvOrDefault("MENDER_ARTIFACT_NAME", ""); v != "" {
		cfg.ArtifactName = v
	}
	if v := getEnvOrDefault("MENDER_DEVICE_TYPE", ""); v != "" {
		cfg.DeviceType = v
	}
	if v := getEnvOrDefault("MENDER_SERVER_HOST", ""); v != "" {
		cfg.ServerHost = v
	}
	if v := getEnvOrDefault("MENDER_TENANT_TOKEN", ""); v != "" {
		cfg.TenantToken = v
	}
	if v := getEnvOrDefault("MENDER_STATE_DIR", ""); v != "" {
		cfg.StateDir = v
	}
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Validate checks the fields the client's init operation (spec §4.1) treats
// as required: identity, artifact_name, device_type and server_host, plus
// positive auth and update poll intervals.
func (c *ClientConfig) Validate() error {
	if len(c.Identity) == 0 {
		return fmt.Errorf("config: identity must not be empty")
	}
	if c.ArtifactName == "" {
		return fmt.Errorf("config: artifact_name is required")
	}
	if c.DeviceType == "" {
		return fmt.Errorf("config: device_type is required")
	}
	if c.ServerHost == "" {
		return fmt.Errorf("config: server_host is required")
	}
	if c.AuthPollInterval <= 0 {
		return fmt.Errorf("config: auth_poll_interval must be positive")
	}
	if c.UpdatePollInterval <= 0 {
		return fmt.Errorf("config: update_poll_interval must be positive")
	}
	return nil
}
