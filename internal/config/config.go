// internal/config/config.go
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Mode selects where the aggregation engine sources its data.
const (
	ModeStandalone = "standalone"
	ModeServer     = "server"
)

// ServerConfig for the multi-instance aggregation server.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	APIKey         string   `yaml:"api_key"`
	DataDir        string   `yaml:"data_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
}

// AgentConfig for the push agent.
type AgentConfig struct {
	ServerURL     string        `yaml:"server_url"`
	APIKey        string        `yaml:"api_key"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
}

// PathsConfig locates the local JSON log store and aggregation output.
type PathsConfig struct {
	Logs      string `yaml:"logs"`
	Threats   string `yaml:"threats"`
	OutputDir string `yaml:"output_dir"`
}

// Config is the full instance configuration.
type Config struct {
	InstanceID string       `yaml:"instance_id"`
	Mode       string       `yaml:"mode"`
	Timezone   string       `yaml:"timezone"`
	Server     ServerConfig `yaml:"server"`
	Agent      AgentConfig  `yaml:"agent"`
	Paths      PathsConfig  `yaml:"paths"`
	Hostname   string       `yaml:"-"` // from env or os.Hostname, never persisted
}

// Default returns a fresh configuration with a generated instance ID and
// server API key.
func Default() *Config {
	cfg := &Config{
		InstanceID: uuid.NewString(),
		Server:     ServerConfig{APIKey: GenerateAPIKey()},
	}
	fillDefaults(cfg)
	return cfg
}

// GenerateAPIKey returns a 32-character hex key.
func GenerateAPIKey() string {
	sum := sha256.Sum256([]byte(uuid.NewString() + time.Now().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:32]
}

// Load reads the config file at path. A missing file is not an error: a
// default config is synthesized, persisted to path, and returned, so a new
// deployment boots with a stable instance_id and a working API key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("persist default config: %w", err)
		}
		applyEnv(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fillDefaults(cfg)

	// Identity fields are generated once and written back so they stay
	// stable for the lifetime of the deployment.
	if cfg.InstanceID == "" || cfg.Server.APIKey == "" {
		if cfg.InstanceID == "" {
			cfg.InstanceID = uuid.NewString()
		}
		if cfg.Server.APIKey == "" {
			cfg.Server.APIKey = GenerateAPIKey()
		}
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("persist generated identity: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeStandalone
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8888
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "multi-instance-data"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:9999"}
	}
	if cfg.Agent.SyncInterval <= 0 {
		cfg.Agent.SyncInterval = 60 * time.Second
	}
	if cfg.Agent.Timeout <= 0 {
		cfg.Agent.Timeout = 30 * time.Second
	}
	if cfg.Paths.Logs == "" {
		cfg.Paths.Logs = "dashboard/json/logs.json"
	}
	if cfg.Paths.Threats == "" {
		cfg.Paths.Threats = "dashboard/json/threats.json"
	}
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = "dashboard/json"
	}
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("APIARY_SERVER_API_KEY"); key != "" {
		cfg.Server.APIKey = key
	}
	if key := os.Getenv("APIARY_AGENT_API_KEY"); key != "" {
		cfg.Agent.APIKey = key
	}
	if hostname := os.Getenv("APIARY_HOSTNAME"); hostname != "" {
		cfg.Hostname = hostname
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
}
