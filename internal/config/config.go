package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plasma-predict/orchestrator/internal/models"
)

// Config captures everything needed to boot the orchestrator.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Timeouts TimeoutConfig           `yaml:"timeouts"`
	Data     DataConfig              `yaml:"data"`
	Nodes    []models.NodeDescriptor `yaml:"nodes"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ReadTimeout          int    `yaml:"readTimeout"`  // seconds
	WriteTimeout         int    `yaml:"writeTimeout"` // seconds
	BodyLimit            string `yaml:"bodyLimit"`
	EnableCORS           bool   `yaml:"enableCORS"`
	EnableRequestLogging bool   `yaml:"enableRequestLogging"`
}

// TimeoutConfig bounds outbound calls to prediction nodes.
type TimeoutConfig struct {
	Model    time.Duration `yaml:"model"`
	Training time.Duration `yaml:"training"`
}

// UnmarshalYAML accepts Go duration strings ("30s", "2h") in the config
// file.
func (t *TimeoutConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Model    string `yaml:"model"`
		Training string `yaml:"training"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Model != "" {
		d, err := time.ParseDuration(raw.Model)
		if err != nil {
			return fmt.Errorf("invalid model timeout %q: %w", raw.Model, err)
		}
		t.Model = d
	}
	if raw.Training != "" {
		d, err := time.ParseDuration(raw.Training)
		if err != nil {
			return fmt.Errorf("invalid training timeout %q: %w", raw.Training, err)
		}
		t.Training = d
	}
	return nil
}

// DataConfig locates scratch space for automated-predict sessions.
type DataConfig struct {
	Dir                    string `yaml:"dir"`
	SessionMaxAgeMinutes   int    `yaml:"sessionMaxAgeMinutes"`
	CleanupIntervalMinutes int    `yaml:"cleanupIntervalMinutes"`
}

// Load initialises Config from a YAML file plus environment overrides.
// A missing path falls back to defaults so the server can boot bare.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ORCHESTRATOR_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			ReadTimeout:          60,
			WriteTimeout:         300,
			BodyLimit:            "512M",
			EnableCORS:           true,
			EnableRequestLogging: true,
		},
		Timeouts: TimeoutConfig{
			Model:    30 * time.Second,
			Training: 2 * time.Hour,
		},
		Data: DataConfig{
			Dir:                    "./data",
			SessionMaxAgeMinutes:   120,
			CleanupIntervalMinutes: 15,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ORCHESTRATOR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ORCHESTRATOR_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("ORCHESTRATOR_MODEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Model = d
		}
	}
	if v := os.Getenv("ORCHESTRATOR_TRAINING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Training = d
		}
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AutopredictDir returns the scratch root for automated-predict sessions.
func (c *Config) AutopredictDir() string {
	return filepath.Join(c.Data.Dir, "autopredict")
}

// EnsureDirectories creates the data directories if missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Data.Dir, c.AutopredictDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
