package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

type Config struct {
	DefaultSettings DefaultSettings `yaml:"default_settings"`
	Output          Output          `yaml:"output"`
	Embeddings      Embeddings      `yaml:"embeddings"`
	Database        Database        `yaml:"database"`
	Elastic         Elastic         `yaml:"elastic"`
}

type DefaultSettings struct {
	// minutes, 0 disables the deadline
	Timeout int   `yaml:"timeout"`
	Seed    int64 `yaml:"seed"`
	Workers int   `yaml:"workers"`
}

type Output struct {
	RunsDir    string `yaml:"runs_dir"`
	Checkpoint bool   `yaml:"checkpoint"`
}

type Embeddings struct {
	CacheDir string `yaml:"cache_dir"`
	BaseURL  string `yaml:"base_url"`
	// seconds
	Timeout int `yaml:"timeout"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

func Default() *Config {
	return &Config{
		DefaultSettings: DefaultSettings{
			Seed: 1,
		},
		Output: Output{
			RunsDir:    GetRunsDir(),
			Checkpoint: true,
		},
		Embeddings: Embeddings{
			CacheDir: GetEmbeddingCacheDir(),
			Timeout:  60,
		},
		Database: Database{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
		},
		Elastic: Elastic{
			Index: "tagtrain_epochs",
		},
	}
}

type Manager struct {
	config     *Config
	configPath string
	explicit   bool
}

// NewManager with an empty path searches the usual locations and falls
// back to defaults; a given path must exist.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		explicit:   configPath != "",
	}
}

func (m *Manager) LoadConfig() error {
	if m.configPath == "" {
		m.configPath = m.findConfigFile()
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		if m.explicit {
			return fmt.Errorf("config file not found at %s. Please create one based on config.yaml.example", m.configPath)
		}
		if DebugLog != nil {
			DebugLog("no config file found, using defaults")
		}
		m.config = Default()
		return nil
	}

	if DebugLog != nil {
		DebugLog("loading config from %s", m.configPath)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	fillDefaults(config)

	if err := m.validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = config
	return nil
}

// fillDefaults restores per-user directories left empty in the file.
func fillDefaults(config *Config) {
	if config.Output.RunsDir == "" {
		config.Output.RunsDir = GetRunsDir()
	}
	if config.Embeddings.CacheDir == "" {
		config.Embeddings.CacheDir = GetEmbeddingCacheDir()
	}
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) Path() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	return filepath.Join(GetConfigDir(), "config.yaml")
}

func (m *Manager) validateConfig(config *Config) error {
	if config.DefaultSettings.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	if config.DefaultSettings.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}

	if config.Output.RunsDir == "" {
		return fmt.Errorf("output.runs_dir must be set")
	}

	if config.Embeddings.Timeout <= 0 {
		return fmt.Errorf("embeddings.timeout must be greater than 0")
	}

	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when the database is enabled")
	}

	if config.Elastic.Enabled && config.Elastic.URL == "" {
		return fmt.Errorf("elastic.url is required when elastic is enabled")
	}

	return nil
}
