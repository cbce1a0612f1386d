package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8090"
	DefaultTimeout        = 30 * time.Second
	DefaultTokenStatePath = "configs/cli_state.json"
	DefaultHistoryPath    = "/tmp/execbox_cli_history"

	// EnvBaseURL and EnvToken override the file for one shell session.
	EnvBaseURL = "EXECBOX_BASE_URL"
	EnvToken   = "EXECBOX_TOKEN"
)

type Config struct {
	BaseURL        string        `yaml:"baseURL"`
	Timeout        time.Duration `yaml:"timeout"`
	TokenStatePath string        `yaml:"tokenStatePath"`
	HistoryPath    string        `yaml:"historyPath"`
	PrettyJSON     *bool         `yaml:"prettyJSON"`
	// Token comes only from the environment; it is never read from or written to the file.
	Token string `yaml:"-"`
}

// Pretty reports whether responses are indented. Unset means yes.
func (c Config) Pretty() bool {
	return c.PrettyJSON == nil || *c.PrettyJSON
}

// Load reads path, then applies environment overrides and defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read cli config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse cli config %s: %w", path, err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		c.BaseURL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Token = v
	}
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TokenStatePath == "" {
		c.TokenStatePath = DefaultTokenStatePath
	}
	if c.HistoryPath == "" {
		c.HistoryPath = DefaultHistoryPath
	}
}
