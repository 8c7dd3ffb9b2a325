package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: llm.model is REPLYFLOW_LLM_MODEL.
const EnvPrefix = "REPLYFLOW"

// ConfigPath returns the default configuration file path: ~/.replyflow/config.yaml.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// DataDir returns the replyflow data directory: ~/.replyflow.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replyflow"
	}
	return filepath.Join(home, ".replyflow")
}

// Load reads the config file at path over the defaults, then applies
// environment overrides. If path is empty, ConfigPath() is used. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Snake-case aliases for the secrets people most often export.
	_ = v.BindEnv("llm.apiKey", EnvPrefix+"_LLM_API_KEY", EnvPrefix+"_LLM_APIKEY")
	_ = v.BindEnv("embedding.apiKey", EnvPrefix+"_EMBEDDING_API_KEY", EnvPrefix+"_EMBEDDING_APIKEY")
	_ = v.BindEnv("store.redis.password", EnvPrefix+"_STORE_REDIS_PASSWORD")

	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML. If path is empty, ConfigPath() is used.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
