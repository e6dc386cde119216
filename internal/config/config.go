package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the optional configuration file
// (~/.config/dllama/config.yaml). Pointer fields distinguish "unset"
// from zero; explicit CLI flags always win.
type Config struct {
	ModelPath     string   `yaml:"model"`
	TokenizerPath string   `yaml:"tokenizer"`
	Workers       []string `yaml:"workers"`

	NThreads        *int     `yaml:"nthreads"`
	MaxSeqLen       *int     `yaml:"max_seq_len"`
	Temperature     *float64 `yaml:"temperature"`
	TopP            *float64 `yaml:"top_p"`
	Seed            *uint64  `yaml:"seed"`
	BufferFloatType string   `yaml:"buffer_float_type"`
	NetTurbo        *bool    `yaml:"net_turbo"`

	Port       *int   `yaml:"port"`
	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

func path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dllama", "config.yaml")
}

// Load reads the config file, returning a zero Config when it is absent
// or unreadable.
func Load() Config {
	return LoadFrom(path())
}

// LoadFrom reads a specific config file.
func LoadFrom(p string) Config {
	if p == "" {
		return Config{}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
