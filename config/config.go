// Package config loads the daemon's YAML configuration and applies
// defaults for everything the file leaves out.
package config

import (
	"context"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
)

// Config represents the YAML configuration structure.
type Config struct {
	// Host is the external IP the SAM session forwards datagrams to.
	Host string `yaml:"host"`
	// Port is the local UDP port for forwarded datagrams.
	Port uint16 `yaml:"port"`

	SAM struct {
		Address string `yaml:"address"`
		TCP     uint16 `yaml:"tcp"`
		UDP     uint16 `yaml:"udp"`
		Name    string `yaml:"name"`
	} `yaml:"sam"`

	Bootstrap struct {
		// Address is the fallback peer list, one base64 destination
		// each, used when nodes.txt is empty.
		Address []string `yaml:"address"`
	} `yaml:"bootstrap"`

	DataDir  string `yaml:"datadir"`
	LogLevel string `yaml:"loglevel"`
}

// Load reads the configuration file. A missing file is an error; a
// missing key gets its default.
func Load(ctx context.Context, filename string) (*Config, error) {
	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.Errorf("resolve config path: %w", err)
	}

	logtrace.Info(ctx, "Loading configuration", logtrace.Fields{
		"path": absPath,
	})

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errors.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults(ctx)
	return &cfg, nil
}

// Default returns a configuration with every default applied, for runs
// without a config file.
func Default(ctx context.Context) *Config {
	cfg := &Config{}
	cfg.applyDefaults(ctx)
	return cfg
}

func (c *Config) applyDefaults(ctx context.Context) {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5670
	}
	if c.SAM.Address == "" {
		c.SAM.Address = "127.0.0.1"
	}
	if c.SAM.TCP == 0 {
		c.SAM.TCP = 7656
	}
	if c.SAM.UDP == 0 {
		c.SAM.UDP = 7655
	}
	if c.SAM.Name == "" {
		c.SAM.Name = "pboted"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
		logtrace.Info(ctx, "Using default data directory", logtrace.Fields{
			"dir": c.DataDir,
		})
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".pboted")
}
