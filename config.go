package crsl

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config configures a repository handle.
type Config struct {
	// Path is the repository directory created by Init.
	Path string `yaml:"path"`
	// MinimumFreeGB is a free-space threshold checked when opening the stores.
	MinimumFreeGB int `yaml:"minimum_free_gb"`
	// Author is stamped on operations committed without an explicit author.
	Author string `yaml:"author"`
	// LogLevel sets the logger verbosity, one of the logrus level names.
	LogLevel string `yaml:"log_level"`
	// Logger overrides the logger built from LogLevel.
	Logger *logrus.Logger `yaml:"-"`
}

// LoadConfig reads a yaml config file, typically named crsl.yaml.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	logger := logrus.New()
	if c.LogLevel != "" {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err == nil {
			logger.SetLevel(level)
		} else {
			logger.Warnf("unknown log level %q, keeping default", c.LogLevel)
		}
	}
	return logger
}
