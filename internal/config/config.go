// Package config loads the service configuration from YAML with
// HARVESTER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config maps the YAML file through its yaml tags.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		DataDir  string `yaml:"data_dir"`
		LogLevel string `yaml:"log_level"`
		LogFile  string `yaml:"log_file"`
	} `yaml:"service"`

	Harvest struct {
		AutoSave   bool `yaml:"auto_save"`
		AutoSubmit bool `yaml:"auto_submit"`
		RangeFrom  int  `yaml:"range_from"`
		RangeTo    int  `yaml:"range_to"`
		BatchSize  int  `yaml:"batch_size"`
	} `yaml:"harvest"`

	Source struct {
		URL        string        `yaml:"url"`
		RateLimit  float64       `yaml:"rate_limit"`
		MaxRetries uint64        `yaml:"max_retries"`
		Timeout    time.Duration `yaml:"timeout"`
		IDKey      string        `yaml:"id_key"`
		TitleKey   string        `yaml:"title_key"`
		BodyKey    string        `yaml:"body_key"`
	} `yaml:"source"`

	Index struct {
		Path string `yaml:"path"`
	} `yaml:"index"`

	Save struct {
		Dir string `yaml:"dir"`
	} `yaml:"save"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Schedule struct {
		Tasks []string `yaml:"tasks"` // added on startup when not yet persisted
	} `yaml:"schedule"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	var cfg Config
	cfg.Service.Name = "harvester"
	cfg.Service.DataDir = "data"
	cfg.Service.LogLevel = "info"
	cfg.Harvest.BatchSize = 100
	cfg.Source.MaxRetries = 3
	cfg.Source.Timeout = 30 * time.Second
	cfg.Source.IDKey = "id"
	cfg.Source.TitleKey = "title"
	cfg.Source.BodyKey = "body"
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Addr = ":9090"
	return &cfg
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would only fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Harvest.RangeFrom < 0 {
		errs = append(errs, errors.New("harvest.range_from must not be negative"))
	}
	if c.Harvest.RangeTo > 0 && c.Harvest.RangeTo < c.Harvest.RangeFrom {
		errs = append(errs, errors.New("harvest.range_to must not be below range_from"))
	}
	if c.Harvest.BatchSize < 0 {
		errs = append(errs, errors.New("harvest.batch_size must not be negative"))
	}
	if c.Source.RateLimit < 0 {
		errs = append(errs, errors.New("source.rate_limit must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// VersionsPath is the version snapshot file.
func (c *Config) VersionsPath() string {
	return filepath.Join(c.Service.DataDir, "versions.json")
}

// TasksPath is the persisted schedule.
func (c *Config) TasksPath() string {
	return filepath.Join(c.Service.DataDir, "tasks.json")
}

// IndexPath defaults to index.db under the data directory.
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Service.DataDir, "index.db")
}

// SaveDir defaults to saved/ under the data directory.
func (c *Config) SaveDir() string {
	if c.Save.Dir != "" {
		return c.Save.Dir
	}
	return filepath.Join(c.Service.DataDir, "saved")
}

func (c *Config) applyEnv() error {
	c.Service.DataDir = getEnv("HARVESTER_DATA_DIR", c.Service.DataDir)
	c.Service.LogLevel = getEnv("HARVESTER_LOG_LEVEL", c.Service.LogLevel)
	c.Service.LogFile = getEnv("HARVESTER_LOG_FILE", c.Service.LogFile)
	c.Source.URL = getEnv("HARVESTER_SOURCE_URL", c.Source.URL)
	c.Index.Path = getEnv("HARVESTER_INDEX_PATH", c.Index.Path)
	c.HTTP.Addr = getEnv("HARVESTER_HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("HARVESTER_GRPC_ADDR", c.GRPC.Addr)
	c.Metrics.Addr = getEnv("HARVESTER_METRICS_ADDR", c.Metrics.Addr)

	var err error
	if c.Harvest.AutoSave, err = getEnvBool("HARVESTER_AUTO_SAVE", c.Harvest.AutoSave); err != nil {
		return err
	}
	if c.Harvest.AutoSubmit, err = getEnvBool("HARVESTER_AUTO_SUBMIT", c.Harvest.AutoSubmit); err != nil {
		return err
	}
	if c.Metrics.Enabled, err = getEnvBool("HARVESTER_METRICS_ENABLED", c.Metrics.Enabled); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
