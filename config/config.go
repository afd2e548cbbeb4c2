// Package config loads arttic settings from defaults, a TOML or YAML file,
// ARTTIC_* environment variables and command line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "ARTTIC"
	FileName  = "arttic"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server" toml:"server"`
	Paths   PathsConfig   `mapstructure:"paths" toml:"paths"`
	Backend BackendConfig `mapstructure:"backend" toml:"backend"`
	History HistoryConfig `mapstructure:"history" toml:"history"`
	Logging LoggingConfig `mapstructure:"logging" toml:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" toml:"addr"`
	EnableCORS      bool          `mapstructure:"enable_cors" toml:"enable_cors"`
	CORSOrigins     []string      `mapstructure:"cors_origins" toml:"cors_origins"`
	UIDir           string        `mapstructure:"ui_dir" toml:"ui_dir"`
	ShutdownTimeout string        `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
	ShutdownD       time.Duration `mapstructure:"-" toml:"-"`
}

type PathsConfig struct {
	Models  string `mapstructure:"models" toml:"models"`
	Outputs string `mapstructure:"outputs" toml:"outputs"`
	Data    string `mapstructure:"data" toml:"data"`
}

type BackendConfig struct {
	URL            string        `mapstructure:"url" toml:"url"`
	Timeout        string        `mapstructure:"timeout" toml:"timeout"`
	MaxRetry       int           `mapstructure:"max_retry" toml:"max_retry"`
	AllowCPU       bool          `mapstructure:"allow_cpu" toml:"allow_cpu"`
	FilenamePrefix string        `mapstructure:"filename_prefix" toml:"filename_prefix"`
	TileSize       int           `mapstructure:"tile_size" toml:"tile_size"`
	TimeoutD       time.Duration `mapstructure:"-" toml:"-"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
	// Path defaults to <paths.data>/history.db.
	Path string `mapstructure:"path" toml:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
	File   string `mapstructure:"file" toml:"file"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8000",
			EnableCORS:      false,
			CORSOrigins:     []string{"*"},
			UIDir:           "",
			ShutdownTimeout: "10s",
		},
		Paths: PathsConfig{
			Models:  "./models",
			Outputs: "./outputs",
			Data:    "./data",
		},
		Backend: BackendConfig{
			URL:            "http://127.0.0.1:8188",
			Timeout:        "30s",
			MaxRetry:       5,
			AllowCPU:       false,
			FilenamePrefix: "arttic",
			TileSize:       512,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// flagKeys maps command line flag names onto config keys.
var flagKeys = map[string]string{
	"addr":        "server.addr",
	"cors":        "server.enable_cors",
	"ui-dir":      "server.ui_dir",
	"models-dir":  "paths.models",
	"outputs-dir": "paths.outputs",
	"data-dir":    "paths.data",
	"backend-url": "backend.url",
	"allow-cpu":   "backend.allow_cpu",
	"history":     "history.enabled",
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"log-file":    "logging.file",
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.enable_cors", d.Server.EnableCORS)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.ui_dir", d.Server.UIDir)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("paths.models", d.Paths.Models)
	v.SetDefault("paths.outputs", d.Paths.Outputs)
	v.SetDefault("paths.data", d.Paths.Data)
	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.timeout", d.Backend.Timeout)
	v.SetDefault("backend.max_retry", d.Backend.MaxRetry)
	v.SetDefault("backend.allow_cpu", d.Backend.AllowCPU)
	v.SetDefault("backend.filename_prefix", d.Backend.FilenamePrefix)
	v.SetDefault("backend.tile_size", d.Backend.TileSize)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

// Load builds the configuration. path may be empty, in which case
// arttic.{toml,yaml} is looked up in the working directory and ~/.arttic.
// flags may be nil; only flags named in flagKeys are bound.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("expand path: %w", err)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".arttic"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Server.ShutdownD, err = time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("parse server.shutdown_timeout: %w", err)
	}
	if c.Backend.TimeoutD, err = time.ParseDuration(c.Backend.Timeout); err != nil {
		return fmt.Errorf("parse backend.timeout: %w", err)
	}

	for _, p := range []*string{&c.Paths.Models, &c.Paths.Outputs, &c.Paths.Data, &c.History.Path, &c.Logging.File, &c.Server.UIDir} {
		if *p, err = expandPath(*p); err != nil {
			return err
		}
	}

	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.Paths.Data, "history.db")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Paths.Models == "" || c.Paths.Outputs == "" {
		return errors.New("paths.models and paths.outputs must not be empty")
	}

	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend.url: %q (want http://host:port)", c.Backend.URL)
	}
	if c.Backend.MaxRetry < 0 {
		return fmt.Errorf("backend.max_retry cannot be negative, got %d", c.Backend.MaxRetry)
	}
	if c.Backend.TileSize < 64 || c.Backend.TileSize%8 != 0 {
		return fmt.Errorf("backend.tile_size must be a multiple of 8 and at least 64, got %d", c.Backend.TileSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

// Write saves cfg as TOML. An existing file is only replaced when force is set.
func Write(path string, cfg *Config, force bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return err
	}
	defer f.Close()

	if err := Encode(f, cfg); err != nil {
		return err
	}
	return f.Close()
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
