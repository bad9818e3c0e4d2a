// Package config loads server configuration from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr              = "127.0.0.1:7338"
	DefaultDBPath            = "intercom.db"
	DefaultSlowQuery         = 100 * time.Millisecond
	DefaultReservationTTL    = time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultSweepGrace        = 5 * time.Minute
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	defaultConfigPermissions = 0o644
)

// Duration reads "90s" style strings from either file format.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

type Server struct {
	Addr       string `yaml:"addr" toml:"addr"`
	SocketPath string `yaml:"socket_path,omitempty" toml:"socket_path"`
}

type Database struct {
	Path               string   `yaml:"path" toml:"path"`
	SlowQueryThreshold Duration `yaml:"slow_query_threshold" toml:"slow_query_threshold"`
}

type Reservations struct {
	DefaultTTL    Duration `yaml:"default_ttl" toml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SweepGrace    Duration `yaml:"sweep_grace" toml:"sweep_grace"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type Config struct {
	Server       Server       `yaml:"server" toml:"server"`
	Database     Database     `yaml:"database" toml:"database"`
	Reservations Reservations `yaml:"reservations" toml:"reservations"`
	Logging      Logging      `yaml:"logging" toml:"logging"`
}

// Default returns a config with every field set.
func Default() Config {
	return Config{
		Server:   Server{Addr: DefaultAddr},
		Database: Database{Path: DefaultDBPath, SlowQueryThreshold: Duration{DefaultSlowQuery}},
		Reservations: Reservations{
			DefaultTTL:    Duration{DefaultReservationTTL},
			SweepInterval: Duration{DefaultSweepInterval},
			SweepGrace:    Duration{DefaultSweepGrace},
		},
		Logging: Logging{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load reads path, expands ${VAR} references, fills defaults and validates.
// The format follows the extension: .toml is TOML, anything else YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (Config, error) {
	expanded := os.Expand(string(data), lookupEnv)
	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unknown config format %q", format)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

// lookupEnv keeps unknown references as empty strings, the way a shell
// would.
func lookupEnv(name string) string {
	v, _ := os.LookupEnv(name)
	return v
}

// ApplyDefaults fills zero values from Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Server.Addr == "" && c.Server.SocketPath == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Database.SlowQueryThreshold.Duration == 0 {
		c.Database.SlowQueryThreshold = d.Database.SlowQueryThreshold
	}
	if c.Reservations.DefaultTTL.Duration == 0 {
		c.Reservations.DefaultTTL = d.Reservations.DefaultTTL
	}
	if c.Reservations.SweepInterval.Duration == 0 {
		c.Reservations.SweepInterval = d.Reservations.SweepInterval
	}
	if c.Reservations.SweepGrace.Duration == 0 {
		c.Reservations.SweepGrace = d.Reservations.SweepGrace
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" && c.Server.SocketPath == "" {
		errs = append(errs, errors.New("server: addr or socket_path required"))
	}
	if c.Database.SlowQueryThreshold.Duration < 0 {
		errs = append(errs, errors.New("database.slow_query_threshold must not be negative"))
	}
	if c.Reservations.DefaultTTL.Duration <= 0 {
		errs = append(errs, errors.New("reservations.default_ttl must be positive"))
	}
	if c.Reservations.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("reservations.sweep_interval must be positive"))
	}
	if c.Reservations.SweepGrace.Duration < 0 {
		errs = append(errs, errors.New("reservations.sweep_grace must not be negative"))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Write encodes cfg as YAML to path, refusing to overwrite unless force.
func Write(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, defaultConfigPermissions); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ParseLevel maps debug/info/warn/error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger described by the logging section.
func NewLogger(w io.Writer, l Logging) (*slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging.format %q must be text or json", l.Format)
	}
}
