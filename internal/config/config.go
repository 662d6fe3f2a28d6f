package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/prereq/internal/env"
	"github.com/loykin/prereq/internal/fingerprint"
	"github.com/loykin/prereq/internal/logger"
	"github.com/loykin/prereq/internal/supervisor"
)

// EnvPrefix prefixes environment overrides, e.g. PREREQ_CACHE_DIR.
const EnvPrefix = "PREREQ"

// Config is the top-level TOML structure.
//
//	cache_dir = ".prereqs_cache"
//	shutdown_timeout = "5s"
//
//	[[steps]]
//	name = "install_node_prereqs"
//	files = ["package.json"]
//	dirs = ["node_modules"]
//	command = ["npm", "install"]
//
//	[[services]]
//	name = "mongo"
//	command = ["mongod", "--quiet"]
//	singleton = true
type Config struct {
	CacheDir        string        `mapstructure:"cache_dir"`
	ReportDir       string        `mapstructure:"report_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TestsFailFast   bool          `mapstructure:"tests_fail_fast"`

	UseOSEnv bool     `mapstructure:"use_os_env"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Log      logger.Config   `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	History  HistoryConfig   `mapstructure:"history"`
	Server   ServerConfig    `mapstructure:"server"`
	Steps    []StepConfig    `mapstructure:"steps"`
	Services []ServiceConfig `mapstructure:"services"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig selects where build events go. DSN schemes: sqlite://,
// postgres://, clickhouse:// or a bare sqlite file path.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// StepConfig is a command guarded by an input fingerprint.
type StepConfig struct {
	Name    string   `mapstructure:"name"`
	Message string   `mapstructure:"message"`
	Files   []string `mapstructure:"files"`
	Dirs    []string `mapstructure:"dirs"`
	Command []string `mapstructure:"command"`
	WorkDir string   `mapstructure:"workdir"`
}

// ServiceConfig is a background process supervised for the lifetime of prereq.
type ServiceConfig struct {
	Name      string            `mapstructure:"name"`
	Command   []string          `mapstructure:"command"`
	Singleton bool              `mapstructure:"singleton"`
	WorkDir   string            `mapstructure:"workdir"`
	Env       []string          `mapstructure:"env"`
	Log       logger.FileConfig `mapstructure:"log"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", fingerprint.DefaultDir)
	v.SetDefault("report_dir", "reports")
	v.SetDefault("shutdown_timeout", supervisor.DefaultShutdownTimeout)
	v.SetDefault("tests_fail_fast", false)
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, _ := decode(newViper())
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// honoured without prefix for compatibility with existing CI setups
	_ = v.BindEnv("tests_fail_fast", EnvPrefix+"_TESTS_FAIL_FAST", "TESTS_FAIL_FAST")
	return v
}

// Load reads path (TOML). An empty path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks names, commands and uniqueness of steps and services.
func (c *Config) Validate() error {
	var errs []error
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	seen := map[string]bool{}
	for i, s := range c.Steps {
		id := fmt.Sprintf("steps[%d]", i)
		if s.Name != "" {
			id = fmt.Sprintf("step %q", s.Name)
		}
		switch {
		case !nameRe.MatchString(s.Name):
			errs = append(errs, fmt.Errorf("%s: name contains invalid characters or is empty", id))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate name", id))
		}
		seen[s.Name] = true
		if len(s.Files) == 0 {
			errs = append(errs, fmt.Errorf("%s: requires files", id))
		}
		if len(s.Command) == 0 {
			errs = append(errs, fmt.Errorf("%s: requires command", id))
		}
	}
	seen = map[string]bool{}
	for i, s := range c.Services {
		id := fmt.Sprintf("services[%d]", i)
		if s.Name != "" {
			id = fmt.Sprintf("service %q", s.Name)
		}
		switch {
		case !nameRe.MatchString(s.Name):
			errs = append(errs, fmt.Errorf("%s: name contains invalid characters or is empty", id))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate name", id))
		}
		seen[s.Name] = true
		if len(s.Command) == 0 {
			errs = append(errs, fmt.Errorf("%s: requires command", id))
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history: enabled without dsn"))
	}
	return errors.Join(errs...)
}

// Step returns the step named name.
func (c *Config) Step(name string) (StepConfig, bool) {
	for _, s := range c.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepConfig{}, false
}

// Service returns the service named name.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// SupervisorSpec converts a service entry. Service log settings are layered
// over the global [log.file] section.
func (c *Config) SupervisorSpec(s ServiceConfig) supervisor.Spec {
	return supervisor.Spec{
		Name:      s.Name,
		Args:      s.Command,
		WorkDir:   s.WorkDir,
		Env:       s.Env,
		Log:       c.Log.File.Merge(s.Log),
		Singleton: s.Singleton,
	}
}

// BuildEnv composes the environment for child processes: the OS environment
// (when use_os_env), then env_files in order, then the env list.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.Empty()
	if c.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e.SetAll(kvs)
	}
	e.SetAll(c.Env)
	return e, nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes) and returns the entries in file order. Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
