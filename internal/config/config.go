// Package config loads the relay configuration.
//
// Values are layered, later layers winning:
//   - built-in defaults (Default)
//   - the YAML file named by --config or DEBUGRELAY_CONFIG
//   - DEBUGRELAY_* environment variables, optionally seeded from a .env file
//   - command-line flags
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/adapter"
)

// Environment variables read by ApplyEnv and Load.
const (
	EnvConfig   = "DEBUGRELAY_CONFIG"
	EnvListen   = "DEBUGRELAY_LISTEN"
	EnvLogLevel = "DEBUGRELAY_LOG_LEVEL"
	EnvDataDir  = "DEBUGRELAY_DATA_DIR"
)

// Flag names registered by BindFlags.
const (
	FlagConfig         = "config"
	FlagListen         = "listen"
	FlagPath           = "path"
	FlagLogLevel       = "log-level"
	FlagDataDir        = "data-dir"
	FlagAllowedOrigins = "allowed-origin"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdapterConfig describes how to launch the adapter for one debug type.
type AdapterConfig struct {
	// Command is the adapter executable. ${VAR} references are expanded.
	Command string `yaml:"command"`

	Args []string `yaml:"args"`

	// Env entries are applied on top of EnvFiles.
	Env map[string]string `yaml:"env"`

	// EnvFiles are dotenv files read when the resolver is built. Relative paths
	// are resolved against the config file's directory.
	EnvFiles []string `yaml:"envFiles"`

	// Dir is the working directory of the adapter process.
	Dir string `yaml:"dir"`
}

// Config is the relay configuration.
type Config struct {
	// Listen is the TCP address of the WebSocket listener.
	Listen string `yaml:"listen"`

	// Path is the WebSocket endpoint.
	Path string `yaml:"path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	// DataDir holds the session journal.
	DataDir string `yaml:"dataDir"`

	// JournalRetention is how long closed sessions stay in the journal. Zero keeps them.
	JournalRetention time.Duration `yaml:"journalRetention"`

	// AllowedOrigins restricts browser clients. Empty allows every origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// Adapters maps a debug type (the initialize request's adapterID) to its adapter.
	Adapters map[string]AdapterConfig `yaml:"adapters"`

	// baseDir is the directory of the loaded file, for relative paths.
	baseDir string
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	dataDir := ".debugrelay"
	if homeDir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(homeDir, ".debugrelay")
	}

	return &Config{
		Listen:           ":4711",
		Path:             "/debug",
		LogLevel:         "info",
		DataDir:          dataDir,
		JournalRetention: 7 * 24 * time.Hour,
		Adapters:         map[string]AdapterConfig{},
	}
}

// Load builds the configuration from defaults, the file at path (or the one
// named by DEBUGRELAY_CONFIG when path is empty) and the environment. Flags are
// applied separately with ApplyFlags.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if abs, absErr := filepath.Abs(path); absErr == nil {
		c.baseDir = filepath.Dir(abs)
	} else {
		c.baseDir = filepath.Dir(path)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from DEBUGRELAY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	defaults := Default()
	fs.String(FlagConfig, "", "path to the YAML config file (env "+EnvConfig+")")
	fs.String(FlagListen, defaults.Listen, "address to listen on (env "+EnvListen+")")
	fs.String(FlagPath, defaults.Path, "WebSocket endpoint path")
	fs.String(FlagLogLevel, defaults.LogLevel, "log level: debug, info, warn, error (env "+EnvLogLevel+")")
	fs.String(FlagDataDir, defaults.DataDir, "directory for the session journal (env "+EnvDataDir+")")
	fs.StringSlice(FlagAllowedOrigins, nil, "allowed browser origin; repeat or comma-separate for several")
}

// ApplyFlags copies every flag the user set explicitly on fs into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	stringFlags := map[string]*string{
		FlagListen:   &c.Listen,
		FlagPath:     &c.Path,
		FlagLogLevel: &c.LogLevel,
		FlagDataDir:  &c.DataDir,
	}
	for name, dst := range stringFlags {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if fs.Lookup(FlagAllowedOrigins) != nil && fs.Changed(FlagAllowedOrigins) {
		origins, err := fs.GetStringSlice(FlagAllowedOrigins)
		if err != nil {
			return err
		}
		c.AllowedOrigins = origins
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.JournalRetention < 0 {
		errs = append(errs, errors.New("journalRetention must not be negative"))
	}

	for _, debugType := range c.AdapterTypes() {
		a := c.Adapters[debugType]
		if strings.TrimSpace(debugType) == "" {
			errs = append(errs, errors.New("adapter with an empty debug type"))
		}
		if strings.TrimSpace(a.Command) == "" {
			errs = append(errs, fmt.Errorf("adapter %q: %w", debugType, adapter.ErrEmptyCommand))
		}
	}

	return errors.Join(errs...)
}

// AdapterTypes returns the configured debug types, sorted.
func (c *Config) AdapterTypes() []string {
	types := make([]string, 0, len(c.Adapters))
	for debugType := range c.Adapters {
		types = append(types, debugType)
	}
	sort.Strings(types)
	return types
}

// Resolver builds the adapter table. Env files are read now, so a missing file
// is reported at startup rather than on the first session.
func (c *Config) Resolver() (*adapter.StaticResolver, error) {
	commands := make([]adapter.Command, 0, len(c.Adapters))
	for _, debugType := range c.AdapterTypes() {
		cmd, err := c.command(debugType, c.Adapters[debugType])
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return adapter.NewStaticResolver(commands...)
}

func (c *Config) command(debugType string, a AdapterConfig) (adapter.Command, error) {
	env := map[string]string{}
	if len(a.EnvFiles) > 0 {
		files := make([]string, len(a.EnvFiles))
		for i, f := range a.EnvFiles {
			files[i] = c.resolvePath(os.ExpandEnv(f))
		}
		fileEnv, err := godotenv.Read(files...)
		if err != nil {
			return adapter.Command{}, fmt.Errorf("adapter %q: failed to read env files: %w", debugType, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range a.Env {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envList := make([]string, 0, len(keys))
	for _, k := range keys {
		envList = append(envList, k+"="+env[k])
	}

	args := make([]string, len(a.Args))
	for i, arg := range a.Args {
		args[i] = os.ExpandEnv(arg)
	}

	dir := ""
	if a.Dir != "" {
		dir = c.resolvePath(os.ExpandEnv(a.Dir))
	}

	return adapter.Command{
		Type: debugType,
		Path: os.ExpandEnv(a.Command),
		Args: args,
		Env:  envList,
		Dir:  dir,
	}, nil
}

func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}
