// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the dev server and the HMR client.
type Config struct {
	Server  ServerConfig      `toml:"server"`
	Client  ClientConfig      `toml:"client"`
	Watch   WatchConfig       `toml:"watch"`
	Build   BuildConfig       `toml:"build"`
	Alias   map[string]string `toml:"alias"`
	Define  map[string]string `toml:"define"`
	Logging LoggingConfig     `toml:"logging"`
	MCP     MCPConfig         `toml:"mcp"`
}

// ServerConfig holds dev server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Root string `toml:"root"` // Module root directory
}

// ClientConfig holds HMR client runtime settings.
type ClientConfig struct {
	URL          string   `toml:"url"`   // Dev server base URL, e.g. http://localhost:5173
	Entry        string   `toml:"entry"` // Entry module path, e.g. /main.lua
	ReconnectMax Duration `toml:"reconnect_max"`
}

// WatchConfig holds file watching settings.
type WatchConfig struct {
	Debounce   Duration `toml:"debounce"`
	Extensions []string `toml:"extensions"`
}

// BuildConfig holds pipeline settings.
type BuildConfig struct {
	Production bool `toml:"production"` // Drops dev-only pipeline stages
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "error", "warn", "info", "debug"
	Verbosity int    `toml:"verbosity"` // 0=errors, 1=warnings, 2=hmr debug, 3=file events, 4=payloads
}

// MCPConfig holds MCP inspector settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && strings.Trim(arg[1:], "v") == "" {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5173,
			Root: ".",
		},
		Client: ClientConfig{
			URL:          "http://127.0.0.1:5173",
			Entry:        "/main.lua",
			ReconnectMax: Duration(30 * time.Second),
		},
		Watch: WatchConfig{
			Debounce:   Duration(100 * time.Millisecond),
			Extensions: []string{".lua", ".json"},
		},
		Alias:  map[string]string{},
		Define: map[string]string{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("hmr", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file (default: <root>/config/config.toml)")

	// Server flags
	host := fs.String("host", "", "Dev server listen address")
	port := fs.Int("port", 0, "Dev server listen port")
	root := fs.String("root", "", "Module root directory")

	// Client flags
	url := fs.String("url", "", "Dev server URL for the HMR client")
	entry := fs.String("entry", "", "Entry module path")

	// Pipeline flags
	production := fs.Bool("production", false, "Drop dev-only pipeline stages")
	debounce := fs.Duration("debounce", 0, "File change debounce interval")

	mcp := fs.Bool("mcp", false, "Serve the MCP inspector on stdio")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: error, warn, info, debug")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// The root may come from the CLI before the TOML file is located
	if *root != "" {
		cfg.Server.Root = *root
	} else if v := os.Getenv("HMR_ROOT"); v != "" {
		cfg.Server.Root = v
	}
	path := *configPath
	if path == "" {
		path = cfg.Server.Root + "/config/config.toml"
	}
	if err := cfg.loadTOML(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Server.Root = *root
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	if *entry != "" {
		cfg.Client.Entry = *entry
	}
	if *production {
		cfg.Build.Production = true
	}
	if *debounce != 0 {
		cfg.Watch.Debounce = Duration(*debounce)
	}
	if *mcp {
		cfg.MCP.Enabled = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HMR_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HMR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HMR_ROOT"); v != "" {
		c.Server.Root = v
	}
	if v := os.Getenv("HMR_URL"); v != "" {
		c.Client.URL = v
	}
	if v := os.Getenv("HMR_ENTRY"); v != "" {
		c.Client.Entry = v
	}
	if v := os.Getenv("HMR_PRODUCTION"); v != "" {
		c.Build.Production = v == "true" || v == "1"
	}
	if v := os.Getenv("HMR_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watch.Debounce = Duration(d)
		}
	}
	if v := os.Getenv("HMR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HMR_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Addr returns the dev server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// levelVerbosity maps a named log level onto the verbosity scale.
func levelVerbosity(level string) int {
	switch strings.ToLower(level) {
	case "error":
		return 0
	case "warn", "info":
		return 1
	case "debug":
		return 2
	case "trace":
		return 4
	}
	return 1
}

// Verbosity returns the effective verbosity: the larger of -v count and the named level.
func (c *Config) Verbosity() int {
	return max(c.Logging.Verbosity, levelVerbosity(c.Logging.Level))
}

// Log prints a message when level is within the configured verbosity.
// Level 0 messages are always printed.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c != nil && level > c.Verbosity() {
		return
	}
	log.Printf("[v%d] %s", level, fmt.Sprintf(format, args...))
}
