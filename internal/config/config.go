package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/cook/internal/tool"
)

const (
	defaultListenAddr = ":8000"
	defaultWorkDir    = "./work"
	defaultRecipeDir  = "./recipes"

	envListenAddr = "COOK_LISTEN_ADDR"
	envWorkDir    = "COOK_WORK_DIR"
	envLogDir     = "COOK_LOG_DIR"
	envRecipeDir  = "COOK_RECIPE_DIR"
	envConfigFile = "COOK_CONFIG"
	envLogLevel   = "COOK_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables
// and an optional YAML file.
type Config struct {
	ListenAddr string
	WorkDir    string
	LogDir     string
	RecipeDir  string
	ConfigFile string
	LogLevel   slog.Level

	// Clients lists the accepted client ids. Empty accepts any client.
	Clients []string
	// Tools is the tool configuration table keyed by tool name.
	Tools map[string]tool.Config
}

// File is the layout of the YAML configuration file.
type File struct {
	Clients []string               `yaml:"clients"`
	Tools   map[string]tool.Config `yaml:"tools"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		WorkDir:    defaultWorkDir,
		RecipeDir:  defaultRecipeDir,
		LogLevel:   slog.LevelInfo,
		Tools:      map[string]tool.Config{},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envLogDir); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv(envRecipeDir); v != "" {
		cfg.RecipeDir = v
	}
	if v := os.Getenv(envConfigFile); v != "" {
		cfg.ConfigFile = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

// ReadFile merges the clients and tool table from a YAML file. A tool
// listed in the file replaces any entry of the same name.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Clients = append(c.Clients, f.Clients...)
	if c.Tools == nil {
		c.Tools = make(map[string]tool.Config, len(f.Tools))
	}
	for name, tc := range f.Tools {
		if tc.Executable == "" {
			return fmt.Errorf("config %s: tool %s: missing executable", path, name)
		}
		c.Tools[name] = tc
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
