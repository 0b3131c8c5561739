// Package config defines the proxy server's configuration surface,
// following gopls/internal/cmd.Serve's shape: a flat struct of
// flag-tagged fields parsed by the standard flag package, with an
// optional on-disk YAML overlay for operators who want to commit
// settings instead of passing flags (SPEC_FULL.md §3).
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig is the data recovered in SPEC_FULL.md §5 from
// original_source's proxy constructor options; the distilled spec.md
// only implies their existence ("bounded pool", "per-session connection
// caps", "inactivity shutdown", "size caps").
type ProxyConfig struct {
	Listen             string        `yaml:"listen"`
	MaxProcs           int           `yaml:"maxProcs"`
	MaxConnsPerSession int           `yaml:"maxConnsPerSession"`
	IdleTimeout        time.Duration `yaml:"idleTimeout"`
	LogFile            string        `yaml:"logFile"`
	MaxMessageSize     int           `yaml:"maxMessageSize"`
	ConfigFile         string        `yaml:"-"`

	// Command/Args launch the language-server binary this proxy fronts
	// (spec.md §1: "a specific language-server binary" is out of scope
	// for LSP semantics, but the proxy still needs to know how to start
	// it). Args is YAML-only; a single process tree serves every session
	// with this exact command, so there is no per-flag equivalent.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Default matches the original implementation's defaults, recovered
// where the distilled spec is silent on exact numbers.
func Default() ProxyConfig {
	return ProxyConfig{
		Listen:             ":8787",
		MaxProcs:           16,
		MaxConnsPerSession: 8,
		IdleTimeout:        30 * time.Minute,
		MaxMessageSize:     500 * 1024,
	}
}

// RegisterFlags binds cfg's fields onto fs, mirroring
// gopls/internal/cmd.Serve's flag-tagged-struct convention (expressed
// here as explicit fs.StringVar/fs.IntVar calls, since the bridge does
// not adopt gopls's tag-reflection helper).
func (cfg *ProxyConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")
	fs.IntVar(&cfg.MaxProcs, "max_procs", cfg.MaxProcs, "maximum concurrent language-server processes")
	fs.IntVar(&cfg.MaxConnsPerSession, "max_conns_per_session", cfg.MaxConnsPerSession, "maximum WebSocket connections per session")
	fs.DurationVar(&cfg.IdleTimeout, "idle_timeout", cfg.IdleTimeout, "close all sessions after this much inactivity (0 disables)")
	fs.StringVar(&cfg.LogFile, "log_file", cfg.LogFile, "path to write structured logs to (default stderr)")
	fs.IntVar(&cfg.MaxMessageSize, "max_message_size", cfg.MaxMessageSize, "maximum WebSocket frame size in bytes")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "optional YAML file overlaying these settings")
	fs.StringVar(&cfg.Command, "command", cfg.Command, "language-server executable to spawn per session")
}

// Load parses flags onto Default(), then applies cfg.ConfigFile as a YAML
// overlay if set: every key present in the file overrides the value from
// Default() or from a flag; keys absent from the file keep that value.
func Load(args []string) (ProxyConfig, error) {
	cfg := Default()
	fs := flag.NewFlagSet("vtlsp-proxy", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ProxyConfig{}, err
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyYAMLOverlay(cfg.ConfigFile); err != nil {
			return ProxyConfig{}, err
		}
	}
	return cfg, nil
}

func (cfg *ProxyConfig) applyYAMLOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
