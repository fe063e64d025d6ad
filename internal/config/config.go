// Package config provides configuration management for TalonPulse.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/vesaa/talonpulse/internal/engine"
)

// SSHTarget is one host polled over SSH instead of running an agent.
type SSHTarget struct {
	Host     string `mapstructure:"host"` // host or host:port
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	KeyPath  string `mapstructure:"key_path"`
	// AgentID defaults to the remote hostname.
	AgentID string `mapstructure:"agent_id"`
}

// Config holds all runtime configuration for TalonPulse.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort (6677): dashboard + read API
	ControlPort int `mapstructure:"control_port"`
	// DataPort (1616): agent ingest, Bearer token protected
	DataPort int    `mapstructure:"data_port"`
	DBPath   string `mapstructure:"db_path"`
	DBDriver string `mapstructure:"db_driver"` // "sqlite"; empty disables the inventory

	// StoreQueueSize bounds pending inventory writes; overflow is dropped.
	StoreQueueSize int `mapstructure:"store_queue_size"`

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for control-plane tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AgentToken: pre-shared key for data-plane agent requests.
	// Format on wire: "Authorization: Bearer <agent_token>"
	AgentToken string `mapstructure:"agent_token"`
	AdminUser  string `mapstructure:"admin_user"`
	AdminPass  string `mapstructure:"admin_pass"`
	// ControlAuth puts every control-plane /api route behind /api/login.
	ControlAuth bool `mapstructure:"control_auth"`

	// ── Engine ───────────────────────────────────────────────────────────────
	RetentionSamples      int               `mapstructure:"retention_samples"`
	SampleIntervalSeconds int               `mapstructure:"sample_interval_seconds"`
	StaleAfterSeconds     int               `mapstructure:"stale_after_seconds"`
	SweepIntervalSeconds  int               `mapstructure:"sweep_interval_seconds"`
	RecentAlerts          int               `mapstructure:"recent_alerts"`
	Thresholds            engine.Thresholds `mapstructure:"thresholds"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentJoinAddr      string   `mapstructure:"agent_join_addr"`
	AgentInterval      int      `mapstructure:"agent_interval_seconds"`
	AgentOutboundToken string   `mapstructure:"agent_outbound_token"`
	AgentIDFile        string   `mapstructure:"agent_id_file"`
	CriticalProcesses  []string `mapstructure:"agent_critical_processes"`
	TopProcesses       int      `mapstructure:"agent_top_processes"`

	// ── SSH polling ──────────────────────────────────────────────────────────
	SSHTargets     []SSHTarget `mapstructure:"ssh_targets"`
	SSHPollSeconds int         `mapstructure:"ssh_poll_seconds"`
	SSHUser        string      `mapstructure:"ssh_user"`
	SSHKeyPath     string      `mapstructure:"ssh_key_path"`

	// ── Logging ──────────────────────────────────────────────────────────────
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Load reads config from file (path, or ./config.yaml, or
// ~/.talonpulse/config.yaml) and falls back to defaults. Environment
// variables with prefix PULSE_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.talonpulse")
	}
	if err := v.ReadInConfig(); err != nil {
		// config file is optional unless named explicitly
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6677)
	v.SetDefault("data_port", 1616)
	v.SetDefault("db_path", "talonpulse.db")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("store_queue_size", 1024)

	// Security defaults, override in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Pl5$Vq8@nR2!kZ7#tM4^wB9&cE1*hX")
	v.SetDefault("agent_token", "talonpulse-secret-key")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("control_auth", false)

	v.SetDefault("retention_samples", engine.DefaultCapacity)
	v.SetDefault("sample_interval_seconds", 5)
	v.SetDefault("stale_after_seconds", int(engine.DefaultStaleAfter.Seconds()))
	v.SetDefault("sweep_interval_seconds", 5)
	v.SetDefault("recent_alerts", engine.DefaultRecentAlerts)

	th := engine.DefaultThresholds()
	v.SetDefault("thresholds.warning_cpu_pct", th.WarningCPUPct)
	v.SetDefault("thresholds.critical_cpu_pct", th.CriticalCPUPct)
	v.SetDefault("thresholds.warning_mem_pct", th.WarningMemPct)
	v.SetDefault("thresholds.critical_mem_pct", th.CriticalMemPct)
	v.SetDefault("thresholds.warning_swap_pct", th.WarningSwapPct)
	v.SetDefault("thresholds.critical_disk_pct", th.CriticalDiskPct)
	v.SetDefault("thresholds.warning_inode_pct", th.WarningInodePct)
	v.SetDefault("thresholds.temp_fallback_c", th.TempFallbackC)
	v.SetDefault("thresholds.net_error_warning", th.NetErrorWarning)

	v.SetDefault("agent_join_addr", "127.0.0.1:1616")
	v.SetDefault("agent_interval_seconds", 5)
	v.SetDefault("agent_outbound_token", "talonpulse-secret-key")
	v.SetDefault("agent_id_file", "~/.talonpulse/agent_id")
	v.SetDefault("agent_critical_processes", []string{"sshd"})
	v.SetDefault("agent_top_processes", 10)

	v.SetDefault("ssh_targets", []SSHTarget{})
	v.SetDefault("ssh_poll_seconds", 15)
	v.SetDefault("ssh_user", "root")
	v.SetDefault("ssh_key_path", "~/.ssh/id_rsa")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	positive("retention_samples", c.RetentionSamples)
	positive("sample_interval_seconds", c.SampleIntervalSeconds)
	positive("stale_after_seconds", c.StaleAfterSeconds)
	positive("sweep_interval_seconds", c.SweepIntervalSeconds)
	positive("recent_alerts", c.RecentAlerts)
	positive("agent_interval_seconds", c.AgentInterval)
	positive("ssh_poll_seconds", c.SSHPollSeconds)
	positive("store_queue_size", c.StoreQueueSize)

	for name, port := range map[string]int{"control_port": c.ControlPort, "data_port": c.DataPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	if c.ControlPort == c.DataPort {
		errs = append(errs, fmt.Errorf("control_port and data_port must differ"))
	}

	th := c.Thresholds
	if th.WarningCPUPct > th.CriticalCPUPct {
		errs = append(errs, fmt.Errorf("thresholds: cpu warning %.1f above critical %.1f", th.WarningCPUPct, th.CriticalCPUPct))
	}
	if th.WarningMemPct > th.CriticalMemPct {
		errs = append(errs, fmt.Errorf("thresholds: mem warning %.1f above critical %.1f", th.WarningMemPct, th.CriticalMemPct))
	}
	for i, t := range c.SSHTargets {
		if t.Host == "" {
			errs = append(errs, fmt.Errorf("ssh_targets[%d]: host is required", i))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ExpandHome resolves a leading "~" against the current user's home
// directory. Other paths are returned unchanged.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
