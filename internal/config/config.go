// Package config provides YAML-based configuration loading for Despacho.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Despacho configuration, loaded from despacho.yaml.
type Config struct {
	Owner     string          `yaml:"owner"`
	DB        DBConfig        `yaml:"db"`
	Intents   IntentsConfig   `yaml:"intents"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DBConfig holds durable-store connection settings. Driver "sqlite" uses a
// local file; "mysql" connects to a server.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite only
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// IntentsConfig governs pending-intent lifetimes.
type IntentsConfig struct {
	TTLMinutes    int `yaml:"ttl_minutes"`    // default proposal TTL
	RetentionDays int `yaml:"retention_days"` // keep terminal intents this long for audit
}

// DispatchConfig governs the dispatch chain.
type DispatchConfig struct {
	MaxHops int `yaml:"max_hops"` // delegation cap across tiers
}

// GatewayConfig selects and configures the chat platform.
type GatewayConfig struct {
	Platform   string        `yaml:"platform"` // "slack" or "discord"
	Slack      SlackConfig   `yaml:"slack"`
	Discord    DiscordConfig `yaml:"discord"`
	SweepCron  string        `yaml:"sweep_cron"`  // expiry sweep schedule
	DigestCron string        `yaml:"digest_cron"` // daily audit digest; empty disables
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DashboardConfig holds settings for the read-only HTTP dashboard.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TTL returns the default proposal TTL as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Intents.TTLMinutes) * time.Minute
}

// Retention returns the audit retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Intents.RetentionDays) * 24 * time.Hour
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "despacho.db"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" && c.Owner != "" {
		c.DB.Database = "despacho_" + c.Owner
	}
	if c.Intents.TTLMinutes == 0 {
		c.Intents.TTLMinutes = 120
	}
	if c.Intents.RetentionDays == 0 {
		c.Intents.RetentionDays = 90
	}
	if c.Dispatch.MaxHops == 0 {
		c.Dispatch.MaxHops = 3
	}
	if c.Gateway.SweepCron == "" {
		c.Gateway.SweepCron = "*/5 * * * *"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite or mysql)", c.DB.Driver))
	}
	if c.DB.Driver == "mysql" && c.DB.Database == "" {
		errs = append(errs, "db.database is required for mysql")
	}
	switch c.Gateway.Platform {
	case "", "slack", "discord":
	default:
		errs = append(errs, fmt.Sprintf("gateway.platform %q is not supported (slack or discord)", c.Gateway.Platform))
	}
	if c.Gateway.Platform == "slack" {
		if c.Gateway.Slack.AppToken == "" {
			errs = append(errs, "gateway.slack.app_token is required")
		}
		if c.Gateway.Slack.BotToken == "" {
			errs = append(errs, "gateway.slack.bot_token is required")
		}
	}
	if c.Gateway.Platform == "discord" && c.Gateway.Discord.BotToken == "" {
		errs = append(errs, "gateway.discord.bot_token is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
