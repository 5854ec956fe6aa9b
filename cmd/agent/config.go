package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matst80/proxyagent/internal/control"
	"github.com/matst80/proxyagent/internal/httpx"
	"github.com/matst80/proxyagent/internal/stream"
	"github.com/spf13/pflag"
)

// Config holds agent runtime configuration: defaults, then the optional TOML
// file, then explicitly set flags.
type Config struct {
	RelayURL          string
	Token             string
	IdentityFile      string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKey          string
	StatusAddr        string
	PublicIPURL       string
	Platform          string
	MaxReconnect      int
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	HTTPTimeout       time.Duration
	NetPoll           time.Duration
	TelemetryInterval time.Duration
	Debug             bool
}

// fileConfig is the agent.toml key mapping.
type fileConfig struct {
	RelayURL          string   `toml:"relay_url"`
	Token             string   `toml:"token"`
	IdentityFile      string   `toml:"identity_file"`
	RedisAddr         string   `toml:"redis_addr"`
	RedisPassword     string   `toml:"redis_password"`
	RedisDB           int      `toml:"redis_db"`
	RedisKey          string   `toml:"redis_key"`
	StatusAddr        string   `toml:"status_addr"`
	PublicIPURL       string   `toml:"public_ip_url"`
	Platform          string   `toml:"platform"`
	MaxReconnect      int      `toml:"max_reconnect_attempts"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	PingInterval      duration `toml:"ping_interval"`
	ConnectTimeout    duration `toml:"connect_timeout"`
	IdleTimeout       duration `toml:"idle_timeout"`
	HTTPTimeout       duration `toml:"http_timeout"`
	NetPoll           duration `toml:"net_poll_interval"`
	TelemetryInterval duration `toml:"telemetry_interval"`
	Debug             bool     `toml:"debug"`
}

// duration decodes TOML strings such as "5s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultIdentityFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "proxyagent-identity.toml"
	}
	return filepath.Join(dir, "proxyagent", "identity.toml")
}

func parseConfig(args []string) (Config, error) {
	ctl := control.DefaultConfig()
	st := stream.DefaultConfig()
	var cfg Config
	var configPath string

	fs := pflag.NewFlagSet("proxyagent", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "optional TOML config file")
	fs.StringVar(&cfg.RelayURL, "relay", "ws://127.0.0.1:9000/ws/agent", "relay websocket URL")
	fs.StringVar(&cfg.Token, "token", "", "pairing token for first connection")
	fs.StringVar(&cfg.IdentityFile, "identity", defaultIdentityFile(), "identity file path (empty keeps identity in memory)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "store identity in Redis at this address instead of a file")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&cfg.RedisKey, "redis-key", "proxyagent:identity", "Redis hash key holding the identity")
	fs.StringVar(&cfg.StatusAddr, "status", "127.0.0.1:9101", "local status/metrics listen address (empty disables)")
	fs.StringVar(&cfg.PublicIPURL, "public-ip-url", ctl.PublicIPURL, "public IP lookup URL (empty sends \"unknown\")")
	fs.StringVar(&cfg.Platform, "platform", ctl.Platform, "platform reported to the relay")
	fs.IntVar(&cfg.MaxReconnect, "max-reconnect", ctl.MaxReconnectAttempts, "automatic reconnect attempts after a failure")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", ctl.ReconnectDelay, "delay between reconnect attempts")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", ctl.PingInterval, "websocket ping interval")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", st.ConnectTimeout, "TCP connect timeout for tunneled streams")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", st.IdleTimeout, "read/write idle timeout for tunneled streams")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", ctl.HTTP.TotalTimeout, "overall timeout for relayed HTTP requests")
	fs.DurationVar(&cfg.NetPoll, "net-poll", 5*time.Second, "network change poll interval (0 disables)")
	fs.DurationVar(&cfg.TelemetryInterval, "telemetry-interval", time.Second, "telemetry publish interval")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if configPath != "" {
		if err := applyFile(&cfg, configPath, fs); err != nil {
			return Config{}, err
		}
	}
	if cfg.RelayURL == "" {
		return Config{}, fmt.Errorf("relay url is required")
	}
	return cfg, nil
}

// applyFile overlays keys present in path, except where a flag was set.
func applyFile(cfg *Config, path string, fs *pflag.FlagSet) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	use := func(key, flag string) bool { return meta.IsDefined(key) && !fs.Changed(flag) }

	if use("relay_url", "relay") {
		cfg.RelayURL = strings.TrimSpace(raw.RelayURL)
	}
	if use("token", "token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if use("identity_file", "identity") {
		cfg.IdentityFile = strings.TrimSpace(raw.IdentityFile)
	}
	if use("redis_addr", "redis-addr") {
		cfg.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if use("redis_password", "redis-password") {
		cfg.RedisPassword = raw.RedisPassword
	}
	if use("redis_db", "redis-db") {
		cfg.RedisDB = raw.RedisDB
	}
	if use("redis_key", "redis-key") {
		cfg.RedisKey = strings.TrimSpace(raw.RedisKey)
	}
	if use("status_addr", "status") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if use("public_ip_url", "public-ip-url") {
		cfg.PublicIPURL = strings.TrimSpace(raw.PublicIPURL)
	}
	if use("platform", "platform") {
		cfg.Platform = strings.TrimSpace(raw.Platform)
	}
	if use("max_reconnect_attempts", "max-reconnect") {
		cfg.MaxReconnect = raw.MaxReconnect
	}
	if use("reconnect_delay", "reconnect-delay") {
		cfg.ReconnectDelay = raw.ReconnectDelay.Duration
	}
	if use("ping_interval", "ping-interval") {
		cfg.PingInterval = raw.PingInterval.Duration
	}
	if use("connect_timeout", "connect-timeout") {
		cfg.ConnectTimeout = raw.ConnectTimeout.Duration
	}
	if use("idle_timeout", "idle-timeout") {
		cfg.IdleTimeout = raw.IdleTimeout.Duration
	}
	if use("http_timeout", "http-timeout") {
		cfg.HTTPTimeout = raw.HTTPTimeout.Duration
	}
	if use("net_poll_interval", "net-poll") {
		cfg.NetPoll = raw.NetPoll.Duration
	}
	if use("telemetry_interval", "telemetry-interval") {
		cfg.TelemetryInterval = raw.TelemetryInterval.Duration
	}
	if use("debug", "debug") {
		cfg.Debug = raw.Debug
	}
	return nil
}

func (c Config) controlConfig() control.Config {
	ctl := control.DefaultConfig()
	ctl.RelayURL = c.RelayURL
	ctl.Platform = c.Platform
	ctl.PublicIPURL = c.PublicIPURL
	ctl.MaxReconnectAttempts = c.MaxReconnect
	ctl.ReconnectDelay = c.ReconnectDelay
	ctl.PingInterval = c.PingInterval
	ctl.Stream.ConnectTimeout = c.ConnectTimeout
	ctl.Stream.IdleTimeout = c.IdleTimeout
	ctl.HTTP = httpx.DefaultExecConfig()
	ctl.HTTP.ConnectTimeout = c.ConnectTimeout
	ctl.HTTP.TotalTimeout = c.HTTPTimeout
	return ctl
}
