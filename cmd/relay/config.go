package main

import (
	"fmt"
	"time"

	"github.com/matst80/proxyagent/internal/ratelimit"
	"github.com/spf13/pflag"
)

// Config holds all relay runtime configuration derived from flags.
type Config struct {
	AgentAddr        string
	ProxyAddr        string
	MetricsAddr      string
	RequestTimeout   time.Duration
	ResponseTimeout  time.Duration
	CleanupInterval  time.Duration
	PingInterval     time.Duration
	PairingTTL       time.Duration
	MaxHeaderSize    int
	MaxBody          int64
	ProxyPassword    string
	EnableProxyProto bool
	AddXFF           bool
	Debug            bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Limits ratelimit.Config

	// TLS for the agent endpoint; a CA file additionally requires client certificates.
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

func parseConfig(args []string) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("proxyrelay", pflag.ContinueOnError)
	fs.StringVar(&cfg.AgentAddr, "agents", ":9000", "listen address for agent websocket connections (/ws/agent)")
	fs.StringVar(&cfg.ProxyAddr, "proxy", ":8080", "HTTP proxy listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, dashboard and admin API listen address")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "time limit for an agent to answer CONNECT")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", 70*time.Second, "time limit for an agent to answer a relayed HTTP request")
	fs.DurationVar(&cfg.CleanupInterval, "pending-cleanup-interval", 5*time.Second, "interval for sweeping expired pending exchanges")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", 30*time.Second, "expected agent ping interval; agents silent for three intervals are dropped")
	fs.DurationVar(&cfg.PairingTTL, "pairing-ttl", 10*time.Minute, "lifetime of issued pairing tokens")
	fs.IntVar(&cfg.MaxHeaderSize, "max-header-size", 32*1024, "maximum allowed proxy request header bytes")
	fs.Int64Var(&cfg.MaxBody, "max-body", 32<<20, "maximum relayed request body bytes")
	fs.StringVar(&cfg.ProxyPassword, "proxy-password", "", "require this password in Proxy-Authorization (username selects the device)")
	fs.BoolVar(&cfg.EnableProxyProto, "proxy-protocol", false, "expect and parse HAProxy PROXY protocol v1 line on proxy connections")
	fs.BoolVar(&cfg.AddXFF, "add-xff", true, "append X-Forwarded-For header with original client IP on relayed requests")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for device and pairing state (empty keeps state in memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&cfg.Limits.GlobalTunnels, "global-tunnel-rate", 0, "tunnels per second across all agents (0 disables)")
	fs.IntVar(&cfg.Limits.AgentTunnels, "agent-tunnel-rate", 20, "tunnels per second per agent (0 disables)")
	fs.IntVar(&cfg.Limits.GlobalRequests, "global-request-rate", 0, "relayed requests per second across all agents (0 disables)")
	fs.IntVar(&cfg.Limits.AgentRequests, "agent-request-rate", 50, "relayed requests per second per agent (0 disables)")
	fs.IntVar(&cfg.Limits.Burst, "rate-burst", 40, "token bucket burst size")
	fs.BoolVar(&cfg.EnableTLS, "tls", false, "enable TLS on the agent listener")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for agent certificate verification (enables mTLS)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.EnableTLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("--tls needs --tls-cert and --tls-key")
	}
	if cfg.RequestTimeout <= 0 || cfg.ResponseTimeout <= 0 {
		return Config{}, fmt.Errorf("timeouts must be positive")
	}
	return cfg, nil
}
