package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent side.
var (
	ActiveStreams          = promauto.NewGauge(prometheus.GaugeOpts{Name: "proxyagent_active_streams", Help: "Open tunneled TCP streams"})
	BytesTransferredTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "proxyagent_bytes_transferred_total", Help: "Bytes relayed through streams and HTTP responses"})
	StreamsOpenedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "proxyagent_streams_opened_total", Help: "Streams successfully opened"})
	StreamOpenFailures     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "proxyagent_stream_open_failures_total", Help: "Failed stream opens by reason"}, []string{"reason"})
	HTTPRelayTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "proxyagent_http_relay_total", Help: "Relayed HTTP requests by outcome"}, []string{"outcome"})
	HTTPRelayDuration      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "proxyagent_http_relay_duration_seconds", Help: "Relayed HTTP request latency", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	ControlState           = promauto.NewGauge(prometheus.GaugeOpts{Name: "proxyagent_control_state", Help: "Control connection state (0 disconnected, 1 connecting, 2 connected)"})
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "proxyagent_reconnect_attempts_total", Help: "Automatic reconnect attempts scheduled"})
	DroppedMessagesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "proxyagent_dropped_messages_total", Help: "Malformed, unroutable, or overflowing control messages"}, []string{"kind"})
)

// Relay side.
var (
	ActiveAgents           = promauto.NewGauge(prometheus.GaugeOpts{Name: "proxyrelay_active_agents", Help: "Currently connected agents"})
	PendingTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "proxyrelay_pending_tunnels", Help: "Tunnels and requests waiting for an agent answer"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "proxyrelay_tunnel_established_total", Help: "Tunnels established"})
	TunnelTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "proxyrelay_tunnel_timeout_total", Help: "Tunnels or requests timed out before the agent answered"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "proxyrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "proxyrelay_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
