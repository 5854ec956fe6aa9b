package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/telemetry"
)

// ErrorHeader names the failure class on synthesized 500 responses.
const ErrorHeader = "X-Relay-Error"

var (
	ErrInvalidRequest = errors.New("httpx: invalid request")
	ErrBodyTooLarge   = errors.New("httpx: response body too large")
)

type ExecConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // time to response headers
	TotalTimeout   time.Duration
	MaxBody        int64
}

func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   60 * time.Second,
		MaxBody:        32 << 20,
	}
}

// Executor performs REQUEST descriptors against the network and always
// produces a response descriptor.
type Executor struct {
	Client  *http.Client
	Counter *telemetry.Counter
	MaxBody int64
}

func NewExecutor(counter *telemetry.Counter, cfg ExecConfig) *Executor {
	def := DefaultExecConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = def.TotalTimeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = def.MaxBody
	}
	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}
	if counter == nil {
		counter = &telemetry.Counter{}
	}
	return &Executor{
		Client:  &http.Client{Transport: tr, Timeout: cfg.TotalTimeout},
		Counter: counter,
		MaxBody: cfg.MaxBody,
	}
}

// Execute never returns an error: failures become a 500 text/plain response
// whose ErrorHeader carries the failure class.
func (e *Executor) Execute(ctx context.Context, in proto.HTTPRequest) proto.HTTPResponse {
	start := time.Now()
	out, err := e.do(ctx, in)
	if err != nil {
		class := classify(err)
		obs.HTTPRelayTotal.WithLabelValues(class).Inc()
		obs.Warn("http.relay.failed", obs.Fields{"method": in.Method, "url": in.URL, "class": class, "err": err.Error()})
		return proto.HTTPResponse{
			Status: http.StatusInternalServerError,
			Headers: map[string][]string{
				"Content-Type": {"text/plain"},
				ErrorHeader:    {class},
			},
			Body: "Proxy error: " + err.Error(),
		}
	}
	obs.HTTPRelayTotal.WithLabelValues("ok").Inc()
	obs.HTTPRelayDuration.Observe(time.Since(start).Seconds())
	e.Counter.AddBytes(len(out.Body))
	obs.Debug("http.relay", obs.Fields{"method": in.Method, "url": in.URL, "status": out.Status, "bytes": len(out.Body)})
	return out
}

func (e *Executor) do(ctx context.Context, in proto.HTTPRequest) (proto.HTTPResponse, error) {
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return proto.HTTPResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return proto.HTTPResponse{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, req.URL.Scheme)
	}
	hasType := false
	for name, values := range in.Headers {
		switch {
		case strings.EqualFold(name, "Proxy-Authorization"):
			continue
		case strings.EqualFold(name, "Host"):
			if len(values) > 0 {
				req.Host = values[0]
			}
			continue
		case strings.EqualFold(name, "Content-Type"):
			hasType = len(values) > 0
		}
		// Names are forwarded as received, not canonicalized.
		req.Header[name] = append(req.Header[name], values...)
	}
	if body != nil && !hasType {
		req.Header.Set("Content-Type", "text/plain")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return proto.HTTPResponse{}, err
	}
	defer resp.Body.Close()

	limit := e.MaxBody
	if limit <= 0 {
		limit = DefaultExecConfig().MaxBody
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return proto.HTTPResponse{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(b)) > limit {
		return proto.HTTPResponse{}, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, limit)
	}
	return proto.HTTPResponse{
		Status:  resp.StatusCode,
		Headers: map[string][]string(resp.Header.Clone()),
		Body:    string(b),
	}, nil
}

func classify(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	}
	return "other"
}
