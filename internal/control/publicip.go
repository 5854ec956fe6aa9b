package control

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
)

const unknownIP = "unknown"

var ipClient = &http.Client{Timeout: 5 * time.Second}

// PublicIP asks lookupURL for the caller's address. Any failure yields
// "unknown"; the lookup never blocks a connection attempt for long.
func PublicIP(ctx context.Context, lookupURL string) string {
	if lookupURL == "" {
		return unknownIP
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return unknownIP
	}
	resp, err := ipClient.Do(req)
	if err != nil {
		obs.Debug("control.public_ip.failed", obs.Fields{"err": err.Error()})
		return unknownIP
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unknownIP
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return unknownIP
	}
	ip := strings.TrimSpace(string(b))
	if net.ParseIP(ip) == nil {
		return unknownIP
	}
	return ip
}
