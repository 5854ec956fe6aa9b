// Package netwatch raises a signal when the host gains or changes a usable
// network address.
package netwatch

import (
	"context"
	"net"
	"slices"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
)

// AddrFunc lists the host's interface addresses.
type AddrFunc func() ([]net.Addr, error)

type Watcher struct {
	Interval time.Duration
	Addrs    AddrFunc
}

func New(interval time.Duration) *Watcher {
	return &Watcher{Interval: interval, Addrs: net.InterfaceAddrs}
}

// Run polls until ctx is done and calls onAvailable whenever the set of
// non-loopback addresses becomes non-empty or changes while non-empty. The
// state at start is the baseline and does not fire.
func (w *Watcher) Run(ctx context.Context, onAvailable func()) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	list := w.Addrs
	if list == nil {
		list = net.InterfaceAddrs
	}
	last := usable(list)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cur := usable(list)
			if len(cur) > 0 && !slices.Equal(cur, last) {
				obs.Info("netwatch.available", obs.Fields{"addrs": cur})
				onAvailable()
			} else if len(cur) == 0 && len(last) > 0 {
				obs.Info("netwatch.lost", nil)
			}
			last = cur
		}
	}
}

func usable(list AddrFunc) []string {
	addrs, err := list()
	if err != nil {
		obs.Debug("netwatch.addrs.failed", obs.Fields{"err": err.Error()})
		return nil
	}
	var out []string
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ip.String())
	}
	slices.Sort(out)
	return out
}
