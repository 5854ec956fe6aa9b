// Package telemetry aggregates the agent's stream count and byte totals.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/proxyagent/internal/obs"
)

// Snapshot is a read-only view of the counters.
type Snapshot struct {
	ActiveStreams    int64 `json:"active_streams"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("[%d open, %s]", s.ActiveStreams, sizestr.ToString(s.BytesTransferred))
}

// Counter is safe for concurrent use. The zero value is ready.
type Counter struct {
	active atomic.Int64
	bytes  atomic.Int64
}

// StreamOpened records a newly stored session.
func (c *Counter) StreamOpened() {
	c.active.Add(1)
	obs.ActiveStreams.Inc()
	obs.StreamsOpenedTotal.Inc()
}

// StreamClosed records a removed session.
func (c *Counter) StreamClosed() {
	c.active.Add(-1)
	obs.ActiveStreams.Dec()
}

// AddBytes adds n to the cumulative byte total.
func (c *Counter) AddBytes(n int) {
	if n <= 0 {
		return
	}
	c.bytes.Add(int64(n))
	obs.BytesTransferredTotal.Add(float64(n))
}

func (c *Counter) Snapshot() Snapshot {
	return Snapshot{ActiveStreams: c.active.Load(), BytesTransferred: c.bytes.Load()}
}

// Report calls fn with a snapshot every interval until ctx is done. A snapshot
// is only published when it differs from the previous one.
func Report(ctx context.Context, c *Counter, interval time.Duration, fn func(Snapshot)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	var last Snapshot
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := c.Snapshot()
			if first || s != last {
				fn(s)
				last, first = s, false
			}
		}
	}
}
