// Package stream owns the TCP sockets tunneled over the control connection.
//
// A Table is created per connection epoch. Each session has one read loop
// (socket -> DATA frames, then a CLOSE frame) and one write loop draining an
// ordered queue of inbound chunks. Queuing never blocks the caller, so a
// socket that stops reading cannot stall the control connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matst80/proxyagent/internal/frame"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/telemetry"
)

var (
	ErrBadTarget   = errors.New("stream: bad target")
	ErrBadStreamID = errors.New("stream: bad stream id")
	ErrDuplicate   = errors.New("stream: stream id already in use")
	ErrTableClosed = errors.New("stream: table closed")
)

// Sender is the serialized send path of the control connection.
type Sender interface {
	SendBinary(b []byte) error
	SendText(b []byte) error
}

// Dialer opens the outbound socket for a session.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	ConnectTimeout time.Duration
	// IdleTimeout bounds every socket read and write.
	IdleTimeout    time.Duration
	ReadBufferSize int
	// MaxQueuedBytes caps inbound data waiting for a slow socket. Past it the
	// stream is closed and the relay notified.
	MaxQueuedBytes int
	// Dialer defaults to a net.Dialer bounded by ConnectTimeout.
	Dialer Dialer
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
		ReadBufferSize: frame.MaxChunk,
		MaxQueuedBytes: 64 * frame.MaxChunk,
	}
}

type Table struct {
	cfg     Config
	sender  Sender
	counter *telemetry.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	opening  map[string]struct{}
	closed   bool
}

// NewTable returns an empty table whose goroutines stop when parent is done
// or CloseAll is called.
func NewTable(parent context.Context, sender Sender, counter *telemetry.Counter, cfg Config) *Table {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.MaxQueuedBytes <= 0 {
		cfg.MaxQueuedBytes = def.MaxQueuedBytes
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: cfg.ConnectTimeout}
	}
	if counter == nil {
		counter = &telemetry.Counter{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Table{
		cfg:      cfg,
		sender:   sender,
		counter:  counter,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		opening:  make(map[string]struct{}),
	}
}

// ParseTarget splits "host:port" and validates the port range.
func ParseTarget(target string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(strings.TrimSpace(target))
	if err != nil {
		return "", "", fmt.Errorf("%w %q: %v", ErrBadTarget, target, err)
	}
	if host == "" {
		return "", "", fmt.Errorf("%w %q: empty host", ErrBadTarget, target)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("%w %q: invalid port", ErrBadTarget, target)
	}
	return host, port, nil
}

// Open dials target and registers the session under id. On success the relay
// receives CONNECTED before any DATA for id. On failure nothing is sent to the
// relay and no session remains.
func (t *Table) Open(ctx context.Context, id, target string) error {
	if err := frame.CheckStreamID(id); err != nil {
		obs.StreamOpenFailures.WithLabelValues("id").Inc()
		return fmt.Errorf("%w: %v", ErrBadStreamID, err)
	}
	host, port, err := ParseTarget(target)
	if err != nil {
		obs.StreamOpenFailures.WithLabelValues("target").Inc()
		obs.Warn("stream.open.rejected", obs.Fields{"id": id, "target": target, "err": err.Error()})
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTableClosed
	}
	_, live := t.sessions[id]
	_, pending := t.opening[id]
	if live || pending {
		t.mu.Unlock()
		obs.DroppedMessagesTotal.WithLabelValues("duplicate_connect").Inc()
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	t.opening[id] = struct{}{}
	t.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	stop := context.AfterFunc(t.ctx, cancel)
	conn, err := t.cfg.Dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, port))
	stop()
	cancel()
	if err != nil {
		t.mu.Lock()
		delete(t.opening, id)
		t.mu.Unlock()
		obs.StreamOpenFailures.WithLabelValues("dial").Inc()
		obs.Warn("stream.open.failed", obs.Fields{"id": id, "target": target, "err": err.Error()})
		return fmt.Errorf("stream: dial %s: %w", target, err)
	}

	s := newSession(t.ctx, id, target, conn)
	t.mu.Lock()
	delete(t.opening, id)
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrTableClosed
	}
	t.sessions[id] = s
	t.wg.Add(2)
	t.mu.Unlock()
	t.counter.StreamOpened()
	obs.Info("stream.open", obs.Fields{"id": id, "target": target})

	ack, _ := proto.Connected(id)
	if err := t.sender.SendText(ack); err != nil {
		// The loops still run so the WaitGroup settles; they find the session gone.
		t.Close(id, false)
		err = fmt.Errorf("stream: send CONNECTED: %w", err)
	}
	go t.readLoop(s)
	go t.writeLoop(s)
	return err
}

// Write queues data for the session's socket without blocking. It reports
// false when id is unknown, the session is closing, or the queue limit was
// hit; in the last case the stream is closed and the relay told.
func (t *Table) Write(id string, data []byte) bool {
	s := t.get(id)
	if s == nil {
		obs.Debug("stream.write.unknown", obs.Fields{"id": id, "bytes": len(data)})
		return false
	}
	if len(data) == 0 {
		return true
	}
	ok, full := s.enqueue(data, t.cfg.MaxQueuedBytes)
	if full {
		obs.DroppedMessagesTotal.WithLabelValues("stream_backlog").Inc()
		obs.Warn("stream.backlog.exceeded", obs.Fields{"id": id, "target": s.target, "limit": t.cfg.MaxQueuedBytes})
		t.Close(id, true)
	}
	return ok
}

// Close removes the session for id. With notify set the socket is closed at
// once and the relay is sent a CLOSE message; otherwise queued inbound data is
// written before the socket is released. Unknown ids are a no-op.
func (t *Table) Close(id string, notify bool) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.counter.StreamClosed()
	if notify {
		s.shutdown()
		if msg, err := proto.Close(id); err == nil {
			if err := t.sender.SendText(msg); err != nil {
				obs.Debug("stream.close.notify_failed", obs.Fields{"id": id, "err": err.Error()})
			}
		}
	} else {
		s.drain()
	}
	obs.Info("stream.close", obs.Fields{"id": id, "target": s.target, "notify": notify, "sent": s.sent.Load(), "received": s.received.Load()})
	return true
}

// CloseAll releases every socket and waits for all session goroutines. No
// further messages are sent to the relay and later Opens fail.
func (t *Table) CloseAll() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.wg.Wait()
		return
	}
	t.closed = true
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	t.cancel()
	for _, s := range sessions {
		s.shutdown()
		t.counter.StreamClosed()
	}
	t.wg.Wait()
	if len(sessions) > 0 {
		obs.Info("stream.close_all", obs.Fields{"count": len(sessions)})
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) Has(id string) bool { return t.get(id) != nil }

func (t *Table) get(id string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[id]
}

// detach removes s if it is still the live session for its id.
func (t *Table) detach(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[s.id]; ok && cur == s {
		delete(t.sessions, s.id)
		return true
	}
	return false
}
