package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/proxyagent/internal/frame"
	"github.com/matst80/proxyagent/internal/obs"
)

type session struct {
	id      string
	target  string
	conn    net.Conn
	created time.Time

	// Inbound chunks waiting for the write loop, in arrival order.
	qmu      sync.Mutex
	queue    [][]byte
	queued   int
	draining bool
	wake     chan struct{}
	closing  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	drainOnce sync.Once
	closeOnce sync.Once

	sent     atomic.Int64 // socket -> relay
	received atomic.Int64 // relay -> socket
}

func newSession(parent context.Context, id, target string, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:       id,
		target:   target,
		conn:     conn,
		created:  time.Now(),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// shutdown releases the socket immediately.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		_ = s.conn.Close()
	})
}

// drain lets the write loop flush queued chunks, then shut down.
func (s *session) drain() {
	s.drainOnce.Do(func() {
		s.closing.Store(true)
		s.qmu.Lock()
		s.draining = true
		s.qmu.Unlock()
		s.signal()
	})
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue appends data unless the session is closing or limit would be
// exceeded. It never blocks.
func (s *session) enqueue(data []byte, limit int) (ok, full bool) {
	s.qmu.Lock()
	if s.draining || s.closing.Load() {
		s.qmu.Unlock()
		return false, false
	}
	if s.queued+len(data) > limit {
		s.qmu.Unlock()
		return false, true
	}
	s.queue = append(s.queue, data)
	s.queued += len(data)
	s.qmu.Unlock()
	s.signal()
	return true, false
}

// take hands the write loop everything queued so far. The bytes stay counted
// until written.
func (s *session) take() (batch [][]byte, draining bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	batch, s.queue = s.queue, nil
	return batch, s.draining
}

func (s *session) written(n int) {
	s.qmu.Lock()
	s.queued -= n
	s.qmu.Unlock()
}

func (t *Table) readLoop(s *session) {
	defer t.wg.Done()
	buf := make([]byte, t.cfg.ReadBufferSize)
	var readErr error
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 && !s.closing.Load() {
			f, ferr := frame.Encode(frame.TypeData, s.id, buf[:n])
			if ferr != nil {
				readErr = ferr
				break
			}
			if serr := t.sender.SendBinary(f); serr != nil {
				readErr = serr
				break
			}
			s.sent.Add(int64(n))
			t.counter.AddBytes(n)
		}
		if err != nil {
			readErr = err
			break
		}
	}

	if !t.detach(s) {
		// Closed by the relay, a write failure, or teardown.
		return
	}
	s.shutdown()
	t.counter.StreamClosed()
	if f, err := frame.Encode(frame.TypeClose, s.id, nil); err == nil {
		if err := t.sender.SendBinary(f); err != nil {
			obs.Debug("stream.close.send_failed", obs.Fields{"id": s.id, "err": err.Error()})
		}
	}
	fields := obs.Fields{
		"id":       s.id,
		"target":   s.target,
		"sent":     sizestr.ToString(s.sent.Load()),
		"received": sizestr.ToString(s.received.Load()),
		"age":      time.Since(s.created).Round(time.Millisecond).String(),
	}
	if isExpectedClose(readErr) {
		obs.Info("stream.eof", fields)
		return
	}
	fields["err"] = readErr.Error()
	obs.Warn("stream.read.failed", fields)
}

func (t *Table) writeLoop(s *session) {
	defer t.wg.Done()
	for {
		batch, draining := s.take()
		for _, data := range batch {
			if !t.writeChunk(s, data) {
				return
			}
			s.written(len(data))
		}
		if len(batch) > 0 {
			continue
		}
		if draining {
			s.shutdown()
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (t *Table) writeChunk(s *session, data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(t.cfg.IdleTimeout))
	if _, err := s.conn.Write(data); err != nil {
		if !isExpectedClose(err) {
			obs.Warn("stream.write.failed", obs.Fields{"id": s.id, "err": err.Error()})
		}
		if !t.Close(s.id, true) {
			s.shutdown()
		}
		return false
	}
	s.received.Add(int64(len(data)))
	t.counter.AddBytes(len(data))
	return true
}

// isExpectedClose reports whether err is a normal way for a tunneled socket
// to end: peer EOF, local close, reset, broken pipe, or idle deadline.
func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
