package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/proxyagent/internal/frame"
	"github.com/matst80/proxyagent/internal/httpx"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/stream"
	"github.com/matst80/proxyagent/internal/telemetry"
)

const (
	writeWait    = 10 * time.Second
	maxReadBytes = 64 << 20
)

var errChannelClosed = errors.New("control: channel closed")

// channel is one connection epoch: the websocket, its stream table, and every
// goroutine spawned on its behalf.
type channel struct {
	conn   *websocket.Conn
	table  *stream.Table
	exec   *httpx.Executor
	post   func(event)
	ping   time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wmu    sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

func newChannel(parent context.Context, conn *websocket.Conn, cfg Config, counter *telemetry.Counter, exec *httpx.Executor, post func(event)) *channel {
	ctx, cancel := context.WithCancel(parent)
	c := &channel{
		conn:   conn,
		exec:   exec,
		post:   post,
		ping:   cfg.PingInterval,
		ctx:    ctx,
		cancel: cancel,
	}
	c.table = stream.NewTable(ctx, c, counter, cfg.Stream)
	return c
}

func (c *channel) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
}

// SendText and SendBinary share one lock so whole messages never interleave.
func (c *channel) SendText(b []byte) error { return c.send(websocket.TextMessage, b) }

func (c *channel) SendBinary(b []byte) error { return c.send(websocket.BinaryMessage, b) }

func (c *channel) send(mt int, b []byte) error {
	if c.closed.Load() {
		return errChannelClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(mt, b)
}

// emit hands an event to the manager unless this epoch is already over.
func (c *channel) emit(ev event) {
	ev.ch = c
	done := make(chan struct{})
	go func() {
		c.post(ev)
		close(done)
	}()
	select {
	case <-done:
	case <-c.ctx.Done():
	}
}

func (c *channel) readLoop() {
	defer c.wg.Done()
	c.conn.SetReadLimit(maxReadBytes)
	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(2 * c.ping)) }
	extend()
	c.conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			kind := EvClosedAbnormal
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				kind = EvClosedNormal
			}
			c.emit(event{kind: kindMachine, ev: kind, err: err})
			return
		}
		extend()
		switch mt {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *channel) handleBinary(data []byte) {
	f, ok := frame.Decode(data)
	if !ok {
		obs.DroppedMessagesTotal.WithLabelValues("frame").Inc()
		obs.Debug("control.frame.malformed", obs.Fields{"len": len(data)})
		return
	}
	switch f.Type {
	case frame.TypeData:
		c.table.Write(f.StreamID, f.Data)
	case frame.TypeClose:
		c.table.Close(f.StreamID, false)
	default:
		obs.DroppedMessagesTotal.WithLabelValues("frame_type").Inc()
		obs.Debug("control.frame.unknown", obs.Fields{"type": f.Type.String(), "id": f.StreamID})
	}
}

func (c *channel) handleText(data []byte) {
	m, err := proto.Decode(data)
	if err != nil {
		obs.DroppedMessagesTotal.WithLabelValues("json").Inc()
		obs.Debug("control.message.malformed", obs.Fields{"err": err.Error()})
		return
	}
	switch m.Type {
	case proto.TypeConnect:
		id, target := m.ID, m.Target
		c.spawn(func(ctx context.Context) {
			if err := c.table.Open(ctx, id, target); err != nil {
				obs.Debug("control.connect.failed", obs.Fields{"id": id, "err": err.Error()})
			}
		})
	case proto.TypeRequest:
		id, req := m.ID, *m.Request
		c.spawn(func(ctx context.Context) {
			resp := c.exec.Execute(ctx, req)
			b, err := proto.Response(id, resp)
			if err == nil {
				err = c.SendText(b)
			}
			if err != nil {
				obs.Debug("control.response.send_failed", obs.Fields{"id": id, "err": err.Error()})
			}
		})
	case proto.TypeData:
		c.table.Write(m.ID, m.Data)
	case proto.TypeClose:
		c.table.Close(m.ID, false)
	case proto.TypeWelcome:
		c.emit(event{kind: kindWelcome, welcome: *m.Welcome})
	case proto.TypeOffboard:
		obs.Warn("control.offboard", obs.Fields{"reason": m.Offboard.Reason})
		c.emit(event{kind: kindMachine, ev: EvOffboard})
	default:
		obs.DroppedMessagesTotal.WithLabelValues("type").Inc()
		obs.Debug("control.message.unhandled", obs.Fields{"type": m.Type, "id": m.ID})
	}
}

// spawn runs fn as a task of this epoch. Only the read loop calls it, so the
// WaitGroup is never at zero here.
func (c *channel) spawn(fn func(context.Context)) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *channel) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.ping)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				obs.Debug("control.ping.failed", obs.Fields{"err": err.Error()})
				return
			}
		}
	}
}

// closeNormal sends a 1000 close frame; teardown releases the socket.
func (c *channel) closeNormal() {
	if c.closed.Load() {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// teardown cancels every task, closes every stream without notifying the
// relay, closes the websocket, and waits for all goroutines of the epoch.
func (c *channel) teardown() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.conn.Close()
		c.table.CloseAll()
		c.wg.Wait()
		obs.Info("control.channel.closed", nil)
	})
}
