// Package channel keeps a logical duplex connection to the classifier
// backend alive over a WebSocket that may drop at any time.
package channel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-sign/internal/clock"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

const (
	defaultWriteTimeout = 10 * time.Second
	// maxQueuedEvents bounds undelivered frames while a subscriber is slow.
	// Past it the oldest frame is dropped; state changes are always kept.
	maxQueuedEvents = 256
)

type Options struct {
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Clock        clock.Clock
	// OnRetry observes every scheduled reconnect. It runs under the channel
	// lock and must not call back into the Channel.
	OnRetry func(attempt int, delay time.Duration)
}

func OptionsFrom(cfg config.ChannelConfig) Options {
	return Options{
		URL:          cfg.URL,
		DialTimeout:  time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		ReadLimit:    cfg.ReadLimitBytes,
	}
}

type FrameHandler func(data []byte)
type StateHandler func(change StateChange)

type subscription struct {
	id      int
	onFrame FrameHandler
	onState StateHandler
}

type event struct {
	frame  []byte
	change *StateChange
}

// Channel is safe for concurrent use. Subscribers are called from a single
// dispatcher goroutine in the order events happened, never under the
// channel lock.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	clock  clock.Clock
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	timing         config.PipelineConfig
	state          State
	attempts       int
	retries        int
	generation     uint64
	dialing        bool
	conn           *connection
	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer
	pending        []byte
	foreground     bool
	online         bool
	lastSeen       time.Time

	subs          []subscription
	nextID        int
	events        []event
	droppedFrames int
	notify        chan struct{}
	wg     sync.WaitGroup
}

func New(parent context.Context, opts Options, timing config.PipelineConfig, logger *slog.Logger) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Channel{
		opts:       opts,
		dialer:     &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		clock:      opts.Clock,
		log:        logger.With(slog.String("component", "channel")),
		ctx:        ctx,
		cancel:     cancel,
		timing:     timing,
		state:      Idle,
		foreground: true,
		online:     true,
		notify:     make(chan struct{}, 1),
	}
	c.wg.Add(1)
	go c.dispatch()
	return c
}

// Subscribe registers handlers; either may be nil. The returned function
// removes the subscription.
func (c *Channel) Subscribe(onFrame FrameHandler, onState StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, onFrame: onFrame, onState: onState})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed connection attempts.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SetTiming swaps reconnect and heartbeat timings. Running timers keep
// their deadline; the next one armed uses the new values.
func (c *Channel) SetTiming(timing config.PipelineConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timing = timing
}

// Open starts connecting from Idle, Failed or Closed. While a reconnect is
// pending it skips the remaining backoff. Offline, the dial waits for
// SetOnline(true).
func (c *Channel) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Idle, Failed, Closed:
		c.attempts = 0
		c.retries = 0
		if c.transitionLocked(Connecting, nil) && c.online {
			c.startDialLocked()
		}
	case Connecting, Reconnecting:
		c.dialNowLocked()
	}
}

// Send never blocks. Payloads sent while the socket is down replace any
// earlier unsent payload and go out first once it reopens.
func (c *Channel) Send(data []byte) SendResult {
	payload := append([]byte(nil), data...)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Open:
		c.conn.enqueue(payload)
		return Sent
	case Failed, Closed:
		return Rejected
	case Idle:
		c.pending = payload
		if c.transitionLocked(Connecting, nil) && c.online {
			c.startDialLocked()
		}
		return Queued
	default:
		c.pending = payload
		if !c.dialing && c.reconnectTimer == nil && c.online {
			c.startDialLocked()
		}
		return Queued
	}
}

// Close tears the connection down and cancels every timer. The channel can
// be reopened with Open.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.close(c.opts.WriteTimeout)
		c.conn = nil
	}
	c.generation++
	c.dialing = false
	c.pending = nil
	c.transitionLocked(Closed, nil)
}

// Shutdown closes the channel and stops event delivery for good.
func (c *Channel) Shutdown() {
	c.Close()
	c.cancel()
	c.wg.Wait()
}

// SetOnline reports host network changes. Going offline drops the socket
// and pauses reconnects; coming back online reconnects at once.
func (c *Channel) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	c.log.Info("network state changed", slog.Bool("online", online))
	if !online {
		c.stopReconnectLocked()
		if c.state == Open {
			c.dropLocked(&TransportError{Op: "network", Err: ErrOffline})
		}
		return
	}
	if c.state == Connecting || c.state == Reconnecting {
		c.dialNowLocked()
	}
}

// SetForeground suspends heartbeats while the host is in the background and
// sends an immediate keepalive when it returns.
func (c *Channel) SetForeground(foreground bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.foreground == foreground {
		return
	}
	c.foreground = foreground
	if !foreground {
		c.stopHeartbeatLocked()
		return
	}
	if c.state == Open && c.conn != nil {
		c.lastSeen = c.clock.Now()
		c.conn.enqueuePing(protocol.EncodePing())
		c.startHeartbeatLocked()
	}
}

func (c *Channel) startDialLocked() {
	c.stopReconnectLocked()
	c.generation++
	c.dialing = true
	generation := c.generation
	c.wg.Add(1)
	go c.dial(generation)
}

func (c *Channel) dialNowLocked() {
	if c.dialing || !c.online {
		return
	}
	c.startDialLocked()
}

func (c *Channel) dial(generation uint64) {
	defer c.wg.Done()
	ctx := c.ctx
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c.dialed(generation, ws, err)
}

func (c *Channel) dialed(generation uint64, ws *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := generation == c.generation && (c.state == Connecting || c.state == Reconnecting)
	if !live {
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	c.dialing = false

	if err != nil {
		c.attempts++
		terr := &TransportError{Op: "dial", Err: err}
		c.log.Warn("connect attempt failed",
			slog.Int("attempt", c.attempts),
			slog.String("error", err.Error()))
		if c.attempts >= c.timing.MaxReconnectAttempts {
			c.transitionLocked(Failed, terr)
			c.pending = nil
			return
		}
		c.scheduleReconnectLocked()
		return
	}

	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}
	conn := newConnection(ws, generation)
	c.conn = conn
	c.attempts = 0
	c.retries = 0
	c.lastSeen = c.clock.Now()
	c.transitionLocked(Open, nil)
	if c.pending != nil {
		conn.enqueue(c.pending)
		c.pending = nil
	}
	c.startHeartbeatLocked()

	c.wg.Add(2)
	go c.readPump(conn)
	go c.writePump(conn)
}

func (c *Channel) scheduleReconnectLocked() {
	c.stopReconnectLocked()
	if !c.online {
		c.log.Info("reconnect paused while offline")
		return
	}
	// The n-th retry since the last open waits ReconnectDelay(n), whether it
	// follows a dropped socket or a failed first dial.
	delay := c.timing.ReconnectDelay(c.retries)
	c.retries++
	generation := c.generation
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnectDue(generation) })
	if c.opts.OnRetry != nil {
		c.opts.OnRetry(c.attempts, delay)
	}
	c.log.Info("reconnect scheduled",
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", delay))
}

func (c *Channel) reconnectDue(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation || c.dialing {
		return
	}
	if c.state != Connecting && c.state != Reconnecting {
		return
	}
	c.reconnectTimer = nil
	c.startDialLocked()
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// dropLocked handles an unexpected loss of the open socket.
func (c *Channel) dropLocked(cause error) {
	if c.conn != nil {
		c.conn.close(c.opts.WriteTimeout)
		c.conn = nil
	}
	c.stopHeartbeatLocked()
	if c.state != Open {
		return
	}
	c.attempts = 0
	c.retries = 0
	if c.transitionLocked(Reconnecting, cause) {
		c.scheduleReconnectLocked()
	}
}

func (c *Channel) connectionLost(conn *connection, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.log.Warn("connection lost", slog.String("error", cause.Error()))
	c.dropLocked(cause)
}

func (c *Channel) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	if !c.foreground || c.state != Open || c.conn == nil {
		return
	}
	conn := c.conn
	c.heartbeatTimer = c.clock.AfterFunc(c.timing.HeartbeatInterval(), func() { c.heartbeatDue(conn) })
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

func (c *Channel) heartbeatDue(conn *connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.state != Open || !c.foreground {
		return
	}
	if timeout := c.timing.PongTimeout(); timeout > 0 && c.clock.Now().Sub(c.lastSeen) > timeout {
		c.log.Warn("backend stale, forcing reconnect", slog.Duration("silence", c.clock.Now().Sub(c.lastSeen)))
		c.dropLocked(&TransportError{Op: "heartbeat", Err: ErrStale})
		return
	}
	conn.enqueuePing(protocol.EncodePing())
	c.startHeartbeatLocked()
}

func (c *Channel) readPump(conn *connection) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.closed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read error", slog.String("error", err.Error()))
			}
			c.connectionLost(conn, &TransportError{Op: "read", Err: err})
			return
		}
		c.received(conn, data)
	}
}

func (c *Channel) received(conn *connection, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.lastSeen = c.clock.Now()
	if protocol.PeekType(data) == protocol.TypePong {
		return
	}
	c.emitLocked(event{frame: data})
}

func (c *Channel) writePump(conn *connection) {
	defer c.wg.Done()
	for {
		select {
		case <-conn.done:
			return
		case <-c.ctx.Done():
			return
		case <-conn.wake:
		}
		ping, data := conn.take()
		for _, payload := range [][]byte{ping, data} {
			if payload == nil {
				continue
			}
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !conn.closed() {
					c.connectionLost(conn, &TransportError{Op: "write", Err: err})
				}
				return
			}
		}
	}
}

func (c *Channel) transitionLocked(to State, cause error) bool {
	from := c.state
	if !validTransition(from, to) {
		c.log.Error("invalid state transition refused",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return false
	}
	c.state = to
	attrs := []any{slog.String("from", from.String()), slog.String("to", to.String())}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	c.log.Info("connection state changed", attrs...)
	c.emitLocked(event{change: &StateChange{From: from, To: to, Err: cause, Attempt: c.attempts, At: c.clock.Now()}})
	return true
}

func (c *Channel) emitLocked(ev event) {
	if ev.frame != nil && len(c.events) >= maxQueuedEvents {
		for i, queued := range c.events {
			if queued.frame != nil {
				c.events = append(c.events[:i], c.events[i+1:]...)
				if c.droppedFrames == 0 {
					c.log.Warn("subscriber falling behind, dropping oldest frames")
				}
				c.droppedFrames++
				break
			}
		}
	}
	c.events = append(c.events, ev)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		}
		c.mu.Lock()
		events := c.events
		c.events = nil
		if c.droppedFrames > 0 {
			c.log.Warn("frames dropped for slow subscriber", slog.Int("dropped", c.droppedFrames))
			c.droppedFrames = 0
		}
		subs := append([]subscription(nil), c.subs...)
		c.mu.Unlock()

		for _, ev := range events {
			for _, s := range subs {
				switch {
				case ev.frame != nil && s.onFrame != nil:
					s.onFrame(ev.frame)
				case ev.change != nil && s.onState != nil:
					s.onState(*ev.change)
				}
			}
		}
	}
}
