// Package feed carries the live SPY tick stream: the reconnecting client
// used by terminals and the hub that serves /ws/spy.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle phase of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StatePendingRetry
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StatePendingRetry:
		return "closed-pending-retry"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is the last frame received on a Conn. Tick is only meaningful
// when Parsed is true.
type Message struct {
	Data       []byte
	Tick       Tick
	Parsed     bool
	ReceivedAt time.Time
}

// Retry describes one scheduled reconnect.
type Retry struct {
	Attempt int
	Base    time.Duration
	Delay   time.Duration
	Err     error
}

// ClientMetrics is the subset of metrics.MetricsWrapper the client reports to.
type ClientMetrics interface {
	ReconnectInc()
	MessageInc()
	ParseErrorInc()
}

type nopClientMetrics struct{}

func (nopClientMetrics) ReconnectInc()  {}
func (nopClientMetrics) MessageInc()    {}
func (nopClientMetrics) ParseErrorInc() {}

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 512 * 1024
)

type options struct {
	backoff      Backoff
	rand         func() float64
	dialer       *websocket.Dialer
	header       http.Header
	readTimeout  time.Duration
	writeTimeout time.Duration
	onMessage    func(Message)
	onRetry      func(Retry)
	window       *Window
	metrics      ClientMetrics
}

// Option configures Dial.
type Option func(*options)

func WithBackoff(b Backoff) Option { return func(o *options) { o.backoff = b } }

// WithRand replaces the jitter source. fn must return values in [0,1).
func WithRand(fn func() float64) Option { return func(o *options) { o.rand = fn } }

func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

func WithHeader(h http.Header) Option { return func(o *options) { o.header = h } }

// WithReadTimeout sets how long the socket may stay silent, pings
// included, before it is treated as dead. Zero disables the deadline.
func WithReadTimeout(d time.Duration) Option { return func(o *options) { o.readTimeout = d } }

// OnMessage registers a callback run on the connection goroutine for every
// frame. It must not call Close.
func OnMessage(fn func(Message)) Option { return func(o *options) { o.onMessage = fn } }

// OnRetry registers a callback run each time a reconnect is scheduled.
func OnRetry(fn func(Retry)) Option { return func(o *options) { o.onRetry = fn } }

// WithWindow pushes every parsed tick into w.
func WithWindow(w *Window) Option { return func(o *options) { o.window = w } }

func WithMetrics(m ClientMetrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Conn is a self-healing subscription to one WebSocket endpoint. A single
// goroutine owns the socket and the reconnect timer, so there is never
// more than one socket per Conn.
type Conn struct {
	endpoint string
	opts     options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state   atomic.Int32
	retries atomic.Int64

	mu     sync.Mutex
	ws     *websocket.Conn
	latest Message
	has    bool

	writeMu sync.Mutex
}

// Dial starts connecting to endpoint in the background and returns
// immediately. The Conn keeps reconnecting until Close is called.
func Dial(endpoint string, opts ...Option) *Conn {
	o := options{
		backoff:      DefaultBackoff,
		rand:         rand.Float64,
		dialer:       websocket.DefaultDialer,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		metrics:      nopClientMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		endpoint: endpoint,
		opts:     o,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	go c.run()
	return c
}

// State reports the current lifecycle phase. It is StateClosed as soon as
// Close has been called.
func (c *Conn) State() State {
	if c.ctx.Err() != nil {
		return StateClosed
	}
	return State(c.state.Load())
}

// Ready reports whether the socket is open.
func (c *Conn) Ready() bool { return c.State() == StateOpen }

// Retries is the number of consecutive failures since the last open.
func (c *Conn) Retries() int { return int(c.retries.Load()) }

// Latest returns the most recent frame, if any has arrived.
func (c *Conn) Latest() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.has
}

// Send writes payload as a text frame when the socket is open and reports
// whether it was written. Payloads sent while disconnected are dropped.
func (c *Conn) Send(payload []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debug().Err(err).Str("endpoint", c.endpoint).Msg("Dropped live feed send")
		return false
	}
	return true
}

// Close stops the connection for good: it cancels any pending reconnect,
// closes the socket and waits for the connection goroutine to exit. It is
// safe to call more than once.
func (c *Conn) Close() {
	c.cancel()
	<-c.done
}

func (c *Conn) run() {
	defer close(c.done)
	defer c.state.Store(int32(StateClosed))

	for {
		c.state.Store(int32(StateConnecting))
		err := c.session()
		if c.ctx.Err() != nil {
			return
		}

		attempt := int(c.retries.Add(1))
		base := c.opts.backoff.Base(attempt)
		delay := JitterDelay(base, c.opts.rand())
		c.state.Store(int32(StatePendingRetry))
		c.opts.metrics.ReconnectInc()

		log.Warn().Err(err).Str("endpoint", c.endpoint).Int("retry", attempt).Dur("delay", delay).Msg("Live feed disconnected, scheduling reconnect")
		if c.opts.onRetry != nil {
			c.opts.onRetry(Retry{Attempt: attempt, Base: base, Delay: delay, Err: err})
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the socket fails. The socket is
// closed and its watcher has exited by the time session returns.
func (c *Conn) session() error {
	log.Debug().Str("endpoint", c.endpoint).Msg("Dialing live feed")

	ws, _, err := c.opts.dialer.DialContext(c.ctx, c.endpoint, c.opts.header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	stop := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		select {
		case <-c.ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
				time.Now().Add(time.Second))
			ws.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		watcher.Wait()
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
		log.Debug().Str("endpoint", c.endpoint).Msg("Live feed socket closed")
	}()

	c.retries.Store(0)
	c.state.Store(int32(StateOpen))
	log.Info().Str("endpoint", c.endpoint).Msg("Live feed connected")

	ws.SetReadLimit(maxMessageSize)
	c.extendDeadline(ws)
	ws.SetPongHandler(func(string) error {
		c.extendDeadline(ws)
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		c.extendDeadline(ws)
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("endpoint", c.endpoint).Msg("Live feed closed by server")
				return err
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("endpoint", c.endpoint).Msg("Live feed closed unexpectedly")
			}
			return fmt.Errorf("read message failed: %w", err)
		}
		c.extendDeadline(ws)
		c.deliver(data)
	}
}

func (c *Conn) extendDeadline(ws *websocket.Conn) {
	if c.opts.readTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
	}
}

func (c *Conn) deliver(data []byte) {
	c.opts.metrics.MessageInc()

	msg := Message{Data: data, ReceivedAt: time.Now()}
	tick, err := ParseTick(data)
	if err != nil {
		c.opts.metrics.ParseErrorInc()
		log.Debug().Err(err).Str("message", string(data)).Msg("Skipping malformed live feed message")
	} else {
		msg.Tick, msg.Parsed = tick, true
		if c.opts.window != nil {
			c.opts.window.Push(tick)
		}
	}

	c.mu.Lock()
	c.latest, c.has = msg, true
	c.mu.Unlock()

	if c.opts.onMessage != nil {
		c.opts.onMessage(msg)
	}
}
