// Package channel maintains the single logical realtime connection to the
// transcription server and reports its lifecycle state.
//
// A [Manager] owns one connection at a time. Unexpected drops are retried
// forever with capped exponential backoff; authentication failures are fatal
// and require an explicit [Manager.Connect] after re-authenticating. Decoded
// server frames are handed to a single event handler (the room registry), and
// state transitions are pushed to any number of status watchers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/velisarios/akroasis/internal/observe"
	"github.com/velisarios/akroasis/internal/wire"
)

// Default connection parameters.
const (
	defaultDialTimeout = 10 * time.Second
	defaultBackoff     = 2 * time.Second
	defaultMaxBackoff  = 10 * time.Second
	defaultKeepalive   = 25 * time.Second
)

// ErrNotConnected is returned by [Manager.Send] when no connection is up.
var ErrNotConnected = errors.New("channel: not connected")

// Config configures a [Manager].
type Config struct {
	// URL is the realtime endpoint (ws:// or wss://).
	URL string

	// Token supplies the bearer credential for the connection handshake.
	// May be nil; an empty result means the connection is anonymous.
	Token func() string

	// Dialer establishes connections. Defaults to a [WebsocketDialer].
	Dialer Dialer

	// DialTimeout bounds each connection attempt. Defaults to 10s.
	DialTimeout time.Duration

	// Backoff is the first reconnect delay, doubling each attempt up to
	// MaxBackoff. Defaults to 2s and 10s respectively.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// KeepaliveInterval is the ping cadence on an established connection.
	// Defaults to 25s; a negative value disables keepalives.
	KeepaliveInterval time.Duration

	// Metrics receives connect and reconnect instrumentation. May be nil.
	Metrics *observe.Metrics
}

// Manager owns the realtime connection lifecycle. All exported methods are
// safe for concurrent use.
type Manager struct {
	url       string
	token     func() string
	dialer    Dialer
	dialTO    time.Duration
	backoff   time.Duration
	maxBO     time.Duration
	keepalive time.Duration
	metrics   *observe.Metrics

	mu       sync.Mutex
	state    State
	attempt  int
	reason   string
	conn     Conn
	gen      uint64
	closed   bool // local disconnect or auth failure in effect
	stop     chan struct{}
	stopped  bool
	onEvent  func(wire.ServerEvent)
	watchers map[int]func(Status)
	nextID   int
}

// New creates a [Manager] for the given endpoint. The manager starts in the
// disconnected state; call [Manager.Connect] or [Manager.AutoConnect].
func New(cfg Config) *Manager {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}
	dialTO := cfg.DialTimeout
	if dialTO <= 0 {
		dialTO = defaultDialTimeout
	}
	bo := cfg.Backoff
	if bo <= 0 {
		bo = defaultBackoff
	}
	maxBO := cfg.MaxBackoff
	if maxBO <= 0 {
		maxBO = defaultMaxBackoff
	}
	ka := cfg.KeepaliveInterval
	if ka == 0 {
		ka = defaultKeepalive
	}
	return &Manager{
		url:       cfg.URL,
		token:     cfg.Token,
		dialer:    dialer,
		dialTO:    dialTO,
		backoff:   bo,
		maxBO:     maxBO,
		keepalive: ka,
		metrics:   cfg.Metrics,
		stop:      make(chan struct{}),
		watchers:  make(map[int]func(Status)),
	}
}

// SetEventHandler registers the sink for decoded server events. Must be
// called before the first Connect; there is exactly one handler.
func (m *Manager) SetEventHandler(fn func(wire.ServerEvent)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

// Connect establishes the connection. Already connected is a no-op. An
// authentication rejection moves the manager to [StateAuthFailed]; any other
// failure leaves it disconnected. Both are returned to the caller.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.stopped {
		m.stop = make(chan struct{})
		m.stopped = false
	}
	m.closed = false
	expect := m.gen
	reconnecting := m.state == StateReconnecting
	m.mu.Unlock()

	// A running reconnect cycle already reports Reconnecting(attempt);
	// a concurrent Connect must not stomp that status.
	if !reconnecting {
		m.setStatus(Status{State: StateConnecting})
	}

	conn, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			m.setAuthFailed(err.Error())
		} else if !reconnecting {
			m.setStatus(Status{State: StateDisconnected})
		}
		m.recordConnect(ctx, "error")
		return fmt.Errorf("channel: connect: %w", err)
	}

	m.recordConnect(ctx, "ok")
	m.adopt(conn, expect)
	return nil
}

// AutoConnect connects only if not already connected. Failures are logged,
// not propagated; callers that need the outcome use [Manager.Connect].
func (m *Manager) AutoConnect(ctx context.Context) {
	if m.Status().State == StateConnected {
		return
	}
	if err := m.Connect(ctx); err != nil {
		slog.Warn("channel: auto-connect failed", "url", m.url, "err", err)
	}
}

// Disconnect tears down the connection and stops any reconnect cycle.
// Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.gen++ // invalidate read and keepalive loops
	m.closed = true
	if !m.stopped {
		close(m.stop)
		m.stopped = true
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.setStatus(Status{State: StateDisconnected})
}

// Status returns the current connection status snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempt: m.attempt, Reason: m.reason}
}

// Notify registers a watcher for status changes and returns a function that
// removes it. Watchers are invoked synchronously on every transition.
func (m *Manager) Notify(fn func(Status)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Send encodes msg and writes it on the current connection.
func (m *Manager) Send(ctx context.Context, msg wire.ClientMessage) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, data)
}

// dial performs one connection attempt with the configured timeout and
// optional bearer credential.
func (m *Manager) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.dialTO)
	defer cancel()

	header := http.Header{}
	if m.token != nil {
		if tok := m.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	return m.dialer.Dial(dctx, m.url, header)
}

// adopt installs conn as the active connection and starts its loops. Only
// the cycle that observed generation expect may adopt: if a Disconnect or
// another successful dial moved the generation on, conn is closed so the
// manager never holds two live connections.
func (m *Manager) adopt(conn Conn, expect uint64) {
	m.mu.Lock()
	if m.closed || m.gen != expect {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.setStatus(Status{State: StateConnected})

	go m.readLoop(gen, conn)
	if m.keepalive > 0 {
		go m.keepaliveLoop(gen, conn)
	}
}

// readLoop reads frames until the connection fails or is superseded.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			if !m.connActive(gen) {
				return
			}
			slog.Warn("channel: connection lost", "err", err)
			m.reconnect(gen)
			return
		}

		ev, err := wire.Unmarshal(data)
		if err != nil {
			slog.Debug("channel: ignoring frame", "err", err)
			continue
		}

		switch e := ev.(type) {
		case wire.AuthError:
			slog.Error("channel: authentication rejected by server", "reason", e.Message)
			m.setAuthFailed(e.Message)
			m.dispatch(ev)
			return
		case wire.Connected:
			slog.Debug("channel: server acknowledged connection", "session_id", e.SessionID)
			m.dispatch(ev)
		default:
			m.dispatch(ev)
		}
	}
}

// keepaliveLoop pings the server at the configured cadence while conn is the
// active connection. Write failures are left for the read loop to detect.
func (m *Manager) keepaliveLoop(gen uint64, conn Conn) {
	frame, err := wire.Marshal(wire.Ping{})
	if err != nil {
		return
	}

	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()

	for range ticker.C {
		if !m.connActive(gen) {
			return
		}
		if err := conn.Write(context.Background(), frame); err != nil {
			slog.Debug("channel: keepalive write failed", "err", err)
			return
		}
	}
}

// reconnect retries the connection forever with capped exponential backoff.
// Runs until success, a local Disconnect, or an authentication rejection.
func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	stop := m.stop
	m.mu.Unlock()

	bo := newBackoff(m.backoff, m.maxBO)
	for attempt := 1; ; attempt++ {
		m.setStatus(Status{State: StateReconnecting, Attempt: attempt})
		m.recordReconnect()

		select {
		case <-stop:
			return
		case <-time.After(bo.Next()):
		}

		// A direct Connect may have landed a connection during the wait.
		if !m.connActive(gen) {
			return
		}

		conn, err := m.dial(context.Background())
		if err == nil {
			slog.Info("channel: reconnected", "attempt", attempt)
			m.recordConnect(context.Background(), "ok")
			m.adopt(conn, gen)
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			m.setAuthFailed(err.Error())
			return
		}
		slog.Warn("channel: reconnect attempt failed", "attempt", attempt, "err", err)
	}
}

// connActive reports whether gen still identifies the live connection.
func (m *Manager) connActive(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.closed
}

// setAuthFailed moves the manager into the terminal auth-failed state and
// halts any retry cycle.
func (m *Manager) setAuthFailed(reason string) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.closed = true
	if !m.stopped {
		close(m.stop)
		m.stopped = true
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.setStatus(Status{State: StateAuthFailed, Reason: reason})
}

// setStatus records the new status and pushes it to all watchers.
func (m *Manager) setStatus(st Status) {
	m.mu.Lock()
	m.state = st.State
	m.attempt = st.Attempt
	m.reason = st.Reason
	fns := make([]func(Status), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// dispatch forwards a decoded event to the registered handler.
func (m *Manager) dispatch(ev wire.ServerEvent) {
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (m *Manager) recordConnect(ctx context.Context, status string) {
	if m.metrics != nil {
		m.metrics.RecordChannelConnect(ctx, status)
	}
}

func (m *Manager) recordReconnect() {
	if m.metrics != nil {
		m.metrics.RecordReconnectAttempt(context.Background())
	}
}
