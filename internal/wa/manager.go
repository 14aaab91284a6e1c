package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pansacloud/gateway/internal/authstate"
	"github.com/pansacloud/gateway/internal/metrics"
)

// ErrLoggedOut is returned by Run when the network logged the session out.
var ErrLoggedOut = errors.New("session logged out")

// errEventsClosed is a socket that ended without reporting a close.
var errEventsClosed = errors.New("socket events closed")

// State of the managed connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "disconnected"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "idle"
	}
}

func (s State) metricLabel() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "close"
	}
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Session        string
	Store          AuthStore
	Dialer         Dialer
	Versions       VersionSource
	Emitter        Emitter
	Handler        MessageHandler
	Logger         log.Logger
	ReconnectDelay time.Duration
	Sleep          SleepFunc
}

// Manager owns the live connection of one session. Run is a supervisor loop:
// it dials, consumes socket events until the connection closes, and either
// waits ReconnectDelay and dials again or stops for good on logout.
type Manager struct {
	session  string
	store    AuthStore
	dialer   Dialer
	versions VersionSource
	emitter  Emitter
	handler  MessageHandler
	logger   log.Logger
	delay    time.Duration
	sleep    SleepFunc

	mu    sync.RWMutex
	state State

	handlers sync.WaitGroup
}

// NewManager creates a Manager. Nil Versions skips the version lookup and a
// zero ReconnectDelay defaults to 2s.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		session:  cfg.Session,
		store:    cfg.Store,
		dialer:   cfg.Dialer,
		versions: cfg.Versions,
		emitter:  cfg.Emitter,
		handler:  cfg.Handler,
		logger:   cfg.Logger,
		delay:    cfg.ReconnectDelay,
		sleep:    cfg.Sleep,
	}
	if m.logger == nil {
		m.logger = log.NewNopLogger()
	}
	m.logger = log.With(m.logger, "session", m.session)
	if m.delay <= 0 {
		m.delay = 2 * time.Second
	}
	if m.sleep == nil {
		m.sleep = Sleep
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.SetConnectionState(s.metricLabel())
}

func (m *Manager) emit(event string, payload any) {
	if m.emitter != nil {
		m.emitter.Emit(event, payload)
	}
}

// Run connects and keeps the session connected until ctx is done or the
// session is logged out. It returns ctx.Err() or ErrLoggedOut, after every
// in-flight message batch has finished.
func (m *Manager) Run(ctx context.Context) error {
	defer m.handlers.Wait()

	for {
		code, err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil && code == DisconnectLoggedOut {
			m.setState(StateLoggedOut)
			m.emit(EventStatus, StatusPayload{Status: StatusDisconnected, ShouldReconnect: boolPtr(false), Code: intPtr(code)})
			m.emit(EventStatus, StatusPayload{Status: StatusLoggedOut})
			level.Warn(m.logger).Log("msg", "session logged out, not reconnecting", "code", code)
			return ErrLoggedOut
		}

		m.setState(StateReconnecting)
		status := StatusPayload{Status: StatusDisconnected, ShouldReconnect: boolPtr(true)}
		if err != nil {
			level.Error(m.logger).Log("msg", "connection failed", "err", err)
		} else {
			status.Code = intPtr(code)
			level.Warn(m.logger).Log("msg", "connection closed", "code", code)
		}
		m.emit(EventStatus, status)

		metrics.Reconnects.Inc()
		level.Info(m.logger).Log("msg", "reconnecting", "delay", m.delay)
		if err := m.sleep(ctx, m.delay); err != nil {
			return err
		}
	}
}

// connectOnce runs one connection to its end. A nil error means the socket
// reported a close with the returned code.
func (m *Manager) connectOnce(ctx context.Context) (int, error) {
	m.setState(StateConnecting)

	creds, err := m.store.Load(ctx, m.session)
	if err != nil {
		return 0, fmt.Errorf("load credentials: %w", err)
	}

	var version *Version
	if m.versions != nil {
		v, err := m.versions.Latest(ctx)
		if err != nil {
			level.Warn(m.logger).Log("msg", "latest version unavailable, using default", "err", err)
		} else {
			version = &v
			level.Debug(m.logger).Log("msg", "using protocol version", "version", v.String())
		}
	}

	sock, err := m.dialer.Dial(ctx, DialConfig{
		Session: m.session,
		Version: version,
		Creds:   creds,
		Keys:    m.store.Keys(m.session),
	})
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if err := sock.Close(); err != nil {
			level.Debug(m.logger).Log("msg", "socket close", "err", err)
		}
	}()

	events := sock.Events()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return 0, errEventsClosed
			}
			if code, closed := m.handleEvent(ctx, sock, ev); closed {
				return code, nil
			}
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, sock Socket, ev Event) (int, bool) {
	switch e := ev.(type) {
	case CredsUpdate:
		m.saveCreds(ctx, e.Creds)

	case ConnectionUpdate:
		if e.QR != "" {
			m.emit(EventQR, QRPayload{QR: e.QR})
		}
		switch e.Connection {
		case ConnectionOpen:
			m.setState(StateOpen)
			m.emit(EventStatus, StatusPayload{Status: StatusConnected})
			level.Info(m.logger).Log("msg", "connection open")
		case ConnectionClose:
			return e.CloseCode, true
		}

	case MessagesUpsert:
		if m.handler == nil || len(e.Messages) == 0 {
			return 0, false
		}
		m.handlers.Add(1)
		go func(msgs []Message) {
			defer m.handlers.Done()
			m.handler.HandleMessages(ctx, sock, msgs)
		}(e.Messages)
	}
	return 0, false
}

func (m *Manager) saveCreds(ctx context.Context, creds authstate.Credentials) {
	if err := m.store.SaveCredentials(ctx, m.session, creds); err != nil {
		metrics.CredsSaveFailures.Inc()
		level.Error(m.logger).Log("msg", "failed to save credentials", "err", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
