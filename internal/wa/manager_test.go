package wa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pansacloud/gateway/internal/authstate"
)

type memStore struct {
	mu       sync.Mutex
	creds    map[string]authstate.Credentials
	saved    []authstate.Credentials
	saveErr  error
	loadErr  error
	loadSeen []string
}

func newMemStore() *memStore {
	return &memStore{creds: map[string]authstate.Credentials{}}
}

func (s *memStore) Load(_ context.Context, session string) (authstate.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadSeen = append(s.loadSeen, session)
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	c, ok := s.creds[session]
	if !ok {
		c = authstate.Credentials{"registered": false}
		s.creds[session] = c
	}
	return c, nil
}

func (s *memStore) SaveCredentials(_ context.Context, session string, creds authstate.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.creds[session] = creds
	s.saved = append(s.saved, creds)
	return nil
}

func (s *memStore) Keys(string) authstate.KeyStore { return nil }

type fakeSocket struct {
	events chan Event
	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeSocket(evs ...Event) *fakeSocket {
	ch := make(chan Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	return &fakeSocket{events: ch}
}

func (s *fakeSocket) Events() <-chan Event { return s.events }

func (s *fakeSocket) SendText(_ context.Context, jid, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, jid+"|"+text)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	errs    []error
	configs []DialConfig
}

func (d *fakeDialer) Dial(_ context.Context, cfg DialConfig) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.configs)
	d.configs = append(d.configs, cfg)
	if n < len(d.errs) && d.errs[n] != nil {
		return nil, d.errs[n]
	}
	if n >= len(d.sockets) {
		return nil, errors.New("no more scripted sockets")
	}
	return d.sockets[n], nil
}

func (d *fakeDialer) sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.configs))
	for i, c := range d.configs {
		out[i] = c.Session
	}
	return out
}

type recordedEvent struct {
	name    string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{event, payload})
}

func (e *recordingEmitter) statuses() []StatusPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []StatusPayload
	for _, ev := range e.events {
		if p, ok := ev.payload.(StatusPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleep) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

type fixedVersions struct {
	v   Version
	err error
}

func (f fixedVersions) Latest(context.Context) (Version, error) { return f.v, f.err }

type handlerFunc func(ctx context.Context, sender Sender, msgs []Message)

func (f handlerFunc) HandleMessages(ctx context.Context, sender Sender, msgs []Message) {
	f(ctx, sender, msgs)
}

func newTestManager(store AuthStore, dialer Dialer, emitter Emitter, sleep SleepFunc) *Manager {
	return NewManager(ManagerConfig{
		Session: "main",
		Store:   store,
		Dialer:  dialer,
		Emitter: emitter,
		Logger:  log.NewNopLogger(),
		Sleep:   sleep,
	})
}

func TestManager_ReconnectsOnceAfterRecoverableClose(t *testing.T) {
	dialer := &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(
			ConnectionUpdate{Connection: ConnectionOpen},
			ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectConnectionLost},
		),
		newFakeSocket(
			ConnectionUpdate{Connection: ConnectionOpen},
			ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut},
		),
	}}
	emitter := &recordingEmitter{}
	sleep := &recordingSleep{}
	m := newTestManager(newMemStore(), dialer, emitter, sleep.Sleep)

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrLoggedOut)

	assert.Equal(t, []string{"main", "main"}, dialer.sessions(), "exactly one restart, same session")
	assert.Equal(t, []time.Duration{2 * time.Second}, sleep.waits)
	assert.Equal(t, StateLoggedOut, m.State())
	assert.True(t, dialer.sockets[0].closed)
	assert.True(t, dialer.sockets[1].closed)

	assert.Equal(t, []StatusPayload{
		{Status: StatusConnected},
		{Status: StatusDisconnected, ShouldReconnect: boolPtr(true), Code: intPtr(DisconnectConnectionLost)},
		{Status: StatusConnected},
		{Status: StatusDisconnected, ShouldReconnect: boolPtr(false), Code: intPtr(DisconnectLoggedOut)},
		{Status: StatusLoggedOut},
	}, emitter.statuses())
}

func TestManager_LoggedOutNeverReconnects(t *testing.T) {
	dialer := &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut}),
	}}
	sleep := &recordingSleep{}
	m := newTestManager(newMemStore(), dialer, &recordingEmitter{}, sleep.Sleep)

	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	assert.Len(t, dialer.sessions(), 1)
	assert.Empty(t, sleep.waits)
}

func TestManager_QRForwardedWithoutStateChange(t *testing.T) {
	block := make(chan Event, 1)
	sock := &fakeSocket{events: block}
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}
	emitter := &recordingEmitter{}
	m := newTestManager(newMemStore(), dialer, emitter, (&recordingSleep{}).Sleep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	block <- ConnectionUpdate{QR: "2@abc,def"}
	require.Eventually(t, func() bool {
		emitter.mu.Lock()
		defer emitter.mu.Unlock()
		return len(emitter.events) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnecting, m.State())
	emitter.mu.Lock()
	assert.Equal(t, recordedEvent{EventQR, QRPayload{QR: "2@abc,def"}}, emitter.events[0])
	emitter.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestManager_CredsSavedAndFailuresNotFatal(t *testing.T) {
	store := newMemStore()
	newCreds := authstate.Credentials{"registered": true}
	dialer := &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(
			CredsUpdate{Creds: newCreds},
			ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut},
		),
	}}
	m := newTestManager(store, dialer, nil, (&recordingSleep{}).Sleep)
	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	assert.Equal(t, []authstate.Credentials{newCreds}, store.saved)

	failing := newMemStore()
	failing.saveErr = errors.New("db down")
	dialer = &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(
			CredsUpdate{Creds: newCreds},
			ConnectionUpdate{Connection: ConnectionOpen},
			ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut},
		),
	}}
	emitter := &recordingEmitter{}
	m = newTestManager(failing, dialer, emitter, (&recordingSleep{}).Sleep)
	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	assert.Equal(t, StatusConnected, emitter.statuses()[0].Status, "connection kept going after the failed save")
}

func TestManager_DialFailureIsReconnectable(t *testing.T) {
	dialer := &fakeDialer{
		errs: []error{errors.New("connection refused"), nil},
		sockets: []*fakeSocket{
			nil,
			newFakeSocket(ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut}),
		},
	}
	emitter := &recordingEmitter{}
	sleep := &recordingSleep{}
	m := newTestManager(newMemStore(), dialer, emitter, sleep.Sleep)

	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	assert.Len(t, dialer.sessions(), 2)
	assert.Len(t, sleep.waits, 1)
	assert.Equal(t, StatusPayload{Status: StatusDisconnected, ShouldReconnect: boolPtr(true)}, emitter.statuses()[0])
}

func TestManager_VersionIsBestEffort(t *testing.T) {
	dialer := &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut}),
	}}
	m := NewManager(ManagerConfig{
		Session:  "main",
		Store:    newMemStore(),
		Dialer:   dialer,
		Versions: fixedVersions{err: errors.New("timeout")},
		Logger:   log.NewNopLogger(),
		Sleep:    (&recordingSleep{}).Sleep,
	})
	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	assert.Nil(t, dialer.configs[0].Version)

	dialer = &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut}),
	}}
	m = NewManager(ManagerConfig{
		Session:  "main",
		Store:    newMemStore(),
		Dialer:   dialer,
		Versions: fixedVersions{v: Version{2, 3000, 1023}},
		Logger:   log.NewNopLogger(),
	})
	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	require.NotNil(t, dialer.configs[0].Version)
	assert.Equal(t, "2.3000.1023", dialer.configs[0].Version.String())
}

func TestManager_SleepIsInterruptible(t *testing.T) {
	dialer := &fakeDialer{sockets: []*fakeSocket{
		newFakeSocket(ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectRestartRequired}),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, time.Hour)
	}
	m := newTestManager(newMemStore(), dialer, nil, sleep)

	start := time.Now()
	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, dialer.sessions(), 1)
}

func TestManager_MessagesReachHandler(t *testing.T) {
	msg := Message{
		Key:     MessageKey{RemoteJID: "628111@s.whatsapp.net", ID: "A1"},
		Message: &Content{Conversation: ".help"},
	}
	sock := newFakeSocket(
		MessagesUpsert{Messages: []Message{msg}, Type: "notify"},
		ConnectionUpdate{Connection: ConnectionClose, CloseCode: DisconnectLoggedOut},
	)
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}

	var got []Message
	handler := handlerFunc(func(ctx context.Context, sender Sender, msgs []Message) {
		got = msgs
		_ = sender.SendText(ctx, msgs[0].Key.RemoteJID, "pong")
	})
	m := NewManager(ManagerConfig{
		Session: "main",
		Store:   newMemStore(),
		Dialer:  dialer,
		Handler: handler,
		Sleep:   (&recordingSleep{}).Sleep,
	})

	require.ErrorIs(t, m.Run(context.Background()), ErrLoggedOut)
	assert.Equal(t, []Message{msg}, got, "Run waits for in-flight batches")
	assert.Equal(t, []string{"628111@s.whatsapp.net|pong"}, sock.sent)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "disconnected", StateReconnecting.String())
	assert.Equal(t, "logged_out", StateLoggedOut.String())
}
