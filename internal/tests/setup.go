// Package tests runs the gateway end to end: a scripted protocol sidecar on
// one side, the push channel on the other, and a real SQLite database.
package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/authstate"
	"github.com/pansacloud/gateway/internal/codec"
	"github.com/pansacloud/gateway/internal/command"
	"github.com/pansacloud/gateway/internal/db/dbtest"
	"github.com/pansacloud/gateway/internal/i18n"
	"github.com/pansacloud/gateway/internal/logging"
	"github.com/pansacloud/gateway/internal/middleware"
	"github.com/pansacloud/gateway/internal/push"
	"github.com/pansacloud/gateway/internal/repo"
	"github.com/pansacloud/gateway/internal/wa"
	"github.com/pansacloud/gateway/internal/wa/bridge"
)

const (
	// BaseURL is the link prefix the harness configures.
	BaseURL = "https://cloud.example.com"
	// SessionName is the session the harness manages.
	SessionName = "main"

	waitTimeout = 5 * time.Second
)

// Hello is a decoded hello frame.
type Hello struct {
	Session string
	Creds   map[string]any
}

// SentText is one outbound message the gateway asked the sidecar to send.
type SentText struct {
	JID  string
	Text string
}

// Sidecar is a scripted stand-in for the protocol engine.
type Sidecar struct {
	t      testing.TB
	server *httptest.Server
	URL    string

	hellos chan Hello
	sent   chan SentText

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	results map[string]chan bridge.Frame
}

// NewSidecar starts a sidecar on a local httptest server.
func NewSidecar(t testing.TB) *Sidecar {
	t.Helper()
	s := &Sidecar{
		t:       t,
		hellos:  make(chan Hello, 8),
		sent:    make(chan SentText, 32),
		results: make(map[string]chan bridge.Frame),
	}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serve(conn)
	}))
	t.Cleanup(s.server.Close)
	s.URL = "ws" + strings.TrimPrefix(s.server.URL, "http")
	return s
}

func (s *Sidecar) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var f bridge.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case bridge.TypeHello:
			var p struct {
				Session string          `json:"session"`
				Creds   json.RawMessage `json:"creds"`
			}
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				s.t.Errorf("bad hello: %v", err)
				return
			}
			creds, err := codec.UnmarshalMap(p.Creds)
			if err != nil {
				s.t.Errorf("bad hello creds: %v", err)
				return
			}
			s.hellos <- Hello{Session: p.Session, Creds: creds}

		case bridge.TypeSend:
			var p struct {
				JID  string `json:"jid"`
				Text string `json:"text"`
			}
			_ = json.Unmarshal(f.Payload, &p)
			s.sent <- SentText{JID: p.JID, Text: p.Text}
			_ = s.write(conn, bridge.Frame{Type: bridge.TypeSendResult, ID: f.ID})

		case bridge.TypeKeysResult:
			s.mu.Lock()
			ch := s.results[f.ID]
			delete(s.results, f.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}

func (s *Sidecar) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Sidecar) write(conn *websocket.Conn, f bridge.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// Send pushes a frame of typ to the connected gateway.
func (s *Sidecar) Send(typ, id string, payload any) {
	s.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(s.t, err)
	conn := s.current()
	require.NotNil(s.t, conn, "gateway not connected")
	require.NoError(s.t, s.write(conn, bridge.Frame{Type: typ, ID: id, Payload: raw}))
}

// WaitHello returns the next hello.
func (s *Sidecar) WaitHello() Hello {
	s.t.Helper()
	select {
	case h := <-s.hellos:
		return h
	case <-time.After(waitTimeout):
		s.t.Fatal("no hello from gateway")
		return Hello{}
	}
}

// NoHello asserts that no hello arrives within d.
func (s *Sidecar) NoHello(d time.Duration) {
	s.t.Helper()
	select {
	case h := <-s.hellos:
		s.t.Fatalf("unexpected reconnect for session %q", h.Session)
	case <-time.After(d):
	}
}

// Connect waits for the gateway's hello and reports the connection open.
func (s *Sidecar) Connect() Hello {
	s.t.Helper()
	h := s.WaitHello()
	s.Send(bridge.TypeConnectionUpdate, "", map[string]any{"connection": wa.ConnectionOpen})
	return h
}

// QR reports a new pairing code.
func (s *Sidecar) QR(code string) {
	s.t.Helper()
	s.Send(bridge.TypeConnectionUpdate, "", map[string]any{"qr": code})
}

// UpdateCreds reports changed credentials.
func (s *Sidecar) UpdateCreds(creds map[string]any) {
	s.t.Helper()
	raw, err := codec.Marshal(creds)
	require.NoError(s.t, err)
	s.Send(bridge.TypeCredsUpdate, "", map[string]any{"creds": json.RawMessage(raw)})
}

// Disconnect closes the connection reporting reason code.
func (s *Sidecar) Disconnect(code int) {
	s.t.Helper()
	conn := s.current()
	require.NotNil(s.t, conn)
	s.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4000+code, "closed"), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	require.NoError(s.t, err)
}

// Deliver sends one inbound text message from phone.
func (s *Sidecar) Deliver(phone, text string) {
	s.t.Helper()
	s.Send(bridge.TypeMessagesUpsert, "", map[string]any{
		"type": "notify",
		"messages": []wa.Message{{
			Key:     wa.MessageKey{RemoteJID: phone + "@s.whatsapp.net", ID: uuid.NewString()},
			Message: &wa.Content{Conversation: text},
		}},
	})
}

// Ask delivers text from phone and returns the gateway's reply.
func (s *Sidecar) Ask(phone, text string) SentText {
	s.t.Helper()
	s.Deliver(phone, text)
	return s.WaitSent()
}

// WaitSent returns the next outbound message.
func (s *Sidecar) WaitSent() SentText {
	s.t.Helper()
	select {
	case m := <-s.sent:
		return m
	case <-time.After(waitTimeout):
		s.t.Fatal("gateway sent nothing")
		return SentText{}
	}
}

// Keys sends a keys.get or keys.set request and waits for its result.
func (s *Sidecar) Keys(typ string, payload any) bridge.Frame {
	s.t.Helper()
	id := uuid.NewString()
	ch := make(chan bridge.Frame, 1)
	s.mu.Lock()
	s.results[id] = ch
	s.mu.Unlock()

	s.Send(typ, id, payload)
	select {
	case f := <-ch:
		return f
	case <-time.After(waitTimeout):
		s.t.Fatal("no keys.result")
		return bridge.Frame{}
	}
}

// Listener is a dashboard connected to the push channel.
type Listener struct {
	t    testing.TB
	conn *websocket.Conn
}

// Next returns the next push message.
func (l *Listener) Next() push.Message {
	l.t.Helper()
	require.NoError(l.t, l.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var m push.Message
	require.NoError(l.t, l.conn.ReadJSON(&m))
	return m
}

// NextStatus returns the body of the next message, which must be wa:status.
func (l *Listener) NextStatus() map[string]any {
	l.t.Helper()
	m := l.Next()
	require.Equal(l.t, wa.EventStatus, m.Event)
	var body map[string]any
	require.NoError(l.t, json.Unmarshal(m.Data, &body))
	return body
}

// Harness is a fully wired gateway.
type Harness struct {
	DB      *bun.DB
	Sidecar *Sidecar
	Manager *wa.Manager
	Hub     *push.Hub
	Tokens  *auth.TokenIssuer
	Unlocks repo.UnlockRepo
	Store   *authstate.Store

	hubURL string
	cancel context.CancelFunc
	done   chan error
}

// NewHarness wires the gateway to a new sidecar and database without
// starting the connection manager.
func NewHarness(t testing.TB) *Harness {
	t.Helper()
	database := dbtest.New(t)
	logger := logging.Nop()

	catalog, err := i18n.New("en")
	require.NoError(t, err)

	limiter := middleware.NewRateLimiter(10*time.Minute, 5)
	t.Cleanup(limiter.Stop)

	h := &Harness{
		DB:      database,
		Sidecar: NewSidecar(t),
		Hub:     push.NewHub(logger),
		Tokens:  auth.NewTokenIssuer(repo.NewTokenRepo(database)),
		Unlocks: repo.NewUnlockRepo(database),
		Store:   authstate.NewStore(repo.NewSessionRepo(database), logger),
	}

	processor := command.NewProcessor(command.Config{
		Users:       repo.NewUserRepo(database),
		Files:       repo.NewFileRepo(database),
		Unlocks:     h.Unlocks,
		Tokens:      h.Tokens,
		Pins:        auth.Argon2Pins{},
		Limiter:     limiter,
		Catalog:     catalog,
		BaseURL:     BaseURL,
		TokenTTL:    10,
		BotName:     "PansaCloud Bot",
		Concurrency: 4,
		Logger:      logger,
	})

	h.Manager = wa.NewManager(wa.ManagerConfig{
		Session:        SessionName,
		Store:          h.Store,
		Dialer:         bridge.NewDialer(h.Sidecar.URL, "", logger),
		Emitter:        h.Hub,
		Handler:        processor,
		Logger:         logger,
		ReconnectDelay: 20 * time.Millisecond,
	})

	hubServer := httptest.NewServer(h.Hub)
	t.Cleanup(hubServer.Close)
	t.Cleanup(h.Hub.Close)
	h.hubURL = "ws" + strings.TrimPrefix(hubServer.URL, "http")
	return h
}

// Listen connects a push listener and consumes its waiting greeting.
func (h *Harness) Listen(t testing.TB) *Listener {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.hubURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	l := &Listener{t: t, conn: conn}
	require.Equal(t, "waiting", l.NextStatus()["status"])
	return l
}

// Start runs the connection manager until the test ends.
func (h *Harness) Start(t testing.TB) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.Manager.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Error("manager did not stop")
		}
	})
}

// Wait returns the manager's result once Run ends on its own.
func (h *Harness) Wait(t testing.TB) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitTimeout):
		t.Fatal("manager still running")
		return nil
	}
}

// SeedUser registers phone with pin (empty for none) and returns its id.
func (h *Harness) SeedUser(t testing.TB, phone, pin string) int64 {
	t.Helper()
	var hash *string
	if pin != "" {
		encoded, err := auth.Argon2Pins{}.Hash(pin)
		require.NoError(t, err)
		hash = &encoded
	}
	return dbtest.SeedUser(t, h.DB, phone, hash)
}

// TokenFromLink returns the token at the end of a reply carrying a link.
func TokenFromLink(t testing.TB, reply string) string {
	t.Helper()
	i := strings.Index(reply, BaseURL+"/dl/")
	require.GreaterOrEqual(t, i, 0, "no link in %q", reply)
	return strings.TrimSpace(reply[i+len(BaseURL+"/dl/"):])
}
