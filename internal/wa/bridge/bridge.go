// Package bridge connects to a protocol engine sidecar over a websocket. The
// sidecar speaks the messaging network protocol; this side owns storage.
// Every frame is a JSON object {type, id, payload, error}.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pansacloud/gateway/internal/authstate"
	"github.com/pansacloud/gateway/internal/codec"
	"github.com/pansacloud/gateway/internal/wa"
)

// Frame types.
const (
	TypeHello            = "hello"
	TypeCredsUpdate      = "creds.update"
	TypeConnectionUpdate = "connection.update"
	TypeMessagesUpsert   = "messages.upsert"
	TypeKeysGet          = "keys.get"
	TypeKeysSet          = "keys.set"
	TypeKeysResult       = "keys.result"
	TypeSend             = "send"
	TypeSendResult       = "send.result"
)

const (
	writeWait   = 10 * time.Second
	eventBuffer = 64
)

// ErrClosed is returned by SendText after the socket closed.
var ErrClosed = errors.New("bridge: socket closed")

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type helloPayload struct {
	Session string          `json:"session"`
	Version *wa.Version     `json:"version"`
	Creds   json.RawMessage `json:"creds"`
}

type credsPayload struct {
	Creds json.RawMessage `json:"creds"`
}

type connectionPayload struct {
	Connection string `json:"connection,omitempty"`
	QR         string `json:"qr,omitempty"`
	CloseCode  int    `json:"closeCode,omitempty"`
}

type messagesPayload struct {
	Messages []wa.Message `json:"messages"`
	Type     string       `json:"type,omitempty"`
}

type keysGetPayload struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type keysSetPayload struct {
	Data json.RawMessage `json:"data"`
}

type keysResultPayload struct {
	Values json.RawMessage `json:"values,omitempty"`
}

type sendPayload struct {
	JID  string `json:"jid"`
	Text string `json:"text"`
}

// Dialer opens sockets to the sidecar at URL.
type Dialer struct {
	URL    string
	Token  string
	Logger log.Logger
	WS     *websocket.Dialer
}

// NewDialer creates a Dialer. token, if set, is sent as a bearer token.
func NewDialer(url, token string, logger log.Logger) *Dialer {
	return &Dialer{
		URL:    url,
		Token:  token,
		Logger: logger,
		WS: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial connects, sends the hello frame and starts reading.
func (d *Dialer) Dial(ctx context.Context, cfg wa.DialConfig) (wa.Socket, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}

	conn, _, err := ws.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("bridge dial %s: %w", d.URL, err)
	}

	creds, err := codec.Marshal(map[string]any(cfg.Creds))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &socket{
		conn:    conn,
		keys:    cfg.Keys,
		logger:  log.With(logger, "session", cfg.Session),
		events:  make(chan wa.Event, eventBuffer),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.write(TypeHello, "", helloPayload{Session: cfg.Session, Version: cfg.Version, Creds: creds}); err != nil {
		s.cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("bridge hello: %w", err)
	}

	go s.readLoop()
	return s, nil
}

type socket struct {
	conn   *websocket.Conn
	keys   authstate.KeyStore
	logger log.Logger

	writeMu sync.Mutex

	events chan wa.Event

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool

	done      chan struct{}
	closeOnce sync.Once

	// ctx is cancelled on Close so key lookups stuck on the store give up.
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *socket) Events() <-chan wa.Event { return s.events }

// SendText asks the sidecar to send text to jid and waits for its result.
func (s *socket) SendText(ctx context.Context, jid, text string) error {
	id := uuid.NewString()
	result := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending[id] = result
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(TypeSend, id, sendPayload{JID: jid, Text: text}); err != nil {
		return fmt.Errorf("bridge send: %w", err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Close ends the connection. The read loop then closes Events.
func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.cancel()

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *socket) write(typ, id string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	return s.writeFrame(Frame{Type: typ, ID: id, Payload: raw})
}

func (s *socket) writeFrame(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *socket) emit(ev wa.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *socket) readLoop() {
	defer close(s.events)

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				level.Warn(s.logger).Log("msg", "bridge connection lost", "err", err)
				s.emit(wa.ConnectionUpdate{Connection: wa.ConnectionClose, CloseCode: closeCode(err)})
			}
			s.failPending()
			return
		}
		if !s.dispatch(f) {
			return
		}
	}
}

// closeCode maps a websocket close to a disconnect reason. The sidecar
// reports the network's reason as an application close code 4000+reason.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 4000 && ce.Code < 5000 {
		return ce.Code - 4000
	}
	return wa.DisconnectConnectionClosed
}

func (s *socket) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		ch <- ErrClosed
		delete(s.pending, id)
	}
}

func (s *socket) dispatch(f Frame) bool {
	switch f.Type {
	case TypeCredsUpdate:
		var p credsPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			level.Error(s.logger).Log("msg", "bad creds.update frame", "err", err)
			return true
		}
		creds, err := codec.UnmarshalMap(p.Creds)
		if err != nil {
			level.Error(s.logger).Log("msg", "bad creds.update payload", "err", err)
			return true
		}
		return s.emit(wa.CredsUpdate{Creds: authstate.Credentials(creds)})

	case TypeConnectionUpdate:
		var p connectionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			level.Error(s.logger).Log("msg", "bad connection.update frame", "err", err)
			return true
		}
		return s.emit(wa.ConnectionUpdate{Connection: p.Connection, QR: p.QR, CloseCode: p.CloseCode})

	case TypeMessagesUpsert:
		var p messagesPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			level.Error(s.logger).Log("msg", "bad messages.upsert frame", "err", err)
			return true
		}
		return s.emit(wa.MessagesUpsert{Messages: p.Messages, Type: p.Type})

	case TypeKeysGet:
		values, err := s.keysGet(f.Payload)
		s.answer(f.ID, values, err)

	case TypeKeysSet:
		s.answer(f.ID, nil, s.keysSet(f.Payload))

	case TypeSendResult:
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		s.mu.Unlock()
		if ok {
			var err error
			if f.Error != "" {
				err = fmt.Errorf("bridge send: %s", f.Error)
			}
			ch <- err
		}

	default:
		level.Debug(s.logger).Log("msg", "ignoring frame", "type", f.Type)
	}
	return true
}

// Key requests are answered in arrival order, before the next frame is read,
// so the sidecar sees its own writes.
func (s *socket) keysGet(raw json.RawMessage) (json.RawMessage, error) {
	var p keysGetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("bad keys.get: %w", err)
	}
	values, err := s.keys.Get(s.ctx, p.Type, p.IDs)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(values)
}

func (s *socket) keysSet(raw json.RawMessage) error {
	var p keysSetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("bad keys.set: %w", err)
	}
	decoded, err := codec.UnmarshalMap(p.Data)
	if err != nil {
		return err
	}
	m := make(authstate.Mutations, len(decoded))
	for keyType, entries := range decoded {
		byID, ok := entries.(map[string]any)
		if !ok {
			return fmt.Errorf("bad keys.set: %s is %T", keyType, entries)
		}
		m[keyType] = byID
	}
	return s.keys.Set(s.ctx, m)
}

func (s *socket) answer(id string, values json.RawMessage, err error) {
	f := Frame{Type: TypeKeysResult, ID: id}
	if err != nil {
		level.Error(s.logger).Log("msg", "key request failed", "err", err)
		f.Error = err.Error()
	} else if values != nil {
		b, mErr := json.Marshal(keysResultPayload{Values: values})
		if mErr != nil {
			f.Error = mErr.Error()
		} else {
			f.Payload = b
		}
	}
	if wErr := s.writeFrame(f); wErr != nil {
		level.Warn(s.logger).Log("msg", "key result not delivered", "err", wErr)
	}
}
