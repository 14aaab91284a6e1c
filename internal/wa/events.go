package wa

import "github.com/pansacloud/gateway/internal/authstate"

// Disconnect reason codes reported with a closed connection.
const (
	DisconnectBadSession          = 500
	DisconnectConnectionClosed    = 428
	DisconnectConnectionLost      = 408
	DisconnectConnectionReplaced  = 440
	DisconnectForbidden           = 403
	DisconnectLoggedOut           = 401
	DisconnectMultideviceMismatch = 411
	DisconnectRestartRequired     = 515
	DisconnectUnavailableService  = 503
)

// Connection values of a ConnectionUpdate.
const (
	ConnectionConnecting = "connecting"
	ConnectionOpen       = "open"
	ConnectionClose      = "close"
)

// Event is anything a Socket reports. The concrete types are CredsUpdate,
// ConnectionUpdate and MessagesUpsert.
type Event interface {
	isEvent()
}

// CredsUpdate carries the full current credentials after a change.
type CredsUpdate struct {
	Creds authstate.Credentials
}

// ConnectionUpdate reports connection progress. QR is set when a new pairing
// code is available; CloseCode is set when Connection is "close".
type ConnectionUpdate struct {
	Connection string
	QR         string
	CloseCode  int
}

// MessagesUpsert is a batch of new messages.
type MessagesUpsert struct {
	Messages []Message
	Type     string
}

func (CredsUpdate) isEvent()      {}
func (ConnectionUpdate) isEvent() {}
func (MessagesUpsert) isEvent()   {}

// Push channel event names and statuses.
const (
	EventQR     = "wa:qr"
	EventStatus = "wa:status"

	StatusWaiting      = "waiting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusLoggedOut    = "logged_out"
)

// StatusPayload is the body of a wa:status event.
type StatusPayload struct {
	Status          string `json:"status"`
	ShouldReconnect *bool  `json:"shouldReconnect,omitempty"`
	Code            *int   `json:"code,omitempty"`
}

// QRPayload is the body of a wa:qr event.
type QRPayload struct {
	QR string `json:"qr"`
}

// Emitter forwards lifecycle events to listeners. Emit must not block.
type Emitter interface {
	Emit(event string, payload any)
}
