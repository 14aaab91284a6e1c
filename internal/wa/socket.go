package wa

import (
	"context"

	"github.com/pansacloud/gateway/internal/authstate"
)

// DialConfig is what a Dialer needs to open one connection.
type DialConfig struct {
	Session string
	// Version is nil when the latest version could not be fetched.
	Version *Version
	Creds   authstate.Credentials
	Keys    authstate.KeyStore
}

// Sender sends a text message to a JID.
type Sender interface {
	SendText(ctx context.Context, jid, text string) error
}

// Socket is one live connection to the messaging network. Events is closed
// when the connection ends.
type Socket interface {
	Sender
	Events() <-chan Event
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Socket, error)
}

// MessageHandler consumes inbound batches and replies through the sender.
type MessageHandler interface {
	HandleMessages(ctx context.Context, sender Sender, msgs []Message)
}

// AuthStore is the credential store as seen by the manager.
type AuthStore interface {
	Load(ctx context.Context, session string) (authstate.Credentials, error)
	SaveCredentials(ctx context.Context, session string, creds authstate.Credentials) error
	Keys(session string) authstate.KeyStore
}
