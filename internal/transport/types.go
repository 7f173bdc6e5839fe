// Package transport defines the boundary to the underlying messaging
// session. The scheduler core only ever sees these types; the concrete
// WhatsApp adapter lives in transport/wameow.
package transport

import (
	"context"
	"errors"
)

type EventKind string

const (
	// EventVerification carries a pairing challenge (QR code payload) that
	// an operator must scan before the session can come up.
	EventVerification EventKind = "verification"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	// EventLoggedOut means the credentials are no longer valid on the
	// server side; reconnecting with the same store will not help.
	EventLoggedOut EventKind = "logged_out"
)

type Event struct {
	Kind   EventKind
	Reason string
	// Code is the pairing challenge payload for EventVerification.
	Code string
}

var (
	// ErrVerificationRequired: the credential store has no linked device and
	// the activation was unattended. Fatal for this identity.
	ErrVerificationRequired = errors.New("transport: verification required")

	// ErrSessionDead: the underlying session/socket is gone beyond what a
	// send-level retry can fix. Treated as fatal for the process.
	ErrSessionDead = errors.New("transport: session dead")

	// ErrNotLoggedIn: the server rejected our credentials.
	ErrNotLoggedIn = errors.New("transport: not logged in")
)

type ConnectOptions struct {
	// StorePath is the identity's credential store (survives restarts).
	StorePath string

	// Manual activation surfaces verification challenges via Events and
	// waits for the operator; unattended activation fails fast with
	// ErrVerificationRequired instead.
	Manual bool

	// ManualRetryMax bounds how many pairing-code refreshes a manual
	// activation waits through before giving up. <= 0 means a default.
	ManualRetryMax int
}

// Connector brings up a Session bound to one credential store.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

// Session is a live, authenticated messaging session.
//
// Sends are addressed by canonical destination: country code + subscriber
// number, digits only (e.g. "525512345678").
type Session interface {
	// IsDeliverable reports whether the canonical address is a registered
	// endpoint on the network.
	IsDeliverable(ctx context.Context, address string) (bool, error)

	SendText(ctx context.Context, address, body string) error
	// SendMedia fetches the referenced media and sends it with a caption.
	SendMedia(ctx context.Context, address, url, caption string) error
	SendDocument(ctx context.Context, address, filename string, data []byte, caption string) error

	// Events delivers session lifecycle events. The channel is closed when
	// the session is torn down.
	Events() <-chan Event

	// Close tears the session down without invalidating credentials.
	Close()

	// Logout invalidates the server-side pairing and clears credentials.
	Logout(ctx context.Context) error
}
