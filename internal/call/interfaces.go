package call

import (
	"context"
)

// ControlPlane issues call lifecycle commands through the tenant's relay.
// Implemented by pbx.Client; faked in tests.
type ControlPlane interface {
	// StartCall asks the relay to originate a call and returns the remote
	// call id the PBX assigned to it.
	StartCall(ctx context.Context, cfg RelayConfig, extension, number string) (string, error)

	// EndCall asks the relay to hang up a previously started call.
	EndCall(ctx context.Context, cfg RelayConfig, remoteCallID string) error
}

// SessionEvents are the signaling transitions the manager cares about.
// Established carries the remote answer SDP; Terminated fires once when the
// session ends for any reason other than a local Terminate.
type SessionEvents struct {
	Established func(answerSDP []byte)
	Terminated  func()
}

// Session is the opaque handle to an in-flight or connected signaling
// dialog. Owned by the Dialer that created it.
type Session interface {
	ID() string

	// Terminate hangs up the session. Idempotent.
	Terminate(ctx context.Context)
}

// Dialer is the direct signaling client. Implemented by signaling.Client;
// faked in tests.
type Dialer interface {
	// Connect starts the signaling transport and registers the identity.
	// On failure no transport resources remain held.
	Connect(ctx context.Context, cfg DirectConfig) error

	// Invite sends a session offer for number carrying the local capture's
	// SDP and reports subsequent transitions through events.
	Invite(ctx context.Context, number string, offer []byte, events SessionEvents) (Session, error)

	// Close unregisters and stops the transport. Safe to call repeatedly
	// and after a failed Connect.
	Close()
}
