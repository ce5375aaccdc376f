package call

import (
	"time"

	"github.com/dialdesk/dialdesk/internal/media"
)

// CallState is the canonical snapshot of a call session: status flags plus
// the attached media handles. It is owned and mutated exclusively by the
// Manager; consumers only ever see copies.
type CallState struct {
	// Connected is true while a call is established end to end.
	Connected bool

	// Ringing is true from dial until the remote side answers or the
	// attempt ends. Connected and Ringing are mutually exclusive.
	Ringing bool

	// OnHold is true while the local side has put the call on hold.
	OnHold bool

	// LocalCapture is the local audio handle. Non-nil only while a call
	// attempt is in flight or connected.
	LocalCapture *media.Capture

	// RemoteStream is the remote audio handle, known once the call is
	// answered over the direct signaling strategy.
	RemoteStream *media.RemoteStream

	// Playback is the output sink bound to RemoteStream.
	Playback *media.Playback

	// StartedAt is when the current attempt began ringing; zero when idle.
	StartedAt time.Time

	// ConnectedAt is when the current call was answered; zero otherwise.
	ConnectedAt time.Time
}

// Active reports whether a non-terminated session exists. A second dial
// while Active is rejected without mutating state.
func (s CallState) Active() bool {
	return s.Connected || s.Ringing || s.LocalCapture != nil
}

// baseline resets all fields to the idle values. Handles must already be
// stopped by the caller; this only drops the references.
func (s *CallState) reset() {
	*s = CallState{}
}
