package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dialdesk/dialdesk/internal/media"
)

// recordingHandler captures log messages for assertions.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler            { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) logged(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

// fakeAllocator hands out captures without binding sockets.
type fakeAllocator struct {
	mu       sync.Mutex
	fail     bool
	acquired []*media.Capture
}

func (f *fakeAllocator) Acquire() (*media.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no audio device")
	}
	c := &media.Capture{Port: 40000 + 2*len(f.acquired), Host: "127.0.0.1"}
	f.acquired = append(f.acquired, c)
	return c, nil
}

type startedCall struct {
	cfg       RelayConfig
	extension string
	number    string
}

// fakeControl is an in-memory ControlPlane.
type fakeControl struct {
	mu       sync.Mutex
	startErr error
	started  []startedCall
	ended    []string
}

func (f *fakeControl) StartCall(ctx context.Context, cfg RelayConfig, extension, number string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, startedCall{cfg: cfg, extension: extension, number: number})
	return "remote-1", nil
}

func (f *fakeControl) EndCall(ctx context.Context, cfg RelayConfig, remoteCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, remoteCallID)
	return nil
}

func (f *fakeControl) startedCalls() []startedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startedCall(nil), f.started...)
}

func (f *fakeControl) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

// fakeSession is an inert signaling dialog handle.
type fakeSession struct {
	mu         sync.Mutex
	terminated int
}

func (s *fakeSession) ID() string { return "dialog-1" }

func (s *fakeSession) Terminate(ctx context.Context) {
	s.mu.Lock()
	s.terminated++
	s.mu.Unlock()
}

func (s *fakeSession) terminations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// fakeDialer is an in-memory Dialer that hands the invite events back to the
// test so it can play the remote side.
type fakeDialer struct {
	mu         sync.Mutex
	connectErr error
	inviteErr  error
	connects   int
	closes     int
	session    *fakeSession
	events     SessionEvents
}

func (f *fakeDialer) Connect(ctx context.Context, cfg DirectConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeDialer) Invite(ctx context.Context, number string, offer []byte, events SessionEvents) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inviteErr != nil {
		return nil, f.inviteErr
	}
	f.session = &fakeSession{}
	f.events = events
	return f.session, nil
}

func (f *fakeDialer) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeDialer) savedEvents() SessionEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeDialer) savedSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeDialer) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// stateRecorder subscribes to a manager and keeps every notified snapshot.
type stateRecorder struct {
	mu     sync.Mutex
	states []CallState
}

func (r *stateRecorder) record(st CallState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshots() []CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallState(nil), r.states...)
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// assertExclusiveFlags fails if any snapshot reports Connected and Ringing
// at the same time.
func assertExclusiveFlags(t *testing.T, states []CallState) {
	t.Helper()
	for i, st := range states {
		if st.Connected && st.Ringing {
			t.Errorf("snapshot %d has Connected and Ringing both set", i)
		}
	}
}

func relayTenant() *TenantSettings {
	return &TenantSettings{
		EndpointURL: "https://relay.example.com",
		TenantPBXID: "pbx-9",
		APIKey:      "key",
	}
}

func directEmployee() EmployeeSettings {
	return EmployeeSettings{
		Username:   "101",
		Password:   "pw",
		Extension:  "101",
		ServerHost: "sip.example.com",
		ServerPort: 5060,
	}
}

func newTestManager(alloc media.Allocator, control ControlPlane, dialer Dialer) *Manager {
	return NewManager(Options{
		Logger:         testLogger(),
		Allocator:      alloc,
		ControlPlane:   control,
		Dialer:         dialer,
		PromotionDelay: 20 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPlaceCallBeforeInitialize(t *testing.T) {
	m := newTestManager(&fakeAllocator{}, &fakeControl{}, &fakeDialer{})

	if m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call succeeded on an uninitialized manager")
	}
}

func TestPlaceCallEmptyNumber(t *testing.T) {
	m := newTestManager(&fakeAllocator{}, &fakeControl{}, &fakeDialer{})
	m.Initialize(context.Background(), EmployeeSettings{}, relayTenant())

	if m.PlaceCall(context.Background(), "   ") {
		t.Fatal("place call succeeded with a whitespace-only number")
	}
}

func TestInitializeDirectConnectFailure(t *testing.T) {
	dialer := &fakeDialer{connectErr: errors.New("registration refused")}
	m := newTestManager(&fakeAllocator{}, &fakeControl{}, dialer)

	if m.Initialize(context.Background(), directEmployee(), nil) {
		t.Fatal("initialize succeeded despite connect failure")
	}
	if dialer.closeCount() == 0 {
		t.Error("failed connect did not release the transport")
	}
}

func TestRelayCallLifecycle(t *testing.T) {
	alloc := &fakeAllocator{}
	control := &fakeControl{}
	m := newTestManager(alloc, control, &fakeDialer{})

	rec := &stateRecorder{}
	defer m.Subscribe(rec.record)()

	if !m.Initialize(context.Background(), EmployeeSettings{Extension: "204"}, relayTenant()) {
		t.Fatal("initialize failed")
	}

	if !m.PlaceCall(context.Background(), "0555 123 45 67") {
		t.Fatal("place call failed")
	}

	started := control.startedCalls()
	if len(started) != 1 {
		t.Fatalf("StartCall invoked %d times, want 1", len(started))
	}
	if started[0].number != "05551234567" {
		t.Errorf("number = %q, want whitespace stripped %q", started[0].number, "05551234567")
	}
	if started[0].extension != "204" {
		t.Errorf("extension = %q, want %q", started[0].extension, "204")
	}

	st := m.CurrentState()
	if !st.Ringing || st.Connected {
		t.Fatalf("after dial: ringing=%v connected=%v, want ringing only", st.Ringing, st.Connected)
	}

	// The relay exposes no answer event; the manager promotes on a timer.
	waitFor(t, time.Second, func() bool { return m.CurrentState().Connected })

	m.EndCurrentCall(context.Background())

	st = m.CurrentState()
	if st.Connected || st.Ringing || st.LocalCapture != nil {
		t.Errorf("state not at baseline after end: %+v", st)
	}
	if ended := control.endedCalls(); len(ended) != 1 || ended[0] != "remote-1" {
		t.Errorf("EndCall calls = %v, want [remote-1]", ended)
	}
	if !alloc.acquired[0].Stopped() {
		t.Error("capture not released on hangup")
	}

	// A second hangup must be a silent no-op.
	before := rec.count()
	m.EndCurrentCall(context.Background())
	if rec.count() != before {
		t.Error("idempotent hangup notified subscribers again")
	}

	assertExclusiveFlags(t, rec.snapshots())
}

func TestSecondCallRejectedWhileActive(t *testing.T) {
	control := &fakeControl{}
	m := newTestManager(&fakeAllocator{}, control, &fakeDialer{})
	m.Initialize(context.Background(), EmployeeSettings{Extension: "204"}, relayTenant())

	if !m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("first place call failed")
	}
	if m.PlaceCall(context.Background(), "05559876543") {
		t.Fatal("second place call succeeded while a session is active")
	}
	if got := len(control.startedCalls()); got != 1 {
		t.Errorf("StartCall invoked %d times, want 1", got)
	}
}

func TestAllocatorFailureLeavesStateUntouched(t *testing.T) {
	control := &fakeControl{}
	m := newTestManager(&fakeAllocator{fail: true}, control, &fakeDialer{})
	m.Initialize(context.Background(), EmployeeSettings{Extension: "204"}, relayTenant())

	rec := &stateRecorder{}
	defer m.Subscribe(rec.record)()

	if m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call succeeded without local audio")
	}
	if rec.count() != 0 {
		t.Error("failed acquisition notified subscribers")
	}
	if st := m.CurrentState(); st.Active() {
		t.Errorf("state became active: %+v", st)
	}
	if got := len(control.startedCalls()); got != 0 {
		t.Errorf("StartCall invoked %d times, want 0", got)
	}
}

func TestRelayOverrideWithoutInitialize(t *testing.T) {
	control := &fakeControl{}
	m := newTestManager(&fakeAllocator{}, control, &fakeDialer{})

	ok := m.PlaceCallWith(context.Background(), "05551234567",
		relayTenant(), &EmployeeSettings{Extension: "310"})
	if !ok {
		t.Fatal("ad-hoc relay call failed")
	}

	started := control.startedCalls()
	if len(started) != 1 {
		t.Fatalf("StartCall invoked %d times, want 1", len(started))
	}
	if started[0].cfg.EndpointURL != "https://relay.example.com" {
		t.Errorf("endpoint = %q, want override", started[0].cfg.EndpointURL)
	}
	if started[0].extension != "310" {
		t.Errorf("extension = %q, want override 310", started[0].extension)
	}
}

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestDirectCallLifecycle(t *testing.T) {
	alloc := &fakeAllocator{}
	dialer := &fakeDialer{}
	m := newTestManager(alloc, &fakeControl{}, dialer)

	rec := &stateRecorder{}
	defer m.Subscribe(rec.record)()

	if !m.Initialize(context.Background(), directEmployee(), nil) {
		t.Fatal("initialize failed")
	}

	if !m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call failed")
	}
	if st := m.CurrentState(); !st.Ringing {
		t.Fatal("not ringing after invite")
	}

	// Remote answers.
	dialer.savedEvents().Established([]byte(answerSDP))

	st := m.CurrentState()
	if !st.Connected || st.Ringing {
		t.Fatalf("after answer: connected=%v ringing=%v", st.Connected, st.Ringing)
	}
	if st.RemoteStream == nil || st.RemoteStream.Address != "192.0.2.10" || st.RemoteStream.Port != 49170 {
		t.Errorf("remote stream = %+v, want 192.0.2.10:49170", st.RemoteStream)
	}

	// Remote hangs up.
	dialer.savedEvents().Terminated()

	st = m.CurrentState()
	if st.Active() {
		t.Errorf("state still active after remote hangup: %+v", st)
	}
	if !alloc.acquired[0].Stopped() {
		t.Error("capture not released after remote hangup")
	}

	assertExclusiveFlags(t, rec.snapshots())
}

func TestStaleEstablishedIgnoredAfterHangup(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(&fakeAllocator{}, &fakeControl{}, dialer)
	m.Initialize(context.Background(), directEmployee(), nil)

	if !m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call failed")
	}

	events := dialer.savedEvents()
	sess := dialer.savedSession()
	m.EndCurrentCall(context.Background())

	if sess.terminations() == 0 {
		t.Error("local hangup did not terminate the signaling dialog")
	}

	// A late answer from the ended dialog must not resurrect the session.
	events.Established([]byte(answerSDP))

	if st := m.CurrentState(); st.Connected || st.Active() {
		t.Errorf("stale answer mutated state: %+v", st)
	}
}

func TestTeardownTransportClosesDialerAndAllowsReinit(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(&fakeAllocator{}, &fakeControl{}, dialer)

	if !m.Initialize(context.Background(), directEmployee(), nil) {
		t.Fatal("initialize failed")
	}

	m.TeardownTransport(context.Background())
	if dialer.closeCount() == 0 {
		t.Error("teardown did not close the signaling transport")
	}

	// Teardown is idempotent.
	m.TeardownTransport(context.Background())

	// Until the next Initialize the manager must refuse to dial.
	if m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call succeeded after teardown without re-initialization")
	}

	if !m.Initialize(context.Background(), directEmployee(), nil) {
		t.Fatal("re-initialize after teardown failed")
	}
	if !m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call after re-initialize failed")
	}
}

func TestPromotionSkippedWhenCallEndedEarly(t *testing.T) {
	m := newTestManager(&fakeAllocator{}, &fakeControl{}, &fakeDialer{})
	m.Initialize(context.Background(), EmployeeSettings{Extension: "204"}, relayTenant())

	if !m.PlaceCall(context.Background(), "05551234567") {
		t.Fatal("place call failed")
	}
	m.EndCurrentCall(context.Background())

	// Give the promotion timer a chance to misfire.
	time.Sleep(60 * time.Millisecond)

	if st := m.CurrentState(); st.Connected {
		t.Errorf("promotion resurrected an ended call: %+v", st)
	}
}

func TestRejectedPhaseTransitionIsLoggedNotApplied(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(Options{Logger: slog.New(h)})

	// answer is not a legal event from the uninitialized phase.
	m.mu.Lock()
	m.fireLocked(context.Background(), eventAnswer)
	m.mu.Unlock()

	if !h.logged("phase transition rejected") {
		t.Error("rejected transition was not logged")
	}
	if got := m.machine.Current(); got != phaseUninitialized {
		t.Errorf("phase = %q, want %q", got, phaseUninitialized)
	}
}

func TestStripWhitespace(t *testing.T) {
	got := stripWhitespace("  0555\t123 45 67\n")
	if got != "05551234567" {
		t.Errorf("stripWhitespace = %q, want %q", got, "05551234567")
	}
}
