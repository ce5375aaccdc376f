package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/dialdesk/dialdesk/internal/media"
)

// Session lifecycle phases. The CallState booleans are derived from the
// current phase in exactly one place so Connected and Ringing can never be
// observed true together.
const (
	phaseUninitialized = "uninitialized"
	phaseReady         = "ready"
	phaseRinging       = "ringing"
	phaseConnected     = "connected"
)

const (
	eventInitialize = "initialize"
	eventDial       = "dial"
	eventAnswer     = "answer"
	eventHangup     = "hangup"
	eventTeardown   = "teardown"
)

// defaultPromotionDelay is how long a relay-strategy call stays in Ringing
// before it is optimistically promoted to Connected. The relay API exposes
// no answer event, so promotion is an approximation carried over from the
// dashboard's original behavior.
const defaultPromotionDelay = 3 * time.Second

// Options configures a Manager. Allocator, ControlPlane and Dialer may be
// nil when the corresponding strategy is never used.
type Options struct {
	Logger         *slog.Logger
	Allocator      media.Allocator
	ControlPlane   ControlPlane
	Dialer         Dialer
	PromotionDelay time.Duration
}

// Manager owns one live call session at a time: it resolves the calling
// strategy, delegates to the active client, mutates the CallState and
// publishes change notifications. Public operations never fail outward;
// failures become a false result plus a logged diagnostic.
type Manager struct {
	logger    *slog.Logger
	alloc     media.Allocator
	control   ControlPlane
	dialer    Dialer
	promotion time.Duration
	subs      *registry

	mu              sync.Mutex
	machine         *fsm.FSM
	state           CallState
	strategy        Strategy
	employee        EmployeeSettings
	active          *activeSession
	placing         bool
	dialerConnected bool

	// generation is bumped on every teardown path; asynchronous
	// continuations compare their captured value before mutating state so
	// a stale completion cannot resurrect an ended session.
	generation uint64

	promoTimer *time.Timer
}

// activeSession is the strategy-specific handle for the in-flight or
// connected call. Only the owning client knows its internals.
type activeSession struct {
	id           string
	number       string
	relayCfg     RelayConfig // relay strategy only
	remoteCallID string      // relay strategy only
	session      Session     // direct strategy only
}

// NewManager creates a call session manager in the uninitialized phase.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "call-manager")

	promotion := opts.PromotionDelay
	if promotion == 0 {
		promotion = defaultPromotionDelay
	}

	return &Manager{
		logger:    logger,
		alloc:     opts.Allocator,
		control:   opts.ControlPlane,
		dialer:    opts.Dialer,
		promotion: promotion,
		subs:      newRegistry(logger),
		machine:   newMachine(),
	}
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		phaseUninitialized,
		fsm.Events{
			{Name: eventInitialize, Src: []string{phaseUninitialized}, Dst: phaseReady},
			{Name: eventDial, Src: []string{phaseReady}, Dst: phaseRinging},
			{Name: eventAnswer, Src: []string{phaseRinging}, Dst: phaseConnected},
			{Name: eventHangup, Src: []string{phaseRinging, phaseConnected}, Dst: phaseReady},
			{Name: eventTeardown, Src: []string{phaseReady, phaseRinging, phaseConnected}, Dst: phaseUninitialized},
		},
		fsm.Callbacks{},
	)
}

// Initialize resets any prior session and resolves the calling strategy
// from the given settings. For the direct strategy it also connects and
// registers the signaling transport; the relay strategy is pure
// configuration capture with no network I/O. Returns false on missing
// configuration or transport failure.
func (m *Manager) Initialize(ctx context.Context, employee EmployeeSettings, tenant *TenantSettings) bool {
	m.TeardownTransport(ctx)

	strat, err := SelectStrategy(employee, tenant)
	if err != nil {
		m.logger.Warn("initialize failed", "error", err)
		return false
	}

	if direct, ok := strat.(*DirectStrategy); ok {
		if m.dialer == nil {
			m.logger.Error("direct strategy selected but no signaling client configured")
			return false
		}
		if err := m.dialer.Connect(ctx, direct.Config); err != nil {
			m.logger.Error("signaling connect failed",
				"server", direct.Config.ServerHost,
				"error", err,
			)
			m.dialer.Close()
			return false
		}
	}

	m.mu.Lock()
	m.strategy = strat
	m.employee = employee
	m.dialerConnected = strat.Name() == "direct"
	if m.machine.Current() == phaseUninitialized {
		m.fireLocked(ctx, eventInitialize)
	}
	m.mu.Unlock()

	m.logger.Info("call manager initialized", "strategy", strat.Name())
	return true
}

// PlaceCall dials number with the strategy resolved at Initialize.
func (m *Manager) PlaceCall(ctx context.Context, number string) bool {
	return m.PlaceCallWith(ctx, number, nil, nil)
}

// PlaceCallWith dials number, optionally overriding the relay settings and
// the employee record (extension) for this one call. Fails without mutating
// state when a session is already active, when no strategy is resolvable,
// or when local audio cannot be acquired.
func (m *Manager) PlaceCallWith(ctx context.Context, number string, tenant *TenantSettings, employee *EmployeeSettings) bool {
	number = stripWhitespace(number)
	if number == "" {
		m.logger.Warn("place call rejected: empty destination")
		return false
	}

	m.mu.Lock()
	if m.placing || m.state.Active() {
		m.mu.Unlock()
		m.logger.Warn("place call rejected: session already active", "number", number)
		return false
	}

	strat := m.strategy
	if tenant != nil && relayComplete(*tenant) {
		strat = &RelayStrategy{Config: relayConfigFor(*tenant)}
		if m.machine.Current() == phaseUninitialized {
			m.fireLocked(ctx, eventInitialize)
		}
	}
	if strat == nil {
		m.mu.Unlock()
		m.logger.Warn("place call rejected: not initialized and no relay override")
		return false
	}

	extension := m.employee.Extension
	if employee != nil && employee.Extension != "" {
		extension = employee.Extension
	}

	m.placing = true
	gen := m.generation
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.placing = false
		m.mu.Unlock()
	}()

	if m.alloc == nil {
		m.logger.Error("place call failed: no media allocator configured")
		return false
	}
	capture, err := m.alloc.Acquire()
	if err != nil {
		// Permission/device failure: state stays at baseline.
		m.logger.Error("local audio acquisition failed", "error", err)
		return false
	}

	switch s := strat.(type) {
	case *RelayStrategy:
		return m.placeRelayCall(ctx, s.Config, extension, number, capture, gen)
	case *DirectStrategy:
		return m.placeDirectCall(ctx, number, capture, gen)
	default:
		capture.Stop()
		m.logger.Error("unknown strategy", "strategy", strat.Name())
		return false
	}
}

// placeRelayCall starts a call through the control-plane relay and
// schedules the ringing→connected auto-promotion.
func (m *Manager) placeRelayCall(ctx context.Context, cfg RelayConfig, extension, number string, capture *media.Capture, gen uint64) bool {
	if m.control == nil {
		capture.Stop()
		m.logger.Error("relay strategy selected but no control-plane client configured")
		return false
	}

	remoteID, err := m.control.StartCall(ctx, cfg, extension, number)
	if err != nil {
		capture.Stop()
		m.logger.Error("relay start call failed", "number", number, "error", err)
		return false
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		capture.Stop()
		// The session was torn down while the relay call was starting;
		// best effort to not leave the PBX leg dangling.
		if err := m.control.EndCall(ctx, cfg, remoteID); err != nil {
			m.logger.Warn("relay end for stale call failed", "remote_call_id", remoteID, "error", err)
		}
		m.logger.Info("discarding stale relay call", "remote_call_id", remoteID)
		return false
	}

	m.active = &activeSession{
		id:           uuid.NewString(),
		number:       number,
		relayCfg:     cfg,
		remoteCallID: remoteID,
	}
	m.state.LocalCapture = capture
	m.fireLocked(ctx, eventDial)
	m.applyPhaseLocked()
	st := m.state
	sessionID := m.active.id

	m.promoTimer = time.AfterFunc(m.promotion, func() {
		m.promoteRelayCall(gen)
	})
	m.mu.Unlock()

	m.logger.Info("relay call ringing",
		"session_id", sessionID,
		"number", number,
		"remote_call_id", remoteID,
	)
	m.subs.notify(st)
	return true
}

// promoteRelayCall optimistically marks a ringing relay call as connected.
// No-op if the session ended or was replaced in the meantime.
func (m *Manager) promoteRelayCall(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.machine.Current() != phaseRinging {
		m.mu.Unlock()
		return
	}
	m.fireLocked(context.Background(), eventAnswer)
	m.applyPhaseLocked()
	st := m.state
	m.mu.Unlock()

	m.logger.Info("relay call assumed answered")
	m.subs.notify(st)
}

// placeDirectCall sends a signaling invite carrying the capture's offer.
func (m *Manager) placeDirectCall(ctx context.Context, number string, capture *media.Capture, gen uint64) bool {
	if m.dialer == nil || !m.dialerConnectedNow() {
		capture.Stop()
		m.logger.Error("direct strategy selected but signaling transport is down")
		return false
	}

	offer, err := capture.Offer()
	if err != nil {
		capture.Stop()
		m.logger.Error("building sdp offer failed", "error", err)
		return false
	}

	events := SessionEvents{
		Established: func(answerSDP []byte) { m.onEstablished(gen, answerSDP) },
		Terminated:  func() { m.onRemoteTerminated(gen) },
	}

	sess, err := m.dialer.Invite(ctx, number, offer, events)
	if err != nil {
		capture.Stop()
		m.logger.Error("signaling invite failed", "number", number, "error", err)
		return false
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		sess.Terminate(ctx)
		capture.Stop()
		m.logger.Info("discarding stale signaling session", "session_id", sess.ID())
		return false
	}

	m.active = &activeSession{
		id:      uuid.NewString(),
		number:  number,
		session: sess,
	}
	m.state.LocalCapture = capture
	m.fireLocked(ctx, eventDial)
	m.applyPhaseLocked()
	st := m.state
	m.mu.Unlock()

	m.logger.Info("direct call ringing", "number", number, "dialog_id", sess.ID())
	m.subs.notify(st)
	return true
}

// onEstablished handles the signaling established transition: bind the
// remote stream to a playback sink and mark the call connected.
func (m *Manager) onEstablished(gen uint64, answerSDP []byte) {
	m.mu.Lock()
	if m.generation != gen || m.machine.Current() != phaseRinging {
		m.mu.Unlock()
		return
	}

	remote, err := media.ParseAnswer(answerSDP)
	if err != nil {
		// Keep the call up; audio binding is best effort.
		m.logger.Warn("parsing remote answer failed", "error", err)
	} else {
		m.state.RemoteStream = remote
		m.state.Playback = media.NewPlayback(m.state.LocalCapture, remote, m.logger)
	}

	m.fireLocked(context.Background(), eventAnswer)
	m.applyPhaseLocked()
	st := m.state
	m.mu.Unlock()

	m.logger.Info("direct call established")
	m.subs.notify(st)
}

// onRemoteTerminated handles a remote hangup, rejection or timeout.
func (m *Manager) onRemoteTerminated(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.active == nil {
		m.mu.Unlock()
		return
	}
	m.generation++
	st, handles := m.resetSessionLocked(context.Background())
	m.mu.Unlock()

	handles.release()
	m.logger.Info("call ended by remote side")
	m.subs.notify(st)
}

// EndCurrentCall terminates the active session, releases all media handles
// and resets the CallState to baseline, notifying subscribers exactly once.
// Idempotent: with no active session it returns without side effects.
func (m *Manager) EndCurrentCall(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	if m.active == nil && !m.state.Active() {
		m.mu.Unlock()
		return
	}
	active := m.active
	st, handles := m.resetSessionLocked(ctx)
	m.mu.Unlock()

	if active != nil {
		m.terminateSession(ctx, active)
	}
	handles.release()
	m.logger.Info("call ended")
	m.subs.notify(st)
}

// TeardownTransport ends any active call and additionally releases the
// signaling transport and the resolved strategy, returning the manager to
// the uninitialized condition. Safe to call repeatedly and before any
// Initialize.
func (m *Manager) TeardownTransport(ctx context.Context) {
	m.EndCurrentCall(ctx)

	m.mu.Lock()
	m.generation++
	hadStrategy := m.strategy != nil
	closeDialer := m.dialerConnected
	m.strategy = nil
	m.dialerConnected = false
	if m.machine.Current() != phaseUninitialized {
		m.fireLocked(ctx, eventTeardown)
		m.applyPhaseLocked()
	}
	m.mu.Unlock()

	if closeDialer && m.dialer != nil {
		m.dialer.Close()
	}
	if hadStrategy {
		m.logger.Info("call transport torn down")
	}
}

// CurrentState returns a copy of the CallState; callers cannot corrupt
// manager-owned state through it.
func (m *Manager) CurrentState() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for synchronous state-change notifications and
// returns a function that removes exactly this subscription.
func (m *Manager) Subscribe(fn Subscriber) func() {
	return m.subs.subscribe(fn)
}

// ActiveSessionCount reports 0 or 1; the manager supports a single session.
// Used by the metrics collector.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return 1
	}
	return 0
}

// sessionHandles carries media handles out of the lock for release.
type sessionHandles struct {
	capture  *media.Capture
	playback *media.Playback
}

func (h sessionHandles) release() {
	if h.playback != nil {
		h.playback.Stop()
	}
	if h.capture != nil {
		h.capture.Stop()
	}
}

// resetSessionLocked clears the active session and resets the CallState to
// baseline, returning the post-reset snapshot and the handles to release.
// Caller holds m.mu.
func (m *Manager) resetSessionLocked(ctx context.Context) (CallState, sessionHandles) {
	if m.promoTimer != nil {
		m.promoTimer.Stop()
		m.promoTimer = nil
	}

	handles := sessionHandles{
		capture:  m.state.LocalCapture,
		playback: m.state.Playback,
	}

	m.active = nil
	cur := m.machine.Current()
	if cur == phaseRinging || cur == phaseConnected {
		m.fireLocked(ctx, eventHangup)
	}
	m.state.reset()
	m.applyPhaseLocked()

	return m.state, handles
}

// terminateSession tears down the strategy-specific remote leg. Failures
// are logged and swallowed: local state must reach baseline regardless of
// relay or signaling reachability.
func (m *Manager) terminateSession(ctx context.Context, active *activeSession) {
	switch {
	case active.session != nil:
		active.session.Terminate(ctx)
	case active.remoteCallID != "":
		if m.control == nil {
			return
		}
		if err := m.control.EndCall(ctx, active.relayCfg, active.remoteCallID); err != nil {
			m.logger.Warn("relay end call failed",
				"remote_call_id", active.remoteCallID,
				"error", err,
			)
		}
	}
}

// fireLocked drives the phase machine. Every call site guards the event
// with a Current() check, so a rejected transition points at a guard bug.
// Caller holds m.mu.
func (m *Manager) fireLocked(ctx context.Context, event string) {
	if err := m.machine.Event(ctx, event); err != nil {
		m.logger.Debug("phase transition rejected", "event", event, "error", err)
	}
}

// applyPhaseLocked derives the CallState booleans and timestamps from the
// machine's current phase. The single place the flags are written keeps
// Connected and Ringing mutually exclusive. Caller holds m.mu.
func (m *Manager) applyPhaseLocked() {
	switch m.machine.Current() {
	case phaseRinging:
		m.state.Ringing = true
		m.state.Connected = false
		if m.state.StartedAt.IsZero() {
			m.state.StartedAt = time.Now()
		}
	case phaseConnected:
		m.state.Ringing = false
		m.state.Connected = true
		if m.state.ConnectedAt.IsZero() {
			m.state.ConnectedAt = time.Now()
		}
	default:
		m.state.Ringing = false
		m.state.Connected = false
	}
}

func (m *Manager) dialerConnectedNow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialerConnected
}

// stripWhitespace removes every whitespace rune from the dialed number.
// Numbers are not otherwise validated or normalized; a malformed number is
// the PBX's failure to report.
func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
