package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultNegotiationTimeout bounds how long a session may sit in a
// pre-connected state before it is torn down.
const DefaultNegotiationTimeout = 20 * time.Second

// ErrNegotiationTimeout is reported through Events.OnNegotiationFailed when a
// session fails to reach CONNECTED within the configured window.
var ErrNegotiationTimeout = errors.New("negotiation timed out")

// SignalSender delivers an opaque signaling payload to one remote peer,
// normally by wrapping it in a relay "signal" message.
type SignalSender interface {
	SendSignal(targetUserID string, payload []byte) error
}

// SignalSenderFunc adapts a function to SignalSender.
type SignalSenderFunc func(targetUserID string, payload []byte) error

func (f SignalSenderFunc) SendSignal(targetUserID string, payload []byte) error {
	return f(targetUserID, payload)
}

// Events are the Manager's upward notifications. Callbacks are invoked
// outside the Manager's lock and may call back into it. Nil callbacks are
// skipped.
type Events struct {
	// OnConnected fires once per session when it reaches CONNECTED.
	OnConnected func(remoteID string, conn MediaConn)
	// OnClosed fires when an established session ends, whether through
	// RemovePeer, CloseAll or a media-layer failure.
	OnClosed func(remoteID string)
	// OnNegotiationFailed fires when a session is torn down before ever
	// reaching CONNECTED. Other sessions are unaffected.
	OnNegotiationFailed func(remoteID string, err error)
}

// Options configures a Manager.
type Options struct {
	// LocalID is this client's identity as assigned by the relay.
	LocalID string
	// NewConn builds the media connection backing one session.
	NewConn func() (MediaConn, error)
	// Sender carries outbound signaling payloads.
	Sender SignalSender
	Events Events
	// Less orders two identities; the lesser of the pair makes the offer.
	// Defaults to lexicographic comparison.
	Less func(a, b string) bool
	// NegotiationTimeout defaults to DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration
	Logger             *slog.Logger
	// Tracks are attached to every session at creation. More can be added
	// later with AttachTrack.
	Tracks []webrtc.TrackLocal
}

// Manager owns one session per remote room member and drives each through
// offer/answer negotiation. It assumes exactly one Manager per joined room.
type Manager struct {
	localID string
	newConn func() (MediaConn, error)
	sender  SignalSender
	events  Events
	less    func(a, b string) bool
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	tracks   []webrtc.TrackLocal
	closed   bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.LocalID == "" {
		return nil, errors.New("peer: local identity is required")
	}
	if opts.NewConn == nil {
		return nil, errors.New("peer: connection factory is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("peer: signal sender is required")
	}
	less := opts.Less
	if less == nil {
		less = func(a, b string) bool { return a < b }
	}
	timeout := opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		localID:  opts.LocalID,
		newConn:  opts.NewConn,
		sender:   opts.Sender,
		events:   opts.Events,
		less:     less,
		timeout:  timeout,
		log:      log,
		sessions: make(map[string]*session),
		tracks:   append([]webrtc.TrackLocal(nil), opts.Tracks...),
	}, nil
}

// AddPeer starts a session with a newly discovered room member. Discovering
// the same member again while its session is live is a no-op; a fresh
// discovery after the previous session closed starts a clean session.
func (m *Manager) AddPeer(remoteID string) error {
	if remoteID == m.localID {
		return fmt.Errorf("peer: refusing session with self %q", remoteID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("peer: manager is closed")
	}
	if existing, ok := m.sessions[remoteID]; ok && existing.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.newConn()
	if err != nil {
		return fmt.Errorf("peer: create connection for %q: %w", remoteID, err)
	}

	sess := &session{remoteID: remoteID, conn: conn}
	if m.less(m.localID, remoteID) {
		sess.role = RoleOfferer
		sess.state = StateNew
	} else {
		sess.role = RoleAnswerer
		sess.state = StateAwaitingOffer
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return errors.New("peer: manager is closed")
	}
	if existing, ok := m.sessions[remoteID]; ok && existing.state != StateClosed {
		// Lost a race with a concurrent discovery of the same member.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.sessions[remoteID] = sess
	tracks := append([]webrtc.TrackLocal(nil), m.tracks...)
	sess.timer = time.AfterFunc(m.timeout, func() { m.negotiationExpired(sess) })
	m.mu.Unlock()

	for _, track := range tracks {
		if err := conn.AddTrack(track); err != nil {
			m.failSession(sess, fmt.Errorf("add track: %w", err))
			return err
		}
	}

	conn.OnICECandidate(func(init webrtc.ICECandidateInit) {
		m.sendCandidate(sess, init)
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.connStateChanged(sess, state)
	})

	m.log.Debug("peer session started",
		slog.String("remote", remoteID), slog.String("role", sess.role.String()))

	if sess.role == RoleOfferer {
		go m.sendOffer(sess, false)
	}
	return nil
}

// HandleSignal applies one relayed payload from fromID to that peer's
// session. Payloads from unknown peers and payloads that do not fit the
// session's current state are dropped.
func (m *Manager) HandleSignal(fromID string, raw []byte) error {
	payload, err := ParsePayload(raw)
	if err != nil {
		return fmt.Errorf("peer: payload from %q: %w", fromID, err)
	}

	m.mu.Lock()
	sess, ok := m.sessions[fromID]
	if !ok || sess.state == StateClosed {
		m.mu.Unlock()
		m.log.Debug("dropping signal from unknown peer", slog.String("from", fromID))
		return nil
	}

	if payload.Candidate != nil {
		init := payload.Candidate.ToPion()
		if !sess.remoteDescSet {
			sess.pending = append(sess.pending, init)
			m.mu.Unlock()
			return nil
		}
		conn := sess.conn
		m.mu.Unlock()
		if err := conn.AddICECandidate(init); err != nil {
			m.log.Warn("apply candidate failed",
				slog.String("from", fromID), slog.Any("err", err))
		}
		return nil
	}

	desc, err := payload.SDP.ToPion()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("peer: payload from %q: %w", fromID, err)
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if sess.state != StateAwaitingOffer && sess.state != StateConnected {
			state := sess.state
			m.mu.Unlock()
			m.log.Debug("dropping offer in unexpected state",
				slog.String("from", fromID), slog.String("state", state.String()))
			return nil
		}
		m.mu.Unlock()
		m.applyOffer(sess, desc)
	case webrtc.SDPTypeAnswer:
		if sess.state != StateOfferSent && sess.state != StateConnected {
			state := sess.state
			m.mu.Unlock()
			m.log.Debug("dropping answer in unexpected state",
				slog.String("from", fromID), slog.String("state", state.String()))
			return nil
		}
		m.mu.Unlock()
		m.applyAnswer(sess, desc)
	default:
		m.mu.Unlock()
	}
	return nil
}

// RemovePeer closes the session with a member that left the room. Unknown
// members are a no-op.
func (m *Manager) RemovePeer(remoteID string) {
	m.mu.Lock()
	sess, ok := m.sessions[remoteID]
	if !ok || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	wasConnected := sess.state == StateConnected
	m.closeSessionLocked(sess)
	m.mu.Unlock()

	if wasConnected && m.events.OnClosed != nil {
		m.events.OnClosed(remoteID)
	}
}

// CloseAll tears down every session and renders the Manager unusable. Used
// when the client leaves the room or loses the relay connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	var connected []string
	for _, sess := range m.sessions {
		if sess.state == StateConnected {
			connected = append(connected, sess.remoteID)
		}
		m.closeSessionLocked(sess)
	}
	m.mu.Unlock()

	if m.events.OnClosed != nil {
		for _, id := range connected {
			m.events.OnClosed(id)
		}
	}
}

// AttachTrack adds a local media track to every live session and to all
// sessions created afterwards. Established sessions renegotiate so the remote
// side learns about the new track.
func (m *Manager) AttachTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("peer: manager is closed")
	}
	m.tracks = append(m.tracks, track)
	var live []*session
	for _, sess := range m.sessions {
		if sess.state != StateClosed {
			live = append(live, sess)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, sess := range live {
		if err := sess.conn.AddTrack(track); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("peer: add track for %q: %w", sess.remoteID, err)
			}
			continue
		}
		m.mu.Lock()
		renegotiate := m.sessions[sess.remoteID] == sess && sess.state == StateConnected
		m.mu.Unlock()
		if renegotiate {
			go m.sendOffer(sess, true)
		}
	}
	return firstErr
}

// Sessions reports the remote identity and state of every non-closed session.
func (m *Manager) Sessions() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.sessions))
	for id, sess := range m.sessions {
		if sess.state != StateClosed {
			out[id] = sess.state
		}
	}
	return out
}

// sendOffer runs the offer leg. renegotiation distinguishes a mid-session
// re-offer, which must not disturb the CONNECTED state, from the initial one.
func (m *Manager) sendOffer(sess *session, renegotiation bool) {
	offer, err := sess.conn.CreateOffer()
	if err != nil {
		m.failSession(sess, fmt.Errorf("create offer: %w", err))
		return
	}

	m.mu.Lock()
	if m.sessions[sess.remoteID] != sess || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if !renegotiation {
		sess.state = StateOfferSent
	}
	m.mu.Unlock()

	payload, err := marshalSDPPayload(offer)
	if err != nil {
		m.failSession(sess, fmt.Errorf("encode offer: %w", err))
		return
	}
	if err := m.sender.SendSignal(sess.remoteID, payload); err != nil {
		m.failSession(sess, fmt.Errorf("send offer: %w", err))
	}
}

// applyOffer runs the answer leg after an offer arrived.
func (m *Manager) applyOffer(sess *session, desc webrtc.SessionDescription) {
	if err := sess.conn.SetRemoteDescription(desc); err != nil {
		m.failSession(sess, fmt.Errorf("apply offer: %w", err))
		return
	}
	m.flushCandidates(sess)

	answer, err := sess.conn.CreateAnswer()
	if err != nil {
		m.failSession(sess, fmt.Errorf("create answer: %w", err))
		return
	}

	m.mu.Lock()
	if m.sessions[sess.remoteID] != sess || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if sess.state == StateAwaitingOffer {
		sess.state = StateAnswerSent
	}
	m.mu.Unlock()

	payload, err := marshalSDPPayload(answer)
	if err != nil {
		m.failSession(sess, fmt.Errorf("encode answer: %w", err))
		return
	}
	if err := m.sender.SendSignal(sess.remoteID, payload); err != nil {
		m.failSession(sess, fmt.Errorf("send answer: %w", err))
	}
}

// applyAnswer finishes the offerer's leg. Once the answer is applied the
// offerer considers the session established even if media is still ramping.
func (m *Manager) applyAnswer(sess *session, desc webrtc.SessionDescription) {
	if err := sess.conn.SetRemoteDescription(desc); err != nil {
		m.failSession(sess, fmt.Errorf("apply answer: %w", err))
		return
	}
	m.flushCandidates(sess)

	m.mu.Lock()
	if m.sessions[sess.remoteID] != sess || sess.state != StateOfferSent {
		m.mu.Unlock()
		return
	}
	sess.state = StateConnected
	sess.stopTimer()
	m.mu.Unlock()

	m.log.Info("peer session established", slog.String("remote", sess.remoteID))
	if m.events.OnConnected != nil {
		m.events.OnConnected(sess.remoteID, sess.conn)
	}
}

// flushCandidates applies buffered candidates in receipt order once the
// remote description is in place.
func (m *Manager) flushCandidates(sess *session) {
	m.mu.Lock()
	if m.sessions[sess.remoteID] != sess || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	sess.remoteDescSet = true
	pending := sess.pending
	sess.pending = nil
	conn := sess.conn
	m.mu.Unlock()

	for _, init := range pending {
		if err := conn.AddICECandidate(init); err != nil {
			m.log.Warn("apply buffered candidate failed",
				slog.String("remote", sess.remoteID), slog.Any("err", err))
		}
	}
}

func (m *Manager) sendCandidate(sess *session, init webrtc.ICECandidateInit) {
	m.mu.Lock()
	stale := m.sessions[sess.remoteID] != sess || sess.state == StateClosed
	m.mu.Unlock()
	if stale {
		return
	}
	payload, err := marshalCandidatePayload(init)
	if err != nil {
		m.log.Warn("encode candidate failed",
			slog.String("remote", sess.remoteID), slog.Any("err", err))
		return
	}
	if err := m.sender.SendSignal(sess.remoteID, payload); err != nil {
		m.log.Warn("send candidate failed",
			slog.String("remote", sess.remoteID), slog.Any("err", err))
	}
}

func (m *Manager) connStateChanged(sess *session, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.sessions[sess.remoteID] != sess || sess.state != StateAnswerSent {
			m.mu.Unlock()
			return
		}
		sess.state = StateConnected
		sess.stopTimer()
		m.mu.Unlock()

		m.log.Info("peer session established", slog.String("remote", sess.remoteID))
		if m.events.OnConnected != nil {
			m.events.OnConnected(sess.remoteID, sess.conn)
		}
	case webrtc.PeerConnectionStateFailed:
		m.mu.Lock()
		if m.sessions[sess.remoteID] != sess || sess.state == StateClosed {
			m.mu.Unlock()
			return
		}
		wasConnected := sess.state == StateConnected
		m.closeSessionLocked(sess)
		m.mu.Unlock()

		if wasConnected {
			m.log.Warn("peer session lost", slog.String("remote", sess.remoteID))
			if m.events.OnClosed != nil {
				m.events.OnClosed(sess.remoteID)
			}
			return
		}
		if m.events.OnNegotiationFailed != nil {
			m.events.OnNegotiationFailed(sess.remoteID, errors.New("media connection failed"))
		}
	}
}

// negotiationExpired fires from the session timer. A session that reached
// CONNECTED or was replaced in the meantime is left alone.
func (m *Manager) negotiationExpired(sess *session) {
	m.mu.Lock()
	if m.sessions[sess.remoteID] != sess || !sess.state.negotiating() {
		m.mu.Unlock()
		return
	}
	m.closeSessionLocked(sess)
	m.mu.Unlock()

	m.log.Warn("peer negotiation timed out", slog.String("remote", sess.remoteID))
	if m.events.OnNegotiationFailed != nil {
		m.events.OnNegotiationFailed(sess.remoteID, ErrNegotiationTimeout)
	}
}

// failSession tears down a session that broke before or during negotiation.
func (m *Manager) failSession(sess *session, cause error) {
	m.mu.Lock()
	if m.sessions[sess.remoteID] != sess || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	wasConnected := sess.state == StateConnected
	m.closeSessionLocked(sess)
	m.mu.Unlock()

	m.log.Warn("peer session failed",
		slog.String("remote", sess.remoteID), slog.Any("err", cause))
	if wasConnected {
		if m.events.OnClosed != nil {
			m.events.OnClosed(sess.remoteID)
		}
		return
	}
	if m.events.OnNegotiationFailed != nil {
		m.events.OnNegotiationFailed(sess.remoteID, cause)
	}
}

// closeSessionLocked moves a session to CLOSED and releases its resources.
// Caller holds m.mu and is responsible for emitting the matching event.
func (m *Manager) closeSessionLocked(sess *session) {
	sess.state = StateClosed
	sess.stopTimer()
	sess.pending = nil
	if m.sessions[sess.remoteID] == sess {
		delete(m.sessions, sess.remoteID)
	}
	sess.conn.Close()
}
