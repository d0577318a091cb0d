package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// State is the negotiation lifecycle of one session.
//
//	NEW --(role=offerer)--> OFFER_SENT --(remote answer)--> CONNECTED
//	NEW --(role=answerer)-> AWAITING_OFFER --(remote offer)--> ANSWER_SENT --(media connected)--> CONNECTED
//	CONNECTED --(media failure | remote disconnect)--> CLOSED
//	any state --(explicit leave)--> CLOSED
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAwaitingOffer
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer_sent"
	case StateAwaitingOffer:
		return "awaiting_offer"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) negotiating() bool {
	switch s {
	case StateNew, StateOfferSent, StateAwaitingOffer, StateAnswerSent:
		return true
	default:
		return false
	}
}

// session is the per-remote-peer record. All fields are guarded by the
// Manager's mutex; async negotiation steps re-check pointer identity in the
// session table before applying results, so steps belonging to a closed or
// replaced session discard their work.
type session struct {
	remoteID string
	role     Role
	state    State
	conn     MediaConn

	// Candidates received before the remote description exists are held
	// here, then applied in receipt order the moment it is set.
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	timer *time.Timer
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
