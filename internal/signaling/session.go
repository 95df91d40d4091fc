package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/camera-backend/internal/bridge"
	"github.com/pion/webrtc/v4"
)

// Session is the central entity: one browser preview of one camera. All SDP
// and state mutation is serialized through mu; adapter I/O never happens
// while mu is held. Candidates destined for the adapter go through an
// ordered apply queue drained outside the lock.
type Session struct {
	id        string
	cfg       bridge.CaptureConfig
	createdAt time.Time

	mu                sync.Mutex
	state             State
	reason            string
	localDescription  string
	remoteDescription string
	pending           []webrtc.ICECandidateInit
	applyQueue        []webrtc.ICECandidateInit
	applying          bool
	negotiation       bridge.Negotiation
	offerInFlight     bool
	stats             bridge.Stats
	pollMisses        int
	lastActivity      time.Time

	localCh   chan webrtc.ICECandidateInit
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// Status is a copy-on-read snapshot of a session.
type Status struct {
	ID             string
	State          State
	Reason         string
	Stats          bridge.Stats
	CreatedAt      time.Time
	LastActivityAt time.Time
	PollMisses     int
}

func newSession(id string, cfg bridge.CaptureConfig, localBuf int, log *slog.Logger) *Session {
	if localBuf <= 0 {
		localBuf = 128
	}
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	return &Session{
		id:           id,
		cfg:          cfg,
		createdAt:    now,
		state:        StateCreated,
		lastActivity: now,
		localCh:      make(chan webrtc.ICECandidateInit, localBuf),
		done:         make(chan struct{}),
		log:          log.With("session_id", id),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() bridge.CaptureConfig {
	return s.cfg
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LocalCandidates is the trickle path back to the browser: buffered local
// candidates first, then live ones as the pipeline discovers them.
func (s *Session) LocalCandidates() <-chan webrtc.ICECandidateInit {
	return s.localCh
}

func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:             s.id,
		State:          s.state,
		Reason:         s.reason,
		Stats:          s.stats,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		PollMisses:     s.pollMisses,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// transition moves the session along the legal transition table. Illegal
// moves are refused, not applied.
func (s *Session) transition(to State, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, reason)
}

func (s *Session) transitionLocked(to State, reason string) bool {
	if !s.state.CanTransition(to) {
		s.log.Warn("illegal state transition refused", "from", s.state, "to", to)
		return false
	}
	s.log.Debug("state transition", "from", s.state, "to", to, "reason", reason)
	s.state = to
	if reason != "" {
		s.reason = reason
	}
	s.lastActivity = time.Now()
	return true
}

// addRemoteCandidate buffers the candidate until the remote description is
// applied, then routes it through the ordered apply queue. Terminal sessions
// swallow late trickle candidates without error.
func (s *Session) addRemoteCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	if s.negotiation == nil {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return
	}
	s.applyQueue = append(s.applyQueue, candidate)
	s.startApplierLocked()
	s.mu.Unlock()
}

// attachNegotiation records both descriptions, releases the pending buffer
// into the apply queue (receipt order, strictly ahead of any live candidate)
// and moves the session to Negotiating. Returns false if the session was
// closed while the offer was in flight.
func (s *Session) attachNegotiation(offer string, neg bridge.Negotiation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.remoteDescription = offer
	s.localDescription = neg.Answer()
	s.negotiation = neg
	s.applyQueue = append(s.applyQueue, s.pending...)
	s.pending = nil
	s.transitionLocked(StateNegotiating, "")
	s.startApplierLocked()
	return true
}

func (s *Session) startApplierLocked() {
	if s.applying || len(s.applyQueue) == 0 || s.negotiation == nil {
		return
	}
	s.applying = true
	go s.runApplier()
}

// runApplier drains the candidate queue one at a time, holding the lock only
// between adapter calls so receipt order is preserved without doing I/O
// under the serialization point.
func (s *Session) runApplier() {
	for {
		s.mu.Lock()
		if len(s.applyQueue) == 0 || s.state.Terminal() || s.negotiation == nil {
			s.applying = false
			s.mu.Unlock()
			return
		}
		candidate := s.applyQueue[0]
		s.applyQueue = s.applyQueue[1:]
		neg := s.negotiation
		s.mu.Unlock()

		if err := neg.AddCandidate(candidate); err != nil {
			s.log.Warn("failed to apply remote candidate", "error", err)
		}
	}
}

func (s *Session) sendLocalCandidate(candidate webrtc.ICECandidateInit) {
	select {
	case <-s.done:
	case s.localCh <- candidate:
	default:
		s.log.Warn("local candidate dropped, buffer full")
	}
}

// hasDescriptions reports whether both SDP blobs are recorded; Connected is
// only ever entered once this holds.
func (s *Session) hasDescriptions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDescription != "" && s.remoteDescription != ""
}

// markConnected is applied by the supervisor on a connected state-stream
// event. Refused unless both descriptions are present.
func (s *Session) markConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localDescription == "" || s.remoteDescription == "" {
		s.log.Warn("connected event before descriptions were set, ignored")
		return false
	}
	return s.transitionLocked(StateConnected, "")
}

func (s *Session) fail(reason string) bool {
	return s.transition(StateFailed, reason)
}

// updateStats overwrites the snapshot with a fresh sample. Frame counters are
// monotonic within a connected lifetime: a sample that would roll them back
// keeps the previous values.
func (s *Session) updateStats(sample bridge.Stats) {
	s.mu.Lock()
	if sample.FramesReceived < s.stats.FramesReceived {
		sample.FramesReceived = s.stats.FramesReceived
	}
	if sample.FramesDropped < s.stats.FramesDropped {
		sample.FramesDropped = s.stats.FramesDropped
	}
	s.stats = sample
	s.pollMisses = 0
	s.mu.Unlock()
}

func (s *Session) recordPollMiss() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollMisses++
	return s.pollMisses
}

// negotiationHandle returns the attached negotiation, nil before SubmitOffer
// completes or after close.
func (s *Session) negotiationHandle() bridge.Negotiation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiation
}

// close releases everything exactly once: the done channel cancels in-flight
// work and pending timers, the negotiation is closed, buffers are freed.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.transitionLocked(StateClosed, reason)
		neg := s.negotiation
		s.negotiation = nil
		s.pending = nil
		s.applyQueue = nil
		s.mu.Unlock()

		close(s.done)
		if neg != nil {
			if err := neg.Close(); err != nil {
				s.log.Warn("closing negotiation", "error", err)
			}
		}
		s.log.Info("session closed", "reason", reason)
	})
}
