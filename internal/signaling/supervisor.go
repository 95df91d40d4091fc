package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/camera-backend/internal/bridge"
)

// supervisor reacts to the adapter's state stream per session and owns every
// teardown timer: the disconnect grace window, the failed auto-close delay
// and the idle sweep. All timers die with the session's done channel, so
// nothing fires after Closed.
type supervisor struct {
	g   *Gateway
	cfg Config
	log *slog.Logger
}

func newSupervisor(g *Gateway, cfg Config, log *slog.Logger) *supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &supervisor{
		g:   g,
		cfg: cfg,
		log: log.With("component", "supervisor"),
	}
}

// watch consumes the negotiation's state stream until the session closes.
func (sv *supervisor) watch(s *Session, neg bridge.Negotiation) {
	sv.g.track(func() { sv.watchLoop(s, neg) })
}

func (sv *supervisor) watchLoop(s *Session, neg bridge.Negotiation) {
	var grace *time.Timer
	var graceC <-chan time.Time

	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace = nil
			graceC = nil
		}
	}
	defer stopGrace()

	for {
		select {
		case <-s.Done():
			return

		case change, ok := <-neg.States():
			if !ok {
				return
			}
			switch change.State {
			case bridge.StateConnecting:
				// ICE still working, nothing to decide yet

			case bridge.StateConnected:
				stopGrace()
				if s.markConnected() {
					sv.log.Info("session connected", "session_id", s.ID())
				}

			case bridge.StateDisconnected:
				if s.State() != StateConnected {
					continue
				}
				reason := change.Reason
				if reason == "" {
					reason = "connection interrupted"
				}
				if s.transition(StateDisconnected, reason) {
					sv.log.Warn("session disconnected, starting grace timer",
						"session_id", s.ID(), "grace", sv.cfg.DisconnectGrace)
					stopGrace()
					grace = time.NewTimer(sv.cfg.DisconnectGrace)
					graceC = grace.C
				}

			case bridge.StateFailed:
				stopGrace()
				reason := change.Reason
				if reason == "" {
					reason = "connection failed"
				}
				sv.failSession(s, reason)
			}

		case <-graceC:
			grace = nil
			graceC = nil
			if s.State() == StateDisconnected {
				sv.failSession(s, "disconnect grace period exceeded")
			}
		}
	}
}

func (sv *supervisor) failSession(s *Session, reason string) {
	if s.fail(reason) {
		sv.g.metrics.SessionFailed()
		sv.log.Warn("session failed", "session_id", s.ID(), "reason", reason)
	}
	sv.scheduleClose(s)
}

// scheduleClose removes a failed session after a bounded delay so the client
// can observe the terminal state once before the id disappears.
func (sv *supervisor) scheduleClose(s *Session) {
	sv.g.track(func() {
		select {
		case <-s.Done():
		case <-time.After(sv.cfg.FailedCloseDelay):
			_ = sv.g.stop(s.ID(), "closed after failure")
		}
	})
}

// runSweep periodically force-closes abandoned negotiations and demotes
// connected sessions whose stats source went silent.
func (sv *supervisor) runSweep(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.sweep()
		}
	}
}

func (sv *supervisor) sweep() {
	now := time.Now()
	for _, s := range sv.g.list() {
		st := s.Snapshot()

		switch st.State {
		case StateCreated, StateNegotiating:
			if now.Sub(st.LastActivityAt) > sv.cfg.IdleTimeout {
				sv.log.Info("closing idle session", "session_id", st.ID, "state", st.State)
				_ = sv.g.stop(st.ID, "idle timeout")
			}

		case StateConnected:
			if st.PollMisses >= sv.cfg.PollMissLimit {
				sv.failSession(s, "stats source unreachable")
			}
		}
	}
}
