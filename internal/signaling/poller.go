package signaling

import (
	"context"
	"log/slog"
	"time"
)

// poller samples connection quality from the media bridge on a shared
// interval while sessions are Negotiating or Connected. It only ever writes
// the stats snapshot and the miss counter; state is the supervisor's job.
type poller struct {
	g   *Gateway
	cfg Config
	log *slog.Logger
}

func newPoller(g *Gateway, cfg Config, log *slog.Logger) *poller {
	if log == nil {
		log = slog.Default()
	}
	return &poller{
		g:   g,
		cfg: cfg,
		log: log.With("component", "stats_poller"),
	}
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *poller) pollAll(ctx context.Context) {
	for _, s := range p.g.list() {
		state := s.State()
		if state != StateNegotiating && state != StateConnected && state != StateDisconnected {
			continue
		}
		neg := s.negotiationHandle()
		if neg == nil {
			continue
		}

		sampleCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
		sample, err := neg.Stats(sampleCtx)
		cancel()

		if err != nil {
			misses := s.recordPollMiss()
			p.log.Debug("stats poll missed", "session_id", s.ID(), "misses", misses, "error", err)
			continue
		}
		s.updateStats(sample)
	}
}
