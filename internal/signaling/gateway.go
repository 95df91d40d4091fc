package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/camera-backend/internal/bridge"
	"github.com/eleven-am/camera-backend/internal/monitoring"
	"github.com/eleven-am/camera-backend/internal/shared"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config carries the timing knobs of the core. Zero values fall back to the
// reference defaults.
type Config struct {
	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration
	FailedCloseDelay   time.Duration
	IdleTimeout        time.Duration
	IdleSweepInterval  time.Duration
	PollInterval       time.Duration
	PollMissLimit      int
	LocalCandidateBuf  int
}

func (c Config) withDefaults() Config {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 15 * time.Second
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 5 * time.Second
	}
	if c.FailedCloseDelay <= 0 {
		c.FailedCloseDelay = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMissLimit <= 0 {
		c.PollMissLimit = 3
	}
	if c.LocalCandidateBuf <= 0 {
		c.LocalCandidateBuf = 128
	}
	return c
}

// Directory answers whether a host/camera combination is currently valid.
// Typically backed by the capture host registry; nil skips the check.
type Directory interface {
	HasCamera(hostID, camera string) bool
}

// CreateRequest is the capture configuration for a new session.
type CreateRequest struct {
	HostID     string
	Camera     string
	Resolution string
	FPS        int
	Format     string
}

var resolutionRe = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

var supportedFormats = map[string]bool{
	"vp8":  true,
	"vp9":  true,
	"h264": true,
	"av1":  true,
}

// Gateway is the sole point of mutation for sessions. It owns the session
// table, the stats poller and the reconnection/teardown supervisor.
type Gateway struct {
	cfg        Config
	adapter    bridge.Adapter
	directory  Directory
	metrics    *monitoring.Metrics
	supervisor *supervisor
	poller     *poller
	tracer     trace.Tracer
	log        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGateway(cfg Config, adapter bridge.Adapter, directory Directory, metrics *monitoring.Metrics, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       cfg,
		adapter:   adapter,
		directory: directory,
		metrics:   metrics,
		tracer:    otel.Tracer("signaling"),
		log:       log.With("component", "signaling_gateway"),
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.supervisor = newSupervisor(g, cfg, log)
	g.poller = newPoller(g, cfg, log)
	return g
}

// Start launches the shared poller and the idle sweep.
func (g *Gateway) Start() {
	g.track(func() { g.poller.run(g.ctx) })
	g.track(func() { g.supervisor.runSweep(g.ctx) })
}

// track runs fn on the gateway waitgroup unless shutdown has begun. The Add
// happens under the same lock that Close uses to flip the closed flag, so it
// cannot race the final Wait.
func (g *Gateway) track(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// Close stops every session and the background loops.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessions = make(map[string]*Session)
	g.mu.Unlock()

	for _, s := range sessions {
		s.close("gateway shutdown")
		g.metrics.SessionClosed()
	}

	g.cancel()
	g.wg.Wait()
	return nil
}

func (g *Gateway) get(sessionID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	return s, ok
}

func (g *Gateway) list() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// CreateSession validates the capture configuration and registers a new
// session in state Created. Ids are uuids and never reused.
func (g *Gateway) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	_, span := g.tracer.Start(ctx, "signaling.create_session",
		trace.WithAttributes(attribute.String("host_id", req.HostID), attribute.String("camera", req.Camera)))
	defer span.End()

	if err := g.validate(req); err != nil {
		span.RecordError(err)
		return "", err
	}

	id := uuid.New().String()
	session := newSession(id, bridge.CaptureConfig{
		HostID:     req.HostID,
		Camera:     req.Camera,
		Resolution: req.Resolution,
		FPS:        req.FPS,
		Format:     strings.ToLower(req.Format),
	}, g.cfg.LocalCandidateBuf, g.log)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", shared.ErrSessionClosed
	}
	g.sessions[id] = session
	g.mu.Unlock()

	g.metrics.SessionCreated()
	g.log.Info("session created",
		"session_id", id,
		"host_id", req.HostID,
		"camera", req.Camera,
		"resolution", req.Resolution,
		"fps", req.FPS,
		"format", req.Format)
	return id, nil
}

func (g *Gateway) validate(req CreateRequest) error {
	if req.HostID == "" {
		return fmt.Errorf("%w: host id is required", shared.ErrInvalidConfig)
	}
	if req.Camera == "" {
		return fmt.Errorf("%w: camera is required", shared.ErrInvalidConfig)
	}
	if !resolutionRe.MatchString(req.Resolution) {
		return fmt.Errorf("%w: resolution must be WxH, got %q", shared.ErrInvalidConfig, req.Resolution)
	}
	if req.FPS <= 0 || req.FPS > 240 {
		return fmt.Errorf("%w: fps out of range: %d", shared.ErrInvalidConfig, req.FPS)
	}
	if !supportedFormats[strings.ToLower(req.Format)] {
		return fmt.Errorf("%w: unsupported format %q", shared.ErrInvalidConfig, req.Format)
	}
	if g.directory != nil && !g.directory.HasCamera(req.HostID, req.Camera) {
		return fmt.Errorf("%w: unknown host/camera %s/%s", shared.ErrInvalidConfig, req.HostID, req.Camera)
	}
	return nil
}

type negotiateResult struct {
	neg bridge.Negotiation
	err error
}

// SubmitOffer drives one negotiation round. The session lock is never held
// across the adapter call; a stop while the offer is in flight surfaces
// SessionClosed to the caller and discards the late answer.
func (g *Gateway) SubmitOffer(ctx context.Context, sessionID, offer string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "signaling.submit_offer",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	s, ok := g.get(sessionID)
	if !ok {
		return "", shared.ErrSessionNotFound
	}
	if offer == "" {
		return "", fmt.Errorf("%w: empty offer", shared.ErrInvalidConfig)
	}

	if err := g.beginNegotiation(s); err != nil {
		span.RecordError(err)
		return "", err
	}

	started := time.Now()
	nctx, cancel := context.WithTimeout(ctx, g.cfg.NegotiationTimeout)
	defer cancel()

	resultCh := make(chan negotiateResult, 1)
	go func() {
		neg, err := g.adapter.Negotiate(nctx, offer, s.Config())
		resultCh <- negotiateResult{neg: neg, err: err}
	}()

	var result negotiateResult
	select {
	case result = <-resultCh:
	case <-nctx.Done():
		g.endNegotiation(s)
		g.discardLate(resultCh)
		err := fmt.Errorf("%w: negotiation exceeded %s", shared.ErrTimeout, g.cfg.NegotiationTimeout)
		g.failAndScheduleClose(s, "negotiation timed out")
		g.metrics.NegotiationFailed()
		span.RecordError(err)
		return "", err
	case <-s.Done():
		g.discardLate(resultCh)
		return "", shared.ErrSessionClosed
	}

	if result.err != nil {
		g.endNegotiation(s)
		var err error
		switch {
		case nctx.Err() != nil:
			err = fmt.Errorf("%w: %v", shared.ErrTimeout, result.err)
			g.failAndScheduleClose(s, "negotiation timed out")
		default:
			err = result.err
			g.failAndScheduleClose(s, "negotiation failed: "+result.err.Error())
		}
		g.metrics.NegotiationFailed()
		span.RecordError(err)
		return "", err
	}

	if !s.attachNegotiation(offer, result.neg) {
		// stopped while the adapter was answering
		_ = result.neg.Close()
		g.endNegotiation(s)
		return "", shared.ErrSessionClosed
	}
	g.endNegotiation(s)

	g.track(func() { g.pumpLocalCandidates(s, result.neg) })
	g.supervisor.watch(s, result.neg)

	g.metrics.NegotiationCompleted(time.Since(started))
	g.log.Info("offer answered", "session_id", sessionID, "elapsed", time.Since(started))
	return result.neg.Answer(), nil
}

// beginNegotiation checks the SubmitOffer preconditions and claims the
// single in-flight SDP mutation slot.
func (g *Gateway) beginNegotiation(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: session is %s", shared.ErrInvalidState, s.state)
	}
	if s.offerInFlight {
		return fmt.Errorf("%w: offer already in progress", shared.ErrInvalidState)
	}
	if s.remoteDescription != "" {
		return fmt.Errorf("%w: offer already applied, renegotiation requires a new session", shared.ErrInvalidState)
	}
	s.offerInFlight = true
	s.lastActivity = time.Now()
	return nil
}

func (g *Gateway) endNegotiation(s *Session) {
	s.mu.Lock()
	s.offerInFlight = false
	s.mu.Unlock()
}

// discardLate closes a negotiation that arrives after its session stopped
// waiting for it.
func (g *Gateway) discardLate(resultCh <-chan negotiateResult) {
	go func() {
		if result := <-resultCh; result.neg != nil {
			_ = result.neg.Close()
		}
	}()
}

func (g *Gateway) pumpLocalCandidates(s *Session, neg bridge.Negotiation) {
	for {
		select {
		case <-s.Done():
			return
		case candidate, ok := <-neg.Candidates():
			if !ok {
				return
			}
			s.sendLocalCandidate(candidate)
		}
	}
}

// AddICECandidate buffers or applies a remote candidate in receipt order.
// Terminal sessions swallow the candidate; unknown ids fail.
func (g *Gateway) AddICECandidate(sessionID string, candidate webrtc.ICECandidateInit) error {
	s, ok := g.get(sessionID)
	if !ok {
		return shared.ErrSessionNotFound
	}
	s.addRemoteCandidate(candidate)
	return nil
}

// StopSession tears a session down exactly once. Repeated calls, including
// on ids already removed, succeed.
func (g *Gateway) StopSession(ctx context.Context, sessionID string) error {
	_, span := g.tracer.Start(ctx, "signaling.stop_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	return g.stop(sessionID, "stopped by client")
}

func (g *Gateway) stop(sessionID, reason string) error {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if ok {
		delete(g.sessions, sessionID)
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}

	s.close(reason)
	g.metrics.SessionClosed()
	return nil
}

// GetSessionStatus returns a consistent snapshot; it never blocks beyond the
// snapshot read.
func (g *Gateway) GetSessionStatus(sessionID string) (Status, error) {
	s, ok := g.get(sessionID)
	if !ok {
		return Status{}, shared.ErrSessionNotFound
	}
	return s.Snapshot(), nil
}

// GetSession exposes the live session for the candidate stream handler.
func (g *Gateway) GetSession(sessionID string) (*Session, bool) {
	return g.get(sessionID)
}

func (g *Gateway) failAndScheduleClose(s *Session, reason string) {
	if s.fail(reason) {
		g.metrics.SessionFailed()
	}
	g.supervisor.scheduleClose(s)
}
