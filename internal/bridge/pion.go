package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/camera-backend/internal/shared"
	"github.com/pion/webrtc/v4"
)

const (
	candidateBufSize = 128
	stateBufSize     = 16
)

// TrackSource feeds encoded RTP for a capture configuration into a local
// track. The actual capture/encode mechanics live behind this hook; without a
// source the negotiation still completes and the track stays silent.
type TrackSource interface {
	Start(cfg CaptureConfig, track *webrtc.TrackLocalStaticRTP) (stop func(), err error)
}

// PionAdapter negotiates against cameras attached to this process's host
// using a pion peer connection per session.
type PionAdapter struct {
	cfg    Config
	api    *webrtc.API
	source TrackSource
	log    *slog.Logger
}

func NewPionAdapter(cfg Config, source TrackSource, log *slog.Logger) (*PionAdapter, error) {
	if log == nil {
		log = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	se := &webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > cfg.PortRange.Min {
		if err := se.SetEphemeralUDPPortRange(uint16(cfg.PortRange.Min), uint16(cfg.PortRange.Max)); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(*se),
	)

	return &PionAdapter{
		cfg:    cfg,
		api:    api,
		source: source,
		log:    log.With("component", "pion_adapter"),
	}, nil
}

func (a *PionAdapter) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(a.cfg.ICEServers))
	for _, s := range a.cfg.ICEServers {
		server := webrtc.ICEServer{
			URLs: s.URLs,
		}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{"stun:stun.l.google.com:19302"},
		})
	}

	return servers
}

func mimeTypeFor(format string) (string, error) {
	switch strings.ToLower(format) {
	case "vp8":
		return webrtc.MimeTypeVP8, nil
	case "vp9":
		return webrtc.MimeTypeVP9, nil
	case "h264":
		return webrtc.MimeTypeH264, nil
	case "av1":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", shared.ErrNegotiationFailed, format)
	}
}

func (a *PionAdapter) Negotiate(ctx context.Context, offer string, cfg CaptureConfig) (Negotiation, error) {
	mime, err := mimeTypeFor(cfg.Format)
	if err != nil {
		return nil, err
	}

	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", shared.ErrNegotiationFailed, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime},
		"video",
		"camera-preview",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: create track: %v", shared.ErrNegotiationFailed, err)
	}

	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: add track: %v", shared.ErrNegotiationFailed, err)
	}

	n := &pionNegotiation{
		pc:     pc,
		candCh: make(chan webrtc.ICECandidateInit, candidateBufSize),
		states: make(chan StateChange, stateBufSize),
		done:   make(chan struct{}),
		log:    a.log.With("camera", cfg.Camera),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.sendCandidate(cand.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.sendState(mapPeerState(state))
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		n.closeOnce.Do(func() { close(n.done) })
		_ = pc.Close()
		return nil, fmt.Errorf("%w: set offer: %v", shared.ErrNegotiationFailed, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		n.closeOnce.Do(func() { close(n.done) })
		_ = pc.Close()
		return nil, fmt.Errorf("%w: create answer: %v", shared.ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		n.closeOnce.Do(func() { close(n.done) })
		_ = pc.Close()
		return nil, fmt.Errorf("%w: set answer: %v", shared.ErrNegotiationFailed, err)
	}
	n.answer = answer.SDP

	if a.source != nil {
		stop, err := a.source.Start(cfg, track)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("%w: start capture: %v", shared.ErrNegotiationFailed, err)
		}
		n.stopSource = stop
	}

	return n, nil
}

func mapPeerState(state webrtc.PeerConnectionState) StateChange {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateChange{State: StateConnecting}
	case webrtc.PeerConnectionStateConnected:
		return StateChange{State: StateConnected}
	case webrtc.PeerConnectionStateDisconnected:
		return StateChange{State: StateDisconnected}
	case webrtc.PeerConnectionStateFailed:
		return StateChange{State: StateFailed, Reason: "peer connection failed"}
	case webrtc.PeerConnectionStateClosed:
		return StateChange{State: StateFailed, Reason: "peer connection closed"}
	default:
		return StateChange{State: StateConnecting}
	}
}

type pionNegotiation struct {
	pc         *webrtc.PeerConnection
	answer     string
	candCh     chan webrtc.ICECandidateInit
	states     chan StateChange
	done       chan struct{}
	stopSource func()
	closeOnce  sync.Once
	log        *slog.Logger

	statsMu   sync.Mutex
	prevBytes uint64
	prevAt    time.Time
}

func (n *pionNegotiation) Answer() string {
	return n.answer
}

func (n *pionNegotiation) Candidates() <-chan webrtc.ICECandidateInit {
	return n.candCh
}

func (n *pionNegotiation) States() <-chan StateChange {
	return n.states
}

func (n *pionNegotiation) AddCandidate(candidate webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(candidate)
}

func (n *pionNegotiation) sendCandidate(candidate webrtc.ICECandidateInit) {
	select {
	case <-n.done:
	case n.candCh <- candidate:
	default:
		n.log.Warn("local candidate dropped, buffer full")
	}
}

func (n *pionNegotiation) sendState(change StateChange) {
	select {
	case <-n.done:
	case n.states <- change:
	default:
		n.log.Warn("state change dropped, buffer full", "state", change.State)
	}
}

func (n *pionNegotiation) Stats(_ context.Context) (Stats, error) {
	select {
	case <-n.done:
		return Stats{}, shared.ErrSessionClosed
	default:
	}

	report := n.pc.GetStats()

	out := Stats{
		ICEState:        n.pc.ICEConnectionState().String(),
		ConnectionState: n.pc.ConnectionState().String(),
	}

	var bytesSent uint64
	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			bytesSent += s.BytesSent
			out.FramesReceived += uint64(s.FramesEncoded)
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RTTMs = s.CurrentRoundTripTime * 1000
			}
		}
	}

	n.statsMu.Lock()
	now := time.Now()
	if !n.prevAt.IsZero() && bytesSent >= n.prevBytes {
		elapsed := now.Sub(n.prevAt).Seconds()
		if elapsed > 0 {
			out.BitrateBps = uint64(float64(bytesSent-n.prevBytes) * 8 / elapsed)
		}
	}
	n.prevBytes = bytesSent
	n.prevAt = now
	n.statsMu.Unlock()

	return out, nil
}

func (n *pionNegotiation) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		if n.stopSource != nil {
			n.stopSource()
		}
		err = n.pc.Close()
	})
	return err
}
