package bridge

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// ConnState is the connection lifecycle reported by a capture pipeline.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// StateChange is one entry of a negotiation's state stream.
type StateChange struct {
	State  ConnState
	Reason string
}

// CaptureConfig is the immutable capture configuration a session was created
// with. Resolution is "WxH", Format a codec name such as "vp8" or "h264".
type CaptureConfig struct {
	HostID     string `json:"host_id"`
	Camera     string `json:"camera"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	Format     string `json:"format"`
}

// Stats is a point-in-time sample of connection quality.
type Stats struct {
	BitrateBps      uint64  `json:"bitrate_bps"`
	FramesReceived  uint64  `json:"frames_received"`
	FramesDropped   uint64  `json:"frames_dropped"`
	RTTMs           float64 `json:"rtt_ms"`
	ICEState        string  `json:"ice_state"`
	ConnectionState string  `json:"connection_state"`
}

// Negotiation is a live handle onto the capture/encode pipeline for one
// session. Candidates and States keep delivering after Negotiate returns;
// both stop when the negotiation is closed.
type Negotiation interface {
	// Answer returns the SDP answer produced for the session's offer.
	Answer() string

	// Candidates yields local ICE candidates as the pipeline discovers them.
	Candidates() <-chan webrtc.ICECandidateInit

	// States yields connection-state transitions for the supervisor.
	States() <-chan StateChange

	// AddCandidate applies a remote ICE candidate to the pipeline.
	AddCandidate(candidate webrtc.ICECandidateInit) error

	// Stats samples the current connection quality.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Adapter produces an SDP answer bound to the requested capture
// configuration. The gateway treats implementations as a black box: the
// pipeline may be in-process (pion) or on a remote capture host.
type Adapter interface {
	Negotiate(ctx context.Context, offer string, cfg CaptureConfig) (Negotiation, error)
}
