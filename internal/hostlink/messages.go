package hostlink

import (
	"github.com/eleven-am/camera-backend/internal/bridge"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// host → server
	MessageTypeRegister MessageType = "register"
	MessageTypeAnswer   MessageType = "answer"
	MessageTypeState    MessageType = "state"
	MessageTypeStats    MessageType = "stats"
	MessageTypeError    MessageType = "error"

	// server → host
	MessageTypeOffer MessageType = "offer"
	MessageTypeStop  MessageType = "stop"

	// both directions (trickle ICE)
	MessageTypeCandidate MessageType = "candidate"
)

// Camera is one capture device a host advertises at registration.
type Camera struct {
	Device  string   `json:"device"`
	Formats []string `json:"formats,omitempty"`
}

// Message is the envelope exchanged with capture hosts, over the websocket
// and over the redis relay channels.
type Message struct {
	Type      MessageType              `json:"type"`
	HostID    string                   `json:"host_id,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	State     string                   `json:"state,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Stats     *bridge.Stats            `json:"stats,omitempty"`
	Cameras   []Camera                 `json:"cameras,omitempty"`
	Config    *bridge.CaptureConfig    `json:"config,omitempty"`
	Error     string                   `json:"error,omitempty"`
}
