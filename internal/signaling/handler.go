package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/eleven-am/camera-backend/internal/bridge"
	"github.com/eleven-am/camera-backend/internal/shared"
	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"
)

// Handler exposes the signaling RPC surface over HTTP. The wire shapes match
// what the browser client sends: standard offer/answer envelopes and
// trickle-ICE candidate objects.
type Handler struct {
	gateway    *Gateway
	iceServers []bridge.ICEServerConfig
	log        *slog.Logger
}

func NewHandler(gateway *Gateway, iceServers []bridge.ICEServerConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		gateway:    gateway,
		iceServers: iceServers,
		log:        log.With("handler", "signaling"),
	}
}

type CreateSessionRequest struct {
	HostID     string `json:"hostId"`
	Camera     string `json:"camera"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	Format     string `json:"format"`
}

type CreateSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

type SDPMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type OfferRequest struct {
	Offer SDPMessage `json:"offer"`
}

type OfferResponse struct {
	Success bool       `json:"success"`
	Answer  SDPMessage `json:"answer"`
}

type CandidateMessage struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type CandidateRequest struct {
	Candidate CandidateMessage `json:"candidate"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type StatsPayload struct {
	Bitrate         uint64  `json:"bitrate"`
	FramesReceived  uint64  `json:"framesReceived"`
	FramesDropped   uint64  `json:"framesDropped"`
	Latency         float64 `json:"latency"`
	ConnectionState string  `json:"connectionState"`
	ICEState        string  `json:"iceState"`
}

type SessionPayload struct {
	State  string       `json:"state"`
	Reason string       `json:"reason,omitempty"`
	Stats  StatsPayload `json:"stats"`
}

type StatusResponse struct {
	Session SessionPayload `json:"session"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	sessions := api.Group("/sessions")
	sessions.POST("", h.HandleCreate)
	sessions.GET("/:session_id", h.HandleStatus)
	sessions.DELETE("/:session_id", h.HandleStop)
	sessions.POST("/:session_id/offer", h.HandleOffer)
	sessions.POST("/:session_id/candidates", h.HandleCandidate)
	sessions.GET("/:session_id/candidates", h.HandleCandidateStream)

	api.GET("/ice-servers", h.HandleICEServers)
}

func (h *Handler) HandleCreate(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	sessionID, err := h.gateway.CreateSession(c.Request().Context(), CreateRequest{
		HostID:     req.HostID,
		Camera:     req.Camera,
		Resolution: req.Resolution,
		FPS:        req.FPS,
		Format:     req.Format,
	})
	if err != nil {
		return shared.HTTPError(err)
	}

	return c.JSON(http.StatusCreated, CreateSessionResponse{
		Success:   true,
		SessionID: sessionID,
	})
}

func (h *Handler) HandleOffer(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req OfferRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.Offer.SDP == "" {
		return shared.BadRequest("invalid_request", "missing offer sdp")
	}
	if req.Offer.Type != "" && req.Offer.Type != "offer" {
		return shared.BadRequest("invalid_request", "offer type must be \"offer\"")
	}

	answer, err := h.gateway.SubmitOffer(c.Request().Context(), sessionID, req.Offer.SDP)
	if err != nil {
		return shared.HTTPError(err)
	}

	return c.JSON(http.StatusOK, OfferResponse{
		Success: true,
		Answer:  SDPMessage{Type: "answer", SDP: answer},
	})
}

func (h *Handler) HandleCandidate(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req CandidateRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.Candidate.Candidate == "" {
		return shared.BadRequest("invalid_request", "missing candidate")
	}

	err := h.gateway.AddICECandidate(sessionID, webrtc.ICECandidateInit{
		Candidate:     req.Candidate.Candidate,
		SDPMid:        req.Candidate.SDPMid,
		SDPMLineIndex: req.Candidate.SDPMLineIndex,
	})
	if err != nil {
		return shared.HTTPError(err)
	}

	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) HandleStop(c echo.Context) error {
	if err := h.gateway.StopSession(c.Request().Context(), c.Param("session_id")); err != nil {
		return shared.HTTPError(err)
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) HandleStatus(c echo.Context) error {
	status, err := h.gateway.GetSessionStatus(c.Param("session_id"))
	if err != nil {
		return shared.HTTPError(err)
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Session: SessionPayload{
			State:  status.State.String(),
			Reason: status.Reason,
			Stats: StatsPayload{
				Bitrate:         status.Stats.BitrateBps,
				FramesReceived:  status.Stats.FramesReceived,
				FramesDropped:   status.Stats.FramesDropped,
				Latency:         status.Stats.RTTMs,
				ConnectionState: status.Stats.ConnectionState,
				ICEState:        status.Stats.ICEState,
			},
		},
	})
}

// HandleCandidateStream streams the session's local ICE candidates as
// server-sent events: buffered ones first, then live ones as discovered.
func (h *Handler) HandleCandidateStream(c echo.Context) error {
	session, ok := h.gateway.GetSession(c.Param("session_id"))
	if !ok {
		return shared.HTTPError(shared.ErrSessionNotFound)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return nil
		case candidate, ok := <-session.LocalCandidates():
			if !ok {
				return nil
			}

			data, err := json.Marshal(candidate)
			if err != nil {
				continue
			}

			fmt.Fprintf(c.Response(), "event: ice-candidate\ndata: %s\n\n", data)
			c.Response().Flush()
		}
	}
}

func (h *Handler) HandleICEServers(c echo.Context) error {
	servers := make([]ICEServer, 0, len(h.iceServers))
	for _, s := range h.iceServers {
		servers = append(servers, ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	if len(servers) == 0 {
		servers = append(servers, ICEServer{
			URLs: []string{"stun:stun.l.google.com:19302"},
		})
	}

	return c.JSON(http.StatusOK, map[string][]ICEServer{"ice_servers": servers})
}
