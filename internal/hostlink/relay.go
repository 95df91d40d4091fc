package hostlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/camera-backend/internal/bridge"
	"github.com/eleven-am/camera-backend/internal/shared"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
)

const statsStaleAfter = 10 * time.Second

// Relay negotiates against cameras on remote capture hosts: the offer goes
// out on the host's request channel, the answer, trickled candidates,
// connection states and stats samples come back on a per-negotiation
// response channel. Which instance holds the host's websocket does not
// matter, redis fans the messages out.
type Relay struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewRelay(redisClient *redis.Client, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		redis: redisClient,
		log:   log.With("component", "host_relay"),
	}
}

func (r *Relay) publishRequest(ctx context.Context, hostID string, msg *Message) error {
	channel := fmt.Sprintf(hostRequestChannel, hostID)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := r.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

func (r *Relay) Negotiate(ctx context.Context, offer string, cfg bridge.CaptureConfig) (bridge.Negotiation, error) {
	negID := uuid.New().String()

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.redis.Subscribe(subCtx, fmt.Sprintf(sessionResponseChannel, negID))

	// confirm the subscription before the offer goes out so no response can
	// slip past us
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe responses: %v", shared.ErrNegotiationFailed, err)
	}

	n := &remoteNegotiation{
		relay:  r,
		hostID: cfg.HostID,
		negID:  negID,
		candCh: make(chan webrtc.ICECandidateInit, 128),
		states: make(chan bridge.StateChange, 16),
		done:   make(chan struct{}),
		cancel: cancel,
		pubsub: pubsub,
		log:    r.log.With("host_id", cfg.HostID, "negotiation_id", negID),
	}

	if err := r.publishRequest(ctx, cfg.HostID, &Message{
		Type:      MessageTypeOffer,
		HostID:    cfg.HostID,
		SessionID: negID,
		SDP:       offer,
		Config:    &cfg,
	}); err != nil {
		n.teardown()
		return nil, fmt.Errorf("%w: %v", shared.ErrNegotiationFailed, err)
	}

	// candidates and states may trickle in ahead of the answer; dispatch
	// them while waiting
	for n.answer == "" {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			n.teardown()
			return nil, fmt.Errorf("%w: waiting for answer: %v", shared.ErrNegotiationFailed, err)
		}

		var hostMsg Message
		if err := json.Unmarshal([]byte(msg.Payload), &hostMsg); err != nil {
			n.log.Error("unmarshal host response", "error", err)
			continue
		}

		switch hostMsg.Type {
		case MessageTypeAnswer:
			n.answer = hostMsg.SDP
		case MessageTypeError:
			n.teardown()
			return nil, fmt.Errorf("%w: host refused offer: %s", shared.ErrNegotiationFailed, hostMsg.Error)
		default:
			n.dispatch(&hostMsg)
		}
	}

	go n.dispatchLoop(subCtx)
	return n, nil
}

type remoteNegotiation struct {
	relay  *Relay
	hostID string
	negID  string
	answer string

	candCh chan webrtc.ICECandidateInit
	states chan bridge.StateChange
	done   chan struct{}

	cancel    context.CancelFunc
	pubsub    *redis.PubSub
	closeOnce sync.Once
	log       *slog.Logger

	statsMu     sync.Mutex
	lastStats   bridge.Stats
	lastStatsAt time.Time
}

func (n *remoteNegotiation) Answer() string {
	return n.answer
}

func (n *remoteNegotiation) Candidates() <-chan webrtc.ICECandidateInit {
	return n.candCh
}

func (n *remoteNegotiation) States() <-chan bridge.StateChange {
	return n.states
}

func (n *remoteNegotiation) AddCandidate(candidate webrtc.ICECandidateInit) error {
	select {
	case <-n.done:
		return shared.ErrSessionClosed
	default:
	}
	return n.relay.publishRequest(context.Background(), n.hostID, &Message{
		Type:      MessageTypeCandidate,
		HostID:    n.hostID,
		SessionID: n.negID,
		Candidate: &candidate,
	})
}

// Stats returns the host's last pushed sample. Before the first push it
// reports zeros; once samples have been seen, going silent for too long is
// an error so the poller's miss counter starts moving.
func (n *remoteNegotiation) Stats(_ context.Context) (bridge.Stats, error) {
	select {
	case <-n.done:
		return bridge.Stats{}, shared.ErrSessionClosed
	default:
	}

	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	if !n.lastStatsAt.IsZero() && time.Since(n.lastStatsAt) > statsStaleAfter {
		return bridge.Stats{}, fmt.Errorf("host stats stale since %s", n.lastStatsAt.Format(time.RFC3339))
	}
	return n.lastStats, nil
}

func (n *remoteNegotiation) dispatchLoop(ctx context.Context) {
	for {
		msg, err := n.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Error("receive host response", "error", err)
			}
			return
		}

		var hostMsg Message
		if err := json.Unmarshal([]byte(msg.Payload), &hostMsg); err != nil {
			n.log.Error("unmarshal host response", "error", err)
			continue
		}
		n.dispatch(&hostMsg)
	}
}

func (n *remoteNegotiation) dispatch(msg *Message) {
	switch msg.Type {
	case MessageTypeCandidate:
		if msg.Candidate == nil {
			return
		}
		select {
		case <-n.done:
		case n.candCh <- *msg.Candidate:
		default:
			n.log.Warn("local candidate dropped, buffer full")
		}

	case MessageTypeState:
		change := bridge.StateChange{State: bridge.ConnState(msg.State), Reason: msg.Reason}
		switch change.State {
		case bridge.StateConnecting, bridge.StateConnected, bridge.StateDisconnected, bridge.StateFailed:
		default:
			n.log.Warn("unknown host connection state", "state", msg.State)
			return
		}
		select {
		case <-n.done:
		case n.states <- change:
		default:
			n.log.Warn("state change dropped, buffer full", "state", change.State)
		}

	case MessageTypeStats:
		if msg.Stats == nil {
			return
		}
		n.statsMu.Lock()
		n.lastStats = *msg.Stats
		n.lastStatsAt = time.Now()
		n.statsMu.Unlock()

	case MessageTypeError:
		select {
		case <-n.done:
		case n.states <- bridge.StateChange{State: bridge.StateFailed, Reason: msg.Error}:
		default:
		}
	}
}

func (n *remoteNegotiation) teardown() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.cancel()
		_ = n.pubsub.Close()
	})
}

func (n *remoteNegotiation) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.relay.publishRequest(context.Background(), n.hostID, &Message{
			Type:      MessageTypeStop,
			HostID:    n.hostID,
			SessionID: n.negID,
		})
		n.cancel()
		_ = n.pubsub.Close()
	})
	return err
}
