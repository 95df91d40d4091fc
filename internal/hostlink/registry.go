package hostlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/camera-backend/internal/monitoring"
	"github.com/redis/go-redis/v9"
)

var ErrHostAlreadyConnected = errors.New("host already connected")

const (
	hostRequestChannel     = "host:%s:requests"
	sessionResponseChannel = "session:%s:responses"
)

// Registry tracks connected capture hosts and their advertised cameras. It
// doubles as the gateway's host/camera directory and forwards negotiation
// requests from the redis relay channel down each host's websocket.
type Registry struct {
	redis   *redis.Client
	metrics *monitoring.Metrics
	log     *slog.Logger

	mu      sync.RWMutex
	hosts   map[string]*HostConn
	cancels map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(redisClient *redis.Client, metrics *monitoring.Metrics, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		redis:   redisClient,
		metrics: metrics,
		log:     log.With("component", "host_registry"),
		hosts:   make(map[string]*HostConn),
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Registry) Register(conn *HostConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hostID := conn.HostID()

	if existing, exists := r.hosts[hostID]; exists && existing.IsOnline() {
		return ErrHostAlreadyConnected
	}

	if cancel, exists := r.cancels[hostID]; exists {
		cancel()
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.hosts[hostID] = conn
	r.cancels[hostID] = cancel
	r.metrics.HostConnected()
	r.log.Info("host registered", "host_id", hostID, "cameras", len(conn.Cameras()))

	if r.redis != nil {
		go r.subscribeToHostRequests(ctx, conn)
	}
	return nil
}

// Unregister removes the connection only while it still owns the host entry.
// A replacement registered while the old connection was unwinding keeps its
// slot.
func (r *Registry) Unregister(conn *HostConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hostID := conn.HostID()
	current, ok := r.hosts[hostID]
	if !ok || current.ConnID() != conn.ConnID() {
		return
	}

	if cancel, ok := r.cancels[hostID]; ok {
		cancel()
		delete(r.cancels, hostID)
	}

	delete(r.hosts, hostID)
	r.metrics.HostDisconnected()
	r.log.Info("host unregistered", "host_id", hostID, "conn_id", conn.ConnID())
}

func (r *Registry) GetHost(hostID string) (*HostConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.hosts[hostID]
	if !ok || !conn.IsOnline() {
		return nil, false
	}
	return conn, true
}

// HasCamera implements the gateway's host/camera directory check.
func (r *Registry) HasCamera(hostID, camera string) bool {
	conn, ok := r.GetHost(hostID)
	if !ok {
		return false
	}
	for _, cam := range conn.Cameras() {
		if cam.Device == camera {
			return true
		}
	}
	return false
}

type HostInfo struct {
	HostID      string    `json:"host_id"`
	ConnID      string    `json:"conn_id"`
	Cameras     []Camera  `json:"cameras"`
	ConnectedAt time.Time `json:"connected_at"`
	Online      bool      `json:"online"`
}

func (r *Registry) ListHosts() []HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]HostInfo, 0, len(r.hosts))
	for hostID, conn := range r.hosts {
		hosts = append(hosts, HostInfo{
			HostID:      hostID,
			ConnID:      conn.ConnID(),
			Cameras:     conn.Cameras(),
			ConnectedAt: conn.ConnectedAt(),
			Online:      conn.IsOnline(),
		})
	}
	return hosts
}

func (r *Registry) HostCount() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total = len(r.hosts)
	for _, conn := range r.hosts {
		if conn.IsOnline() {
			online++
		}
	}
	return
}

// publishResponse puts a host's session-scoped message on the session's
// relay channel.
func (r *Registry) publishResponse(ctx context.Context, msg *Message) error {
	if r.redis == nil {
		return errors.New("no redis client configured")
	}
	channel := fmt.Sprintf(sessionResponseChannel, msg.SessionID)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal host message: %w", err)
	}
	if err := r.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish host message: %w", err)
	}
	return nil
}

func (r *Registry) subscribeToHostRequests(ctx context.Context, conn *HostConn) {
	hostID := conn.HostID()
	channel := fmt.Sprintf(hostRequestChannel, hostID)

	pubsub := r.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	r.log.Info("subscribed to host requests", "host_id", hostID, "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Error("receive host request", "error", err, "host_id", hostID)
				return
			}

			var hostMsg Message
			if err := json.Unmarshal([]byte(msg.Payload), &hostMsg); err != nil {
				r.log.Error("unmarshal host request", "error", err, "host_id", hostID)
				continue
			}

			if err := conn.Send(ctx, &hostMsg); err != nil {
				r.log.Error("send to host", "error", err, "host_id", hostID)
			}
		}
	}
}

func (r *Registry) Close() error {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	for hostID, cancel := range r.cancels {
		cancel()
		delete(r.cancels, hostID)
	}
	for hostID, conn := range r.hosts {
		_ = conn.Close()
		delete(r.hosts, hostID)
	}
	return nil
}
