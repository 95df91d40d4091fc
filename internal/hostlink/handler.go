package hostlink

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const registerTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler accepts capture host connections and exposes the host inventory.
type Handler struct {
	registry *Registry
	log      *slog.Logger
}

func NewHandler(registry *Registry, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		registry: registry,
		log:      log.With("handler", "hostlink"),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	hosts := api.Group("/hosts")
	hosts.GET("", h.HandleList)
	hosts.GET("/connect", h.handleWebSocket)
}

type ListResponse struct {
	Total int        `json:"total"`
	Hosts []HostInfo `json:"hosts"`
}

func (h *Handler) HandleList(c echo.Context) error {
	hosts := h.registry.ListHosts()
	return c.JSON(http.StatusOK, ListResponse{
		Total: len(hosts),
		Hosts: hosts,
	})
}

// handleWebSocket upgrades a capture host connection. The first frame must
// be a register message carrying the host id and its camera inventory.
func (h *Handler) handleWebSocket(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.log.Warn("host closed before registering", "error", err)
		_ = ws.Close()
		return nil
	}

	var reg Message
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != MessageTypeRegister || reg.HostID == "" {
		h.log.Warn("invalid host registration", "error", err)
		_ = ws.Close()
		return nil
	}

	conn := NewHostConn(ws, reg.HostID, reg.Cameras, h.log)

	if err := h.registry.Register(conn); err != nil {
		h.log.Error("failed to register host", "error", err, "host_id", reg.HostID)
		_ = ws.Close()
		return nil
	}

	h.log.Info("host connected", "host_id", reg.HostID)

	ctx := c.Request().Context()
	go conn.writePump(ctx)
	conn.readPump(ctx, h.registry.publishResponse)

	h.registry.Unregister(conn)
	h.log.Info("host disconnected", "host_id", reg.HostID)
	return nil
}
