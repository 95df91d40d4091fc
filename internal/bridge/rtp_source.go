package bridge

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"
)

// UDPSource feeds a local track from RTP packets arriving on a UDP socket.
// An external encoder (ffmpeg, gstreamer) pointed at the listen address is
// the usual producer. Each negotiation gets its own ephemeral socket; the
// bound address is logged so the encoder can be attached.
type UDPSource struct {
	ListenIP string
	log      *slog.Logger
}

func NewUDPSource(listenIP string, log *slog.Logger) *UDPSource {
	if log == nil {
		log = slog.Default()
	}
	if listenIP == "" {
		listenIP = "127.0.0.1"
	}
	return &UDPSource{
		ListenIP: listenIP,
		log:      log.With("component", "udp_source"),
	}
}

func (u *UDPSource) Start(cfg CaptureConfig, track *webrtc.TrackLocalStaticRTP) (func(), error) {
	ip := net.ParseIP(u.ListenIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid RTP listen IP %q", u.ListenIP)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("listen RTP: %w", err)
	}

	u.log.Info("awaiting RTP",
		"addr", conn.LocalAddr().String(),
		"host_id", cfg.HostID,
		"camera", cfg.Camera)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := track.Write(buf[:n]); err != nil {
				u.log.Warn("track write failed", "error", err)
				return
			}
		}
	}()

	return func() { conn.Close() }, nil
}
