package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/camera-backend/internal/bridge"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	Version    string

	// local: negotiate against cameras on this process's host.
	// remote: relay negotiation to capture hosts over redis.
	CaptureMode string

	RTCICEServers []bridge.ICEServerConfig
	RTCPortMin    int
	RTCPortMax    int
	RTPListenIP   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration
	FailedCloseDelay   time.Duration
	IdleTimeout        time.Duration
	PollInterval       time.Duration
	PollMissLimit      int

	OTLPEndpoint string
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Version:    getEnv("VERSION", "dev"),

		CaptureMode: getEnv("CAPTURE_MODE", "remote"),

		RTCICEServers: parseICEServers(getEnv("RTC_ICE_SERVERS", "stun:stun.l.google.com:19302")),
		RTCPortMin:    getEnvInt("RTC_PORT_MIN", 10000),
		RTCPortMax:    getEnvInt("RTC_PORT_MAX", 20000),
		RTPListenIP:   getEnv("RTP_LISTEN_IP", "127.0.0.1"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       0,

		NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 15*time.Second),
		DisconnectGrace:    getEnvDuration("DISCONNECT_GRACE", 5*time.Second),
		FailedCloseDelay:   getEnvDuration("FAILED_CLOSE_DELAY", 2*time.Second),
		IdleTimeout:        getEnvDuration("IDLE_TIMEOUT", 2*time.Minute),
		PollInterval:       getEnvDuration("STATS_POLL_INTERVAL", 2*time.Second),
		PollMissLimit:      getEnvInt("STATS_POLL_MISS_LIMIT", 3),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseICEServers(envValue string) []bridge.ICEServerConfig {
	var servers []bridge.ICEServerConfig
	for _, url := range strings.Split(envValue, ",") {
		url = strings.TrimSpace(url)
		if url != "" {
			servers = append(servers, bridge.ICEServerConfig{URLs: []string{url}})
		}
	}

	if len(servers) == 0 {
		return []bridge.ICEServerConfig{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	return servers
}
