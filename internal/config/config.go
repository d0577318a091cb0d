package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MEETFLOW_RTC_LISTEN_ADDR"
	envVarMode            = "MEETFLOW_RTC_MODE"
	envVarLogFormat       = "MEETFLOW_RTC_LOG_FORMAT"
	envVarLogLevel        = "MEETFLOW_RTC_LOG_LEVEL"
	envVarShutdownTimeout = "MEETFLOW_RTC_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueLength               = "SIGNALING_SEND_QUEUE_LENGTH"

	// Room registry backend.
	envVarRoomStore      = "ROOM_STORE"
	envVarRedisAddr      = "REDIS_ADDR"
	envVarRedisKeyPrefix = "REDIS_KEY_PREFIX"

	// coturn TURN REST (ephemeral) credentials, surfaced on GET /webrtc/ice.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	// DefaultSendQueueLength bounds each connection's outbound event queue. A
	// client that cannot drain its queue is disconnected rather than allowed to
	// block delivery to the rest of the room.
	DefaultSendQueueLength = 64

	DefaultRoomStore      RoomStore = RoomStoreMemory
	DefaultRedisAddr                = "localhost:6379"
	DefaultRedisKeyPrefix           = "meetflow"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "meetflow"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type RoomStore string

const (
	RoomStoreMemory RoomStore = "memory"
	RoomStoreRedis  RoomStore = "redis"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// Signaling / WebSocket auth + hardening.
	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueLength               int

	// Room registry backend.
	RoomStore      RoomStore
	RedisAddr      string
	RedisKeyPrefix string

	// ICEServers is the list handed to clients on GET /webrtc/ice. The relay
	// itself never opens a PeerConnection; media stays peer-to-peer.
	ICEServers []webrtc.ICEServer

	TurnREST TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("meetflow-rtc", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP address the HTTP/WebSocket server listens on")
	modeStr := fs.String("mode", modeDefault, "runtime mode: dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "log output format: text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "log level: debug, info, warn or error")
	roomStoreStr := fs.String("room-store", envOrDefault(lookup, envVarRoomStore, string(DefaultRoomStore)), "room registry backend: memory or redis")
	redisAddr := fs.String("redis-addr", envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr), "redis address when -room-store=redis")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(*modeStr)))
	switch mode {
	case ModeDev, ModeProd:
	case "production":
		mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid mode %q", *modeStr)
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(*logFormatStr)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q", *logFormatStr)
	}

	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	roomStore := RoomStore(strings.ToLower(strings.TrimSpace(*roomStoreStr)))
	switch roomStore {
	case RoomStoreMemory, RoomStoreRedis:
	default:
		return Config{}, fmt.Errorf("invalid room store %q", *roomStoreStr)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	authMode := AuthMode(strings.ToLower(strings.TrimSpace(authModeStr)))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	switch authMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if apiKey == "" {
			return Config{}, fmt.Errorf("%s=api_key requires %s", envVarAuthMode, envVarAPIKey)
		}
	case AuthModeJWT:
		if jwtSecret == "" {
			return Config{}, fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envVarAuthMode, authModeStr)
	}

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarMaxSignalingMessageBytes, raw)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueLength, err := envIntOrDefault(lookup, envVarSendQueueLength, DefaultSendQueueLength)
	if err != nil {
		return Config{}, err
	}
	if sendQueueLength <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSendQueueLength)
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")

	// With TURN REST enabled, TURN URLs may be listed without static
	// credentials; ephemeral ones are minted per request on /webrtc/ice.
	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		strings.TrimSpace(turnRESTSharedSecret) != "",
	)
	if err != nil {
		return Config{}, err
	}

	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	cfg := Config{
		ListenAddr:      *listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingAuthTimeout:    signalingAuthTimeout,
		SignalingWSIdleTimeout:  signalingWSIdleTimeout,
		SignalingWSPingInterval: signalingWSPingInterval,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SendQueueLength:               sendQueueLength,

		RoomStore:      roomStore,
		RedisAddr:      *redisAddr,
		RedisKeyPrefix: envOrDefault(lookup, envVarRedisKeyPrefix, DefaultRedisKeyPrefix),

		ICEServers: iceServers,

		TurnREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			Realm:          envOrDefault(lookup, envVarTURNRESTRealm, ""),
		},
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
