package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.RoomStore != RoomStoreMemory {
		t.Fatalf("roomStore=%q, want %q", cfg.RoomStore, RoomStoreMemory)
	}
	if cfg.SendQueueLength != DefaultSendQueueLength {
		t.Fatalf("sendQueueLength=%d, want %d", cfg.SendQueueLength, DefaultSendQueueLength)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("maxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.TurnREST.Enabled() {
		t.Fatal("TURN REST enabled without shared secret")
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "127.0.0.1:9999",
	}), []string{"--listen-addr", "0.0.0.0:8081"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8081" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestAuthModeRequiresCredentialMaterial(t *testing.T) {
	t.Run("api_key without key", func(t *testing.T) {
		_, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key"}), nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), envVarAPIKey) {
			t.Fatalf("err=%v, want mention of %s", err, envVarAPIKey)
		}
	})

	t.Run("jwt without secret", func(t *testing.T) {
		_, err := load(lookupMap(map[string]string{envVarAuthMode: "jwt"}), nil)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("jwt with secret", func(t *testing.T) {
		cfg, err := load(lookupMap(map[string]string{
			envVarAuthMode:  "jwt",
			envVarJWTSecret: "s3cret",
		}), nil)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.AuthMode != AuthModeJWT {
			t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeJWT)
		}
	})
}

func TestSignalingTimeouts(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarSignalingAuthTimeout:    "5s",
		envVarSignalingWSIdleTimeout:  "90s",
		envVarSignalingWSPingInterval: "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingAuthTimeout != 5*time.Second {
		t.Fatalf("authTimeout=%v, want 5s", cfg.SignalingAuthTimeout)
	}
	if cfg.SignalingWSIdleTimeout != 90*time.Second {
		t.Fatalf("idleTimeout=%v, want 90s", cfg.SignalingWSIdleTimeout)
	}
}

func TestPingIntervalMustBeShorterThanIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRoomStoreRedis(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRoomStore: "redis",
		envVarRedisAddr: "redis.internal:6380",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoomStore != RoomStoreRedis {
		t.Fatalf("roomStore=%q, want %q", cfg.RoomStore, RoomStoreRedis)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("redisAddr=%q", cfg.RedisAddr)
	}
	if cfg.RedisKeyPrefix != DefaultRedisKeyPrefix {
		t.Fatalf("redisKeyPrefix=%q, want %q", cfg.RedisKeyPrefix, DefaultRedisKeyPrefix)
	}
}

func TestInvalidRoomStore(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarRoomStore: "mongo"}), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestTURNRESTAllowsTURNURLsWithoutStaticCreds(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "shh",
		envTurnURLs:                "turn:turn.example.com:3478?transport=udp",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TurnREST.Enabled() {
		t.Fatal("expected TURN REST enabled")
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("iceServers=%d, want 1", len(cfg.ICEServers))
	}
}

func TestTURNURLsWithoutCredsRejectedWhenTURNRESTDisabled(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478?transport=udp",
	}), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(Config{LogFormat: LogFormat("yaml")})
	if err == nil {
		t.Fatal("expected error")
	}
}
