package client_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meetflow/rtc/internal/client"
	"github.com/meetflow/rtc/internal/config"
	"github.com/meetflow/rtc/internal/metrics"
	"github.com/meetflow/rtc/internal/room"
	"github.com/meetflow/rtc/internal/signaling"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func newTestRelay(t *testing.T) (*httptest.Server, room.Registry) {
	t.Helper()
	cfg := config.Config{
		AuthMode:                      config.AuthModeNone,
		SignalingAuthTimeout:          2 * time.Second,
		SignalingWSIdleTimeout:        30 * time.Second,
		SignalingWSPingInterval:       10 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
		SendQueueLength:               16,
	}
	registry := room.NewMemoryRegistry()
	srv, err := signaling.NewServer(cfg,
		slog.New(slog.NewTextHandler(testWriter{t}, nil)), registry, metrics.New())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, registry
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type events struct {
	existing     chan []string
	connected    chan string
	disconnected chan string
	signals      chan signalEvent
	errs         chan string
	closed       chan error
}

type signalEvent struct {
	from    string
	payload json.RawMessage
}

func newEvents() *events {
	return &events{
		existing:     make(chan []string, 4),
		connected:    make(chan string, 4),
		disconnected: make(chan string, 4),
		signals:      make(chan signalEvent, 4),
		errs:         make(chan string, 4),
		closed:       make(chan error, 1),
	}
}

func (e *events) handler() client.Handler {
	return client.Handler{
		OnExistingUsers:    func(ids []string) { e.existing <- ids },
		OnUserConnected:    func(id string) { e.connected <- id },
		OnUserDisconnected: func(id string) { e.disconnected <- id },
		OnSignal:           func(from string, p json.RawMessage) { e.signals <- signalEvent{from, p} },
		OnServerError:      func(msg string) { e.errs <- msg },
		OnDisconnect:       func(err error) { e.closed <- err },
	}
}

func join(t *testing.T, ts *httptest.Server, userID, roomID string, ev *events) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Options{
		URL:     wsURL(ts),
		UserID:  userID,
		RoomID:  roomID,
		Handler: ev.handler(),
		Logger:  slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	})
	if err != nil {
		t.Fatalf("Dial as %s: %v", userID, err)
	}
	t.Cleanup(c.Close)
	return c
}

func recvStr(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestJoinHandshakeAndPresence(t *testing.T) {
	ts, registry := newTestRelay(t)
	rm, err := registry.Create(context.Background(), "creator")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	evA := newEvents()
	join(t, ts, "alice", rm.ID, evA)
	select {
	case snapshot := <-evA.existing:
		if len(snapshot) != 0 {
			t.Fatalf("first joiner got snapshot %v, want empty", snapshot)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no existing-users snapshot")
	}

	evB := newEvents()
	join(t, ts, "bob", rm.ID, evB)
	select {
	case snapshot := <-evB.existing:
		if len(snapshot) != 1 || snapshot[0] != "alice" {
			t.Fatalf("bob's snapshot = %v, want [alice]", snapshot)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no existing-users snapshot for bob")
	}

	if got := recvStr(t, evA.connected, "user-connected"); got != "bob" {
		t.Fatalf("alice saw %q connect, want bob", got)
	}
	select {
	case snap := <-evA.existing:
		t.Fatalf("alice got a second snapshot: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignalRoundTrip(t *testing.T) {
	ts, registry := newTestRelay(t)
	rm, err := registry.Create(context.Background(), "creator")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	evA := newEvents()
	a := join(t, ts, "alice", rm.ID, evA)
	<-evA.existing
	evB := newEvents()
	join(t, ts, "bob", rm.ID, evB)
	<-evB.existing
	recvStr(t, evA.connected, "user-connected")

	payload := []byte(`{"sdp":{"type":"offer","sdp":"v=0 hello"}}`)
	if err := a.SendSignal("bob", payload); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	select {
	case got := <-evB.signals:
		if got.from != "alice" {
			t.Fatalf("signal from %q, want alice", got.from)
		}
		if string(got.payload) != string(payload) {
			t.Fatalf("payload altered in transit: %s", got.payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("signal never arrived")
	}
}

func TestPeerDisconnectIsAnnounced(t *testing.T) {
	ts, registry := newTestRelay(t)
	rm, err := registry.Create(context.Background(), "creator")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	evA := newEvents()
	join(t, ts, "alice", rm.ID, evA)
	<-evA.existing
	evB := newEvents()
	b := join(t, ts, "bob", rm.ID, evB)
	<-evB.existing
	recvStr(t, evA.connected, "user-connected")

	b.Close()
	select {
	case err := <-evB.closed:
		if err != nil {
			t.Fatalf("clean close reported error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no disconnect callback on closing client")
	}
	if got := recvStr(t, evA.disconnected, "user-disconnected"); got != "bob" {
		t.Fatalf("alice saw %q disconnect, want bob", got)
	}
}

func TestServerErrorIsSurfacedWithoutClosing(t *testing.T) {
	ts, _ := newTestRelay(t)

	ev := newEvents()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Options{
		URL:     wsURL(ts),
		UserID:  "alice",
		RoomID:  "nonexistent-room",
		Handler: ev.handler(),
		Logger:  slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)

	select {
	case msg := <-ev.errs:
		if !strings.Contains(msg, "not found") {
			t.Fatalf("error message = %q, want a not-found", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no error event for unknown room")
	}
	select {
	case err := <-ev.closed:
		t.Fatalf("connection closed after room error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	ts, registry := newTestRelay(t)
	rm, err := registry.Create(context.Background(), "creator")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	ev := newEvents()
	c := join(t, ts, "alice", rm.ID, ev)
	<-ev.existing
	c.Close()
	<-ev.closed

	if err := c.SendSignal("bob", []byte(`{"candidate":{"candidate":"x"}}`)); err == nil {
		t.Fatalf("SendSignal succeeded after Close")
	}
}
