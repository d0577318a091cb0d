package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetflow/rtc/internal/client"
	"github.com/meetflow/rtc/internal/media"
	"github.com/meetflow/rtc/internal/peer"
)

const httpTimeout = 10 * time.Second

// lazySender breaks the construction cycle between the Manager, which needs
// a sender up front, and the relay client, which needs the Manager's event
// routing before it can be dialed. Sends block until set is called, since
// discovery events can race ahead of Dial returning.
type lazySender struct {
	mu    sync.Mutex
	ready chan struct{}
	c     *client.Client
}

func newLazySender() *lazySender {
	return &lazySender{ready: make(chan struct{})}
}

// set resolves the sender. Call with nil when the dial failed so blocked
// sends fail instead of hanging.
func (s *lazySender) set(c *client.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
		return
	default:
	}
	s.c = c
	close(s.ready)
}

func (s *lazySender) SendSignal(targetUserID string, payload []byte) error {
	<-s.ready
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("relay connection unavailable")
	}
	return c.SendSignal(targetUserID, payload)
}

func runMesh(ctx context.Context, roomID string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	userID := localUserID()

	iceServers, err := fetchICEServers(ctx)
	if err != nil {
		return err
	}

	api, err := peer.NewAPI()
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	publisher := media.NewPublisher()
	defer publisher.Close()
	if !flagNoAudio {
		if _, err := publisher.AddAudioTrack("audio0", userID); err != nil {
			return err
		}
	}

	sender := newLazySender()
	mgr, err := peer.NewManager(peer.Options{
		LocalID: userID,
		NewConn: func() (peer.MediaConn, error) { return peer.NewPionConn(api, iceServers) },
		Sender:  sender,
		Events: peer.Events{
			OnConnected: func(remoteID string, _ peer.MediaConn) {
				log.Info("peer connected", "peer", remoteID)
			},
			OnClosed: func(remoteID string) {
				log.Info("peer left", "peer", remoteID)
			},
			OnNegotiationFailed: func(remoteID string, err error) {
				log.Warn("peer negotiation failed", "peer", remoteID, "err", err)
			},
		},
		Logger: log,
		Tracks: publisher.Tracks(),
	})
	if err != nil {
		return err
	}
	defer mgr.CloseAll()
	publisher.Bind(mgr.AttachTrack)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayURL, err := relayWSURL()
	if err != nil {
		return err
	}
	conn, err := client.Dial(runCtx, client.Options{
		URL:    relayURL,
		UserID: userID,
		Token:  flagToken,
		APIKey: flagAPIKey,
		RoomID: roomID,
		Handler: client.Handler{
			OnExistingUsers: func(ids []string) {
				for _, id := range ids {
					if err := mgr.AddPeer(id); err != nil {
						log.Warn("add peer failed", "peer", id, "err", err)
					}
				}
			},
			OnUserConnected: func(id string) {
				if err := mgr.AddPeer(id); err != nil {
					log.Warn("add peer failed", "peer", id, "err", err)
				}
			},
			OnUserDisconnected: mgr.RemovePeer,
			OnSignal: func(from string, payload json.RawMessage) {
				if err := mgr.HandleSignal(from, payload); err != nil {
					log.Warn("bad signal", "peer", from, "err", err)
				}
			},
			OnServerError: func(msg string) {
				log.Warn("relay error", "message", msg)
			},
			OnDisconnect: func(err error) {
				if err != nil {
					log.Error("relay connection lost", "err", err)
				}
				stop()
			},
		},
		Logger: log,
	})
	if err != nil {
		sender.set(nil)
		return err
	}
	sender.set(conn)
	defer conn.Close()

	log.Info("joined room", "room", roomID, "user", userID)
	<-runCtx.Done()
	log.Info("leaving room", "room", roomID)
	return nil
}

func createRoom(ctx context.Context) (string, error) {
	req, err := newAPIRequest(ctx, http.MethodPost, "/api/video/create-room", bytes.NewReader(nil))
	if err != nil {
		return "", err
	}

	var out struct {
		RoomID string `json:"roomId"`
	}
	if err := doJSON(req, http.StatusCreated, &out); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return out.RoomID, nil
}

func fetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := newAPIRequest(ctx, http.MethodGet, "/webrtc/ice", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := doJSON(req, http.StatusOK, &out); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	return out.ICEServers, nil
}

func newAPIRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(flagServer, "/")+path, body)
	if err != nil {
		return nil, err
	}
	switch {
	case flagToken != "":
		req.Header.Set("Authorization", "Bearer "+flagToken)
	case flagAPIKey != "":
		req.Header.Set("Authorization", "ApiKey "+flagAPIKey)
	default:
		req.Header.Set("X-User-ID", localUserID())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func doJSON(req *http.Request, wantStatus int, out any) error {
	httpClient := &http.Client{Timeout: httpTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func relayWSURL() (string, error) {
	u, err := url.Parse(flagServer)
	if err != nil {
		return "", fmt.Errorf("invalid --server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported --server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
