package peer_test

import (
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/meetflow/rtc/internal/peer"
)

// Negotiates a real pion session between two managers over a virtual
// network, with an in-process function standing in for the signaling relay.
func TestManagersNegotiateOverVNet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping vnet negotiation in short mode")
	}

	const (
		cidr    = "10.0.0.0/24"
		ipAlice = "10.0.0.1"
		ipBob   = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netAlice, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipAlice}})
	if err != nil {
		t.Fatalf("new net alice: %v", err)
	}
	netBob, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipBob}})
	if err != nil {
		t.Fatalf("new net bob: %v", err)
	}
	if err := router.AddNet(netAlice); err != nil {
		t.Fatalf("add net alice: %v", err)
	}
	if err := router.AddNet(netBob); err != nil {
		t.Fatalf("add net bob: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiAlice, err := newVNetAPI(netAlice)
	if err != nil {
		t.Fatalf("new api alice: %v", err)
	}
	apiBob, err := newVNetAPI(netBob)
	if err != nil {
		t.Fatalf("new api bob: %v", err)
	}

	trackAlice, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "alice-mic")
	if err != nil {
		t.Fatalf("new track alice: %v", err)
	}
	trackBob, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "bob-mic")
	if err != nil {
		t.Fatalf("new track bob: %v", err)
	}

	connectedAlice := make(chan string, 1)
	connectedBob := make(chan string, 1)

	var mgrAlice, mgrBob *peer.Manager

	mgrAlice, err = peer.NewManager(peer.Options{
		LocalID: "alice",
		NewConn: func() (peer.MediaConn, error) { return peer.NewPionConn(apiAlice, nil) },
		Sender: peer.SignalSenderFunc(func(target string, payload []byte) error {
			go func() { _ = mgrBob.HandleSignal("alice", payload) }()
			return nil
		}),
		Events: peer.Events{
			OnConnected: func(remoteID string, _ peer.MediaConn) { connectedAlice <- remoteID },
		},
		Tracks: []webrtc.TrackLocal{trackAlice},
	})
	if err != nil {
		t.Fatalf("new manager alice: %v", err)
	}
	t.Cleanup(mgrAlice.CloseAll)

	mgrBob, err = peer.NewManager(peer.Options{
		LocalID: "bob",
		NewConn: func() (peer.MediaConn, error) { return peer.NewPionConn(apiBob, nil) },
		Sender: peer.SignalSenderFunc(func(target string, payload []byte) error {
			go func() { _ = mgrAlice.HandleSignal("bob", payload) }()
			return nil
		}),
		Events: peer.Events{
			OnConnected: func(remoteID string, _ peer.MediaConn) { connectedBob <- remoteID },
		},
		Tracks: []webrtc.TrackLocal{trackBob},
	})
	if err != nil {
		t.Fatalf("new manager bob: %v", err)
	}
	t.Cleanup(mgrBob.CloseAll)

	// Mutual discovery, as the relay would announce it: bob was already in
	// the room when alice joined.
	if err := mgrAlice.AddPeer("bob"); err != nil {
		t.Fatalf("alice AddPeer: %v", err)
	}
	if err := mgrBob.AddPeer("alice"); err != nil {
		t.Fatalf("bob AddPeer: %v", err)
	}

	deadline := time.After(15 * time.Second)
	for remaining := 2; remaining > 0; remaining-- {
		select {
		case got := <-connectedAlice:
			if got != "bob" {
				t.Fatalf("alice connected to %q, want bob", got)
			}
		case got := <-connectedBob:
			if got != "alice" {
				t.Fatalf("bob connected to %q, want alice", got)
			}
		case <-deadline:
			t.Fatalf("peers failed to connect: alice=%v bob=%v",
				mgrAlice.Sessions(), mgrBob.Sessions())
		}
	}
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}
