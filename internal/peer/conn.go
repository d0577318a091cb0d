package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// MediaConn is the slice of the underlying peer-connection API that session
// negotiation drives. *webrtc.PeerConnection satisfies it via pionConn;
// tests substitute fakes to exercise the state machine without a network.
type MediaConn interface {
	// CreateOffer produces a local description and applies it locally.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer produces an answer to the current remote description and
	// applies it locally.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(init webrtc.ICECandidateInit) error

	// OnICECandidate registers the trickle callback. The callback is never
	// invoked with the gathering-complete sentinel.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	AddTrack(track webrtc.TrackLocal) error
	Close() error
}

// NewAPI builds the pion API all peer connections are created from. Codecs
// are the pion defaults; interceptors stay registered so RTCP feedback
// (NACK, PLI) works out of the box.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// pionConn adapts *webrtc.PeerConnection to MediaConn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

// NewPionConn creates a peer connection from the given API and ICE servers
// and wraps it as a MediaConn.
func NewPionConn(api *webrtc.API, iceServers []webrtc.ICEServer) (MediaConn, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		fn(cand.ToJSON())
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// PeerConnection exposes the wrapped pion connection for consumers that
// need the full API, like track handlers.
func (c *pionConn) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}
