// Package media is the boundary between local capture and peer sessions.
// A Publisher owns the outbound tracks; every peer session shares the same
// track objects, so one capture pipeline feeds the whole mesh.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrPublisherClosed = errors.New("media: publisher is closed")

// Track is one locally produced media track. Samples pushed while the
// owning Publisher is disabled are dropped, which mutes the track on every
// session at once.
type Track struct {
	pub   *Publisher
	local *webrtc.TrackLocalStaticSample
}

// Local is the track object handed to peer sessions.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// WriteSample forwards one capture sample to all bound sessions. It is a
// silent no-op while the Publisher is disabled.
func (t *Track) WriteSample(sample pionmedia.Sample) error {
	if !t.pub.Enabled() {
		return nil
	}
	return t.local.WriteSample(sample)
}

// Publisher is the local capture side of a client. Tracks added before a
// session exists are picked up at session creation; tracks added later are
// pushed through the attach hook, which renegotiates established sessions.
type Publisher struct {
	mu      sync.Mutex
	enabled bool
	closed  bool
	tracks  []*Track
	attach  func(webrtc.TrackLocal) error
}

// NewPublisher returns an enabled Publisher with no tracks.
func NewPublisher() *Publisher {
	return &Publisher{enabled: true}
}

// Bind installs the hook invoked for every track added from now on,
// normally the peer Manager's AttachTrack. Tracks that already exist are
// not replayed through the hook; hand Tracks() to the Manager at creation
// instead.
func (p *Publisher) Bind(attach func(webrtc.TrackLocal) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attach = attach
}

// AddAudioTrack registers an Opus audio track.
func (p *Publisher) AddAudioTrack(id, streamID string) (*Track, error) {
	return p.addTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, streamID)
}

// AddVideoTrack registers a VP8 video track.
func (p *Publisher) AddVideoTrack(id, streamID string) (*Track, error) {
	return p.addTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, streamID)
}

func (p *Publisher) addTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("media: new track %q: %w", id, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPublisherClosed
	}
	track := &Track{pub: p, local: local}
	p.tracks = append(p.tracks, track)
	attach := p.attach
	p.mu.Unlock()

	if attach != nil {
		if err := attach(local); err != nil {
			return nil, fmt.Errorf("media: attach track %q: %w", id, err)
		}
	}
	return track, nil
}

// Tracks snapshots the current track set in creation order.
func (p *Publisher) Tracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(p.tracks))
	for i, t := range p.tracks {
		out[i] = t.local
	}
	return out
}

// SetEnabled flips the single mute toggle shared by all tracks.
func (p *Publisher) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

func (p *Publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && !p.closed
}

// Close permanently disables the Publisher. Further samples are dropped and
// no new tracks can be added.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
