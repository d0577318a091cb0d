package media

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

func TestPublisherStartsEnabled(t *testing.T) {
	p := NewPublisher()
	if !p.Enabled() {
		t.Fatalf("new publisher is disabled")
	}
}

func TestAddTracksAndSnapshot(t *testing.T) {
	p := NewPublisher()
	audio, err := p.AddAudioTrack("audio0", "cam")
	if err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	video, err := p.AddVideoTrack("video0", "cam")
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}

	tracks := p.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("Tracks() returned %d, want 2", len(tracks))
	}
	if tracks[0] != audio.Local() || tracks[1] != video.Local() {
		t.Fatalf("Tracks() out of creation order")
	}
	if got := tracks[0].ID(); got != "audio0" {
		t.Fatalf("audio id = %q, want audio0", got)
	}
	if got := tracks[1].StreamID(); got != "cam" {
		t.Fatalf("video stream = %q, want cam", got)
	}
}

func TestBindAttachesLaterTracks(t *testing.T) {
	p := NewPublisher()
	if _, err := p.AddAudioTrack("audio0", "cam"); err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}

	var attached []webrtc.TrackLocal
	p.Bind(func(track webrtc.TrackLocal) error {
		attached = append(attached, track)
		return nil
	})

	video, err := p.AddVideoTrack("video0", "cam")
	if err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	if len(attached) != 1 || attached[0] != video.Local() {
		t.Fatalf("attach hook saw %d tracks, want only the post-bind one", len(attached))
	}
}

func TestBindErrorSurfaces(t *testing.T) {
	p := NewPublisher()
	wantErr := errors.New("negotiation broken")
	p.Bind(func(webrtc.TrackLocal) error { return wantErr })
	if _, err := p.AddAudioTrack("audio0", "cam"); !errors.Is(err, wantErr) {
		t.Fatalf("AddAudioTrack error = %v, want %v", err, wantErr)
	}
}

func TestDisabledPublisherDropsSamples(t *testing.T) {
	p := NewPublisher()
	track, err := p.AddAudioTrack("audio0", "cam")
	if err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	sample := pionmedia.Sample{Data: []byte{0x01}, Duration: 20 * time.Millisecond}

	p.SetEnabled(false)
	if p.Enabled() {
		t.Fatalf("publisher still enabled after SetEnabled(false)")
	}
	if err := track.WriteSample(sample); err != nil {
		t.Fatalf("WriteSample while disabled: %v", err)
	}

	p.SetEnabled(true)
	if !p.Enabled() {
		t.Fatalf("publisher still disabled after SetEnabled(true)")
	}
	// Unbound tracks accept samples without error.
	if err := track.WriteSample(sample); err != nil {
		t.Fatalf("WriteSample while enabled: %v", err)
	}
}

func TestClosedPublisher(t *testing.T) {
	p := NewPublisher()
	track, err := p.AddAudioTrack("audio0", "cam")
	if err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	p.Close()

	if p.Enabled() {
		t.Fatalf("closed publisher reports enabled")
	}
	if err := track.WriteSample(pionmedia.Sample{Data: []byte{0x01}}); err != nil {
		t.Fatalf("WriteSample after close: %v", err)
	}
	if _, err := p.AddAudioTrack("audio1", "cam"); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("AddAudioTrack after close = %v, want ErrPublisherClosed", err)
	}
}
