// Package media models live capture streams: a video track exposing its latest
// frame and PCM audio tracks that the encoder pumps into its own pipes.
package media

import (
	"image"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Track is one live source. Stop is idempotent.
type Track interface {
	ID() string
	Kind() Kind
	Stop()
	Ended() bool
}

// VideoTrack reports its native size and the newest decoded frame. Frame may
// return nil before the first frame arrives.
type VideoTrack interface {
	Track
	Size() (width, height int)
	Frame() image.Image
}

// AudioFormat describes interleaved signed 16-bit little-endian PCM.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// DefaultAudioFormat is what every built-in source produces.
var DefaultAudioFormat = AudioFormat{SampleRate: 48000, Channels: 2}

// AudioTrack streams PCM samples until it is stopped or drained.
type AudioTrack interface {
	Track
	io.Reader
	Format() AudioFormat
}

// Stream bundles at most one video track with any number of audio tracks.
type Stream struct {
	ID    string
	Video VideoTrack
	Audio []AudioTrack
}

func NewStream(video VideoTrack, audio ...AudioTrack) *Stream {
	return &Stream{ID: uuid.NewString(), Video: video, Audio: audio}
}

// Tracks returns every track in the stream, video first.
func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	var out []Track
	if s.Video != nil {
		out = append(out, s.Video)
	}
	for _, a := range s.Audio {
		out = append(out, a)
	}
	return out
}

// Live reports whether the stream still has a running video track.
func (s *Stream) Live() bool {
	return s != nil && s.Video != nil && !s.Video.Ended()
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// base carries identity and stop bookkeeping shared by the built-in tracks.
type base struct {
	id     string
	kind   Kind
	ended  atomic.Bool
	once   sync.Once
	done   chan struct{}
	onStop func()
}

func (b *base) init(kind Kind, onStop func()) {
	b.id = uuid.NewString()
	b.kind = kind
	b.done = make(chan struct{})
	b.onStop = onStop
}

func (b *base) ID() string  { return b.id }
func (b *base) Kind() Kind  { return b.kind }
func (b *base) Ended() bool { return b.ended.Load() }

func (b *base) Stop() {
	b.once.Do(func() {
		b.ended.Store(true)
		close(b.done)
		if b.onStop != nil {
			b.onStop()
		}
	})
}
