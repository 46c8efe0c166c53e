// Package encoder turns a sequence of RGBA frames plus PCM audio into one
// finished container. Output is collected in time-sliced chunks and handed
// back as a Blob when the session finishes.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ivlev/reelforge/internal/media"
)

var (
	ErrUnsupportedMime = errors.New("encoder: unsupported mime type")
	ErrSessionClosed   = errors.New("encoder: session closed")
)

// Default capture parameters.
const (
	DefaultFPS          = 30
	DefaultTimeSlice    = time.Second
	DefaultVideoBitrate = 2_500_000
	DefaultAudioBitrate = 128_000
	DefaultMime         = "video/webm;codecs=vp9"
)

// Format maps a mime type to the ffmpeg muxer and codecs that produce it.
type Format struct {
	Mime       string
	Muxer      string
	VideoCodec string
	AudioCodec string
	Ext        string
}

// formats are in preference order. An empty VideoCodec means the best local
// H.264 encoder.
var formats = []Format{
	{Mime: "video/webm;codecs=vp9", Muxer: "webm", VideoCodec: "libvpx-vp9", AudioCodec: "libopus", Ext: "webm"},
	{Mime: "video/webm;codecs=vp8,opus", Muxer: "webm", VideoCodec: "libvpx", AudioCodec: "libopus", Ext: "webm"},
	{Mime: "video/webm", Muxer: "webm", VideoCodec: "libvpx", AudioCodec: "libopus", Ext: "webm"},
	{Mime: "video/mp4", Muxer: "mp4", AudioCodec: "aac", Ext: "mp4"},
}

func normalizeMime(m string) string {
	return strings.ToLower(strings.ReplaceAll(m, " ", ""))
}

// Lookup returns the format for a mime type. Parameters other than codecs
// must match exactly.
func Lookup(mime string) (Format, bool) {
	m := normalizeMime(mime)
	for _, f := range formats {
		if f.Mime == m {
			return f, true
		}
	}
	return Format{}, false
}

// Negotiate picks the first supported mime type from prefs, or the default
// when prefs is empty.
func Negotiate(prefs ...string) (Format, error) {
	if len(prefs) == 0 {
		prefs = []string{DefaultMime}
	}
	for _, p := range prefs {
		if f, ok := Lookup(p); ok {
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%w: %s", ErrUnsupportedMime, strings.Join(prefs, ", "))
}

// MimeTypes lists every supported mime type in preference order.
func MimeTypes() []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = f.Mime
	}
	return out
}

// Spec describes one encoding session. The container type is fixed for the
// whole session.
type Spec struct {
	Width, Height int
	FPS           int
	MimeType      string
	TimeSlice     time.Duration
	Audio         []media.AudioTrack
	// Music is a file looped under the other audio for the whole session.
	Music        string
	MusicVolume  float64
	VideoBitrate int
	AudioBitrate int
}

// withDefaults fills zero fields. Sides are rounded up to even numbers.
func (s Spec) withDefaults() Spec {
	if s.FPS <= 0 {
		s.FPS = DefaultFPS
	}
	if s.MimeType == "" {
		s.MimeType = DefaultMime
	}
	if s.TimeSlice <= 0 {
		s.TimeSlice = DefaultTimeSlice
	}
	if s.VideoBitrate <= 0 {
		s.VideoBitrate = DefaultVideoBitrate
	}
	if s.AudioBitrate <= 0 {
		s.AudioBitrate = DefaultAudioBitrate
	}
	if s.MusicVolume <= 0 {
		s.MusicVolume = 0.5
	}
	s.Width += s.Width % 2
	s.Height += s.Height % 2
	return s
}

// Encoder starts sessions.
type Encoder interface {
	Begin(ctx context.Context, spec Spec) (Session, error)
}

// Session accepts frames until Finish or Abort. WriteFrame is called from a
// single goroutine. SetPaused drops incoming audio so a paused recording
// stays in sync.
type Session interface {
	WriteFrame(img image.Image) error
	SetPaused(paused bool)
	Finish() (*Blob, error)
	Abort()
}

// Blob is a finished recording held in memory. It may also be backed by a
// file once written to disk.
type Blob struct {
	MimeType string
	Chunks   [][]byte
	Width    int
	Height   int
	FPS      int
	Frames   int

	mu   sync.Mutex
	path string
}

// NewBlob wraps data as a single-chunk blob.
func NewBlob(mime string, data []byte) *Blob {
	b := &Blob{MimeType: mime}
	if len(data) > 0 {
		b.Chunks = [][]byte{data}
	}
	return b
}

// OpenBlob loads a container from disk. The blob remembers the path so
// replay does not write a second copy.
func OpenBlob(path, mime string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b := NewBlob(mime, data)
	b.path = path
	return b, nil
}

func (b *Blob) Size() int {
	n := 0
	for _, c := range b.Chunks {
		n += len(c)
	}
	return n
}

func (b *Blob) Empty() bool { return b == nil || b.Size() == 0 }

// Duration is the encoded video length derived from the frame count. It is
// zero for blobs loaded from disk.
func (b *Blob) Duration() float64 {
	if b.FPS <= 0 {
		return 0
	}
	return float64(b.Frames) / float64(b.FPS)
}

// Ext returns the file extension for the blob's container.
func (b *Blob) Ext() string {
	if f, ok := Lookup(b.MimeType); ok {
		return f.Ext
	}
	return "webm"
}

func (b *Blob) Reader() io.Reader {
	rs := make([]io.Reader, len(b.Chunks))
	for i, c := range b.Chunks {
		rs[i] = bytes.NewReader(c)
	}
	return io.MultiReader(rs...)
}

func (b *Blob) Bytes() []byte {
	if len(b.Chunks) == 1 {
		return b.Chunks[0]
	}
	return bytes.Join(b.Chunks, nil)
}

func (b *Blob) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, b.Reader())
}

// Path returns the backing file, if any.
func (b *Blob) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Materialize writes the blob into dir once and returns the file path. Later
// calls return the same path.
func (b *Blob) Materialize(dir string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path != "" {
		if _, err := os.Stat(b.path); err == nil {
			return b.path, nil
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "blob-*."+b.Ext())
	if err != nil {
		return "", err
	}
	if _, err := b.WriteTo(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	b.path = filepath.Clean(f.Name())
	return b.path, nil
}
