// Package storage persists finished recordings together with their
// metadata and a poster frame.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/reelforge/internal/encoder"
)

var (
	ErrNotFound       = errors.New("storage: recording not found")
	ErrEmptyRecording = errors.New("storage: recording is empty")
	ErrNoDuration     = errors.New("storage: duration must be positive")
)

// ThumbnailWidth bounds the stored poster frame.
const ThumbnailWidth = 320

const (
	metaFile  = "meta.yaml"
	thumbFile = "thumb.jpg"
)

type ID string

// Record is what a finished recording hands to the gateway.
type Record struct {
	Blob            *encoder.Blob
	DurationSeconds int
	Title           string
	Description     string
	Metadata        map[string]any
	Thumbnail       image.Image
}

// Gateway accepts finished recordings and returns their stored id.
type Gateway interface {
	Save(ctx context.Context, rec Record) (ID, error)
}

// Library is a gateway that can also list, read back and remove recordings.
type Library interface {
	Gateway
	List(ctx context.Context) ([]*Entry, error)
	Get(ctx context.Context, id ID) (*Entry, *encoder.Blob, error)
	Delete(ctx context.Context, id ID) error
}

// Entry is the sidecar stored next to every recording.
type Entry struct {
	ID              ID             `yaml:"id"`
	Title           string         `yaml:"title"`
	Description     string         `yaml:"description,omitempty"`
	DurationSeconds int            `yaml:"duration_seconds"`
	MimeType        string         `yaml:"mime_type"`
	Size            int            `yaml:"size"`
	Width           int            `yaml:"width,omitempty"`
	Height          int            `yaml:"height,omitempty"`
	FPS             int            `yaml:"fps,omitempty"`
	Video           string         `yaml:"video"`
	Thumbnail       string         `yaml:"thumbnail,omitempty"`
	Metadata        map[string]any `yaml:"metadata,omitempty"`
	CreatedAt       time.Time      `yaml:"created_at"`
}

func validate(rec Record) error {
	if rec.Blob.Empty() {
		return ErrEmptyRecording
	}
	if rec.DurationSeconds <= 0 {
		return ErrNoDuration
	}
	return nil
}

func newEntry(id ID, rec Record, now time.Time) *Entry {
	title := strings.TrimSpace(rec.Title)
	if title == "" {
		title = "Recording " + now.Format("2006-01-02 15:04")
	}
	e := &Entry{
		ID:              id,
		Title:           title,
		Description:     rec.Description,
		DurationSeconds: rec.DurationSeconds,
		MimeType:        rec.Blob.MimeType,
		Size:            rec.Blob.Size(),
		Width:           rec.Blob.Width,
		Height:          rec.Blob.Height,
		FPS:             rec.Blob.FPS,
		Video:           "video." + rec.Blob.Ext(),
		Metadata:        rec.Metadata,
		CreatedAt:       now.UTC(),
	}
	if rec.Thumbnail != nil {
		e.Thumbnail = thumbFile
	}
	return e
}

func (e *Entry) marshal() ([]byte, error) {
	data, err := yaml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", e.ID, err)
	}
	return data, nil
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &e, nil
}

// encodeThumbnail scales img down to ThumbnailWidth and encodes it as JPEG.
func encodeThumbnail(img image.Image) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() > ThumbnailWidth {
		h := max(1, b.Dy()*ThumbnailWidth/b.Dx())
		dst := image.NewRGBA(image.Rect(0, 0, ThumbnailWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Rect, img, b, draw.Src, nil)
		img = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
