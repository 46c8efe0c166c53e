package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrNoDevice = errors.New("no capture device available")

// Facing selects a camera by the direction it points.
type Facing int

const (
	FacingAny Facing = iota
	FacingUser
	FacingEnvironment
)

func (f Facing) String() string {
	switch f {
	case FacingUser:
		return "user"
	case FacingEnvironment:
		return "environment"
	default:
		return "any"
	}
}

// Opposite flips user and environment. FacingAny flips to user.
func (f Facing) Opposite() Facing {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Constraints are passed to the device on acquisition.
type Constraints struct {
	Facing Facing
	Width  int
	Height int
	Audio  bool
}

// Device acquires a live stream from hardware or any stand-in.
type Device interface {
	Open(ctx context.Context, c Constraints) (*Stream, error)
}

// DeviceFunc adapts a function to Device.
type DeviceFunc func(ctx context.Context, c Constraints) (*Stream, error)

func (f DeviceFunc) Open(ctx context.Context, c Constraints) (*Stream, error) { return f(ctx, c) }

// Camera owns at most one open stream from a Device.
type Camera struct {
	dev  Device
	base Constraints
	log  *slog.Logger

	mu     sync.Mutex
	stream *Stream
	facing Facing
}

func NewCamera(dev Device, c Constraints, log *slog.Logger) *Camera {
	if log == nil {
		log = slog.Default()
	}
	return &Camera{dev: dev, base: c, log: log, facing: c.Facing}
}

// Start opens the device with the requested facing. If that fails it retries
// exactly once without the facing constraint. Any stream already open is
// stopped first.
func (c *Camera) Start(ctx context.Context, facing Facing) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, facing)
}

func (c *Camera) startLocked(ctx context.Context, facing Facing) (*Stream, error) {
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}

	want := c.base
	want.Facing = facing
	s, err := c.dev.Open(ctx, want)
	if err != nil && facing != FacingAny {
		c.log.Warn("camera open failed, retrying without facing", "facing", facing.String(), "error", err)
		want.Facing = FacingAny
		s, err = c.dev.Open(ctx, want)
	}
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	if s == nil || s.Video == nil {
		return nil, ErrNoDevice
	}
	c.stream, c.facing = s, facing
	c.log.Info("camera started", "stream", s.ID, "facing", facing.String(), "audio_tracks", len(s.Audio))
	return s, nil
}

// Switch stops the current stream and opens the opposite camera.
func (c *Camera) Switch(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, c.facing.Opposite())
}

// Stop releases the stream.
func (c *Camera) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
}

func (c *Camera) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Camera) Facing() Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}
