package layer

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"sync/atomic"
)

// Raster is the pixel content of a drawing layer. Image must not be called
// before Complete reports true.
type Raster interface {
	Complete() bool
	Image() image.Image
}

type staticRaster struct {
	img image.Image
}

// StaticRaster wraps an already decoded image.
func StaticRaster(img image.Image) Raster {
	return &staticRaster{img: img}
}

func (r *staticRaster) Complete() bool     { return r.img != nil }
func (r *staticRaster) Image() image.Image { return r.img }

// AsyncRaster decodes an image file in the background. The compositor polls
// Complete on every frame instead of waiting for it.
type AsyncRaster struct {
	done atomic.Bool
	mu   sync.Mutex
	img  image.Image
	err  error
	wait chan struct{}
}

// LoadRaster starts decoding path and returns immediately.
func LoadRaster(ctx context.Context, path string) *AsyncRaster {
	r := &AsyncRaster{wait: make(chan struct{})}
	go func() {
		defer close(r.wait)
		img, err := decodeFile(ctx, path)
		r.mu.Lock()
		r.img, r.err = img, err
		r.mu.Unlock()
		if err == nil {
			r.done.Store(true)
		}
	}()
	return r
}

func decodeFile(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Complete reports whether decoding finished successfully.
func (r *AsyncRaster) Complete() bool {
	return r.done.Load()
}

// Image returns the decoded image or nil.
func (r *AsyncRaster) Image() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.img
}

// Wait blocks until decoding finishes and returns its error.
func (r *AsyncRaster) Wait(ctx context.Context) error {
	select {
	case <-r.wait:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
