package system

import (
	"image"
	"sync"
)

// FramePool reuses *image.RGBA canvases per size so the capture loop does not
// allocate a full frame every tick.
type FramePool struct {
	pools map[image.Rectangle]*sync.Pool
	mu    sync.RWMutex
}

func NewFramePool() *FramePool {
	return &FramePool{pools: make(map[image.Rectangle]*sync.Pool)}
}

var globalPool = NewFramePool()

// GetFrame takes a frame of the given bounds from the shared pool.
func GetFrame(rect image.Rectangle) *image.RGBA {
	return globalPool.Get(rect)
}

// PutFrame hands a frame back to the shared pool.
func PutFrame(img *image.RGBA) {
	globalPool.Put(img)
}

// Get returns a frame with the requested bounds. Its pixels are not cleared.
func (p *FramePool) Get(rect image.Rectangle) *image.RGBA {
	p.mu.RLock()
	pool, exists := p.pools[rect]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		// повторная проверка под записью
		pool, exists = p.pools[rect]
		if !exists {
			pool = &sync.Pool{
				New: func() any {
					return image.NewRGBA(rect)
				},
			}
			p.pools[rect] = pool
		}
		p.mu.Unlock()
	}

	return pool.Get().(*image.RGBA)
}

// Put returns img for reuse. Frames of a size never requested are dropped.
func (p *FramePool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	p.mu.RLock()
	pool, exists := p.pools[img.Rect]
	p.mu.RUnlock()

	if exists {
		pool.Put(img)
	}
}
