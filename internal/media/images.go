package media

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ivlev/reelforge/internal/clock"
)

// ImageSequence plays a directory of stills as a video track, showing each
// image for Hold and looping at the end.
type ImageSequence struct {
	base
	paths []string
	w, h  int
	hold  time.Duration
	clk   clock.Clock
	start time.Time

	mu    sync.Mutex
	index int
	cur   image.Image
}

// NewImageSequence accepts a single image or a directory of .jpg/.jpeg/.png
// files, played in lexical order.
func NewImageSequence(path string, hold time.Duration, clk clock.Clock) (*ImageSequence, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var paths []string
	if fi.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(entry.Name())) {
			case ".jpg", ".jpeg", ".png":
				paths = append(paths, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = []string{path}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", path)
	}

	f, err := os.Open(paths[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", paths[0], err)
	}

	if hold <= 0 {
		hold = time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &ImageSequence{paths: paths, w: cfg.Width, h: cfg.Height, hold: hold, clk: clk, start: clk.Now(), index: -1}
	s.init(KindVideo, nil)
	return s, nil
}

func (s *ImageSequence) Len() int         { return len(s.paths) }
func (s *ImageSequence) Size() (int, int) { return s.w, s.h }

// Frame returns the image due at the current time. Decode failures keep the
// previous frame.
func (s *ImageSequence) Frame() image.Image {
	if s.Ended() {
		return nil
	}
	idx := int(s.clk.Now().Sub(s.start)/s.hold) % len(s.paths)

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx == s.index {
		return s.cur
	}
	img, err := decodeImage(s.paths[idx])
	if err != nil {
		return s.cur
	}
	s.index, s.cur = idx, img
	return img
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}
