// Package project reads and writes the YAML manifest that describes the
// overlays and look of a recording session.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
)

const Version = "1.0"

var ErrDrawingSource = errors.New("project: drawing needs an image or strokes")

// Project is the manifest root.
type Project struct {
	Version string `yaml:"version"`
	Aspect  string `yaml:"aspect,omitempty"`
	Mirror  bool   `yaml:"mirror,omitempty"`
	Filter  string `yaml:"filter,omitempty"` // preset id or CSS filter

	// Intensity scales the filter amounts; zero keeps them as written.
	Intensity float64             `yaml:"intensity,omitempty"`
	Adjust    *filter.Adjustments `yaml:"adjust,omitempty"`

	Music    *Music          `yaml:"music,omitempty"`
	Texts    []layer.Text    `yaml:"texts,omitempty"`
	Stickers []layer.Sticker `yaml:"stickers,omitempty"`
	Drawings []Drawing       `yaml:"drawings,omitempty"`

	dir string
}

type Music struct {
	Path   string  `yaml:"path"`
	Volume float64 `yaml:"volume,omitempty"`
}

// Drawing is either an image file or a list of strokes baked on load.
type Drawing struct {
	Image   string   `yaml:"image,omitempty"`
	Strokes []Stroke `yaml:"strokes,omitempty"`
	Width   int      `yaml:"width,omitempty"`
	Height  int      `yaml:"height,omitempty"`
	Opacity float64  `yaml:"opacity,omitempty"`
}

type Stroke struct {
	Points [][2]float64 `yaml:"points,flow"`
	Color  string       `yaml:"color,omitempty"`
	Width  float64      `yaml:"width,omitempty"`
	Eraser bool         `yaml:"eraser,omitempty"`
}

// Write stores the manifest at path.
func Write(p *Project, path string) error {
	if p.Version == "" {
		p.Version = Version
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Read loads a manifest. Relative paths inside it resolve against the
// manifest's directory.
func Read(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	return &p, nil
}

func (p *Project) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.dir == "" {
		return path
	}
	return filepath.Join(p.dir, path)
}

func (p *Project) AspectRatio() (compositor.Aspect, error) {
	return compositor.ParseAspect(p.Aspect)
}

func (p *Project) FilterChain() (filter.Chain, error) {
	c, err := filter.Resolve(p.Filter)
	if err != nil {
		return nil, err
	}
	if p.Intensity > 0 {
		c = c.Scale(p.Intensity)
	}
	if p.Adjust != nil {
		c = append(c, p.Adjust.Chain()...)
	}
	return c, nil
}

// MusicPath returns the resolved background track, empty when none.
func (p *Project) MusicPath() (string, float64) {
	if p.Music == nil || p.Music.Path == "" {
		return "", 0
	}
	return p.resolve(p.Music.Path), p.Music.Volume
}

// Layers builds the layer set. Image drawings decode in the background and
// appear once ready; stroke drawings are rasterized here at the given
// canvas size unless the entry sets its own.
func (p *Project) Layers(ctx context.Context, width, height int) (*layer.Set, error) {
	set := layer.NewSet()
	for _, t := range p.Texts {
		set.Add(layer.NewText(t))
	}
	for _, s := range p.Stickers {
		set.Add(layer.NewSticker(s))
	}
	for i, d := range p.Drawings {
		l, err := p.drawing(ctx, d, width, height)
		if err != nil {
			return nil, fmt.Errorf("drawing %d: %w", i, err)
		}
		set.Add(l)
	}
	return set, nil
}

func (p *Project) drawing(ctx context.Context, d Drawing, width, height int) (*layer.Drawing, error) {
	switch {
	case d.Image != "":
		return layer.NewDrawing(layer.LoadRaster(ctx, p.resolve(d.Image)), d.Opacity), nil
	case len(d.Strokes) > 0:
		if d.Width > 0 && d.Height > 0 {
			width, height = d.Width, d.Height
		}
		sk := layer.NewSketch(width, height)
		for _, st := range d.Strokes {
			pts := make([]layer.Point, len(st.Points))
			for i, pt := range st.Points {
				pts[i] = layer.Point{X: pt[0], Y: pt[1]}
			}
			if err := sk.Add(layer.Stroke{Points: pts, Color: st.Color, Width: st.Width, Eraser: st.Eraser}); err != nil {
				return nil, err
			}
		}
		return sk.Finalize(d.Opacity)
	}
	return nil, ErrDrawingSource
}
