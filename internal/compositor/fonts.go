package compositor

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

var (
	goFontsOnce sync.Once
	goFonts     map[string]*opentype.Font
	goFontsErr  error
)

func loadGoFonts() (map[string]*opentype.Font, error) {
	goFontsOnce.Do(func() {
		goFonts = make(map[string]*opentype.Font)
		for name, data := range map[string][]byte{
			"regular": goregular.TTF,
			"bold":    gobold.TTF,
			"italic":  goitalic.TTF,
			"mono":    gomono.TTF,
		} {
			f, err := opentype.Parse(data)
			if err != nil {
				goFontsErr = fmt.Errorf("parse go font %s: %w", name, err)
				return
			}
			goFonts[name] = f
		}
	})
	return goFonts, goFontsErr
}

type faceKey struct {
	f    *opentype.Font
	size float64
}

// FontBook maps CSS family names to parsed fonts and caches sized faces.
// Faces are not safe for concurrent use, so each compositor owns its book.
type FontBook struct {
	mu      sync.Mutex
	custom  map[string]*opentype.Font
	sticker *opentype.Font
	faces   map[faceKey]font.Face
}

func NewFontBook() (*FontBook, error) {
	if _, err := loadGoFonts(); err != nil {
		return nil, err
	}
	return &FontBook{custom: make(map[string]*opentype.Font), faces: make(map[faceKey]font.Face)}, nil
}

// Register adds a TrueType or OpenType font under a family name.
func (b *FontBook) Register(family string, data []byte) error {
	f, err := opentype.Parse(data)
	if err != nil {
		return fmt.Errorf("parse font %s: %w", family, err)
	}
	b.mu.Lock()
	b.custom[strings.ToLower(strings.TrimSpace(family))] = f
	b.mu.Unlock()
	return nil
}

// LoadStickerFont replaces the sticker glyph font with the file at path.
// Color emoji tables are not rendered; a monochrome emoji font works.
func (b *FontBook) LoadStickerFont(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return fmt.Errorf("parse sticker font %s: %w", path, err)
	}
	b.mu.Lock()
	b.sticker = f
	b.mu.Unlock()
	return nil
}

// resolve walks a CSS font-family list and returns the first match. Unknown
// families fall back to the Go font closest in style.
func (b *FontBook) resolve(family string) *opentype.Font {
	fonts, _ := loadGoFonts()
	for _, name := range strings.Split(family, ",") {
		name = strings.ToLower(strings.Trim(strings.TrimSpace(name), `"'`))
		if f, ok := b.custom[name]; ok {
			return f
		}
		switch {
		case name == "monospace" || strings.Contains(name, "mono") || strings.Contains(name, "courier"):
			return fonts["mono"]
		case strings.Contains(name, "bold") || strings.Contains(name, "black") || strings.Contains(name, "impact"):
			return fonts["bold"]
		case strings.Contains(name, "italic") || name == "cursive" || strings.Contains(name, "script"):
			return fonts["italic"]
		}
	}
	return fonts["regular"]
}

// Face returns a face for family at size pixels.
func (b *FontBook) Face(family string, size float64) (font.Face, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faceLocked(b.resolve(family), size)
}

// StickerFace returns the sticker font at size pixels.
func (b *FontBook) StickerFace(size float64) (font.Face, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.sticker
	if f == nil {
		f = b.resolve("")
	}
	return b.faceLocked(f, size)
}

// StickerCovers reports whether the sticker font has a glyph for every rune
// in s.
func (b *FontBook) StickerCovers(s string) bool {
	if s == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.sticker
	if f == nil {
		f = b.resolve("")
	}
	var buf sfnt.Buffer
	for _, r := range s {
		if x, err := f.GlyphIndex(&buf, r); err != nil || x == 0 {
			return false
		}
	}
	return true
}

func (b *FontBook) faceLocked(f *opentype.Font, size float64) (font.Face, error) {
	size = math.Max(1, math.Round(size*2)/2)
	key := faceKey{f: f, size: size}
	if face, ok := b.faces[key]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, err
	}
	b.faces[key] = face
	return face, nil
}
