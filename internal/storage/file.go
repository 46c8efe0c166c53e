package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ivlev/reelforge/internal/encoder"
)

// FileStore keeps one directory per recording under Dir:
//
//	<Dir>/<id>/video.<ext>
//	<Dir>/<id>/meta.yaml
//	<Dir>/<id>/thumb.jpg
type FileStore struct {
	Dir string
	Now func() time.Time
	Log *slog.Logger
}

var _ Library = (*FileStore)(nil)

func NewFileStore(dir string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{Dir: dir, Now: time.Now, Log: log}
}

func (s *FileStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Save writes the recording. A failed save leaves nothing behind.
func (s *FileStore) Save(ctx context.Context, rec Record) (ID, error) {
	if err := validate(rec); err != nil {
		return "", err
	}
	id := ID(uuid.NewString())
	entry := newEntry(id, rec, s.now())
	dir := filepath.Join(s.Dir, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := s.write(ctx, dir, entry, rec); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	s.Log.Info("recording saved", "id", id, "title", entry.Title, "bytes", entry.Size, "duration", entry.DurationSeconds)
	return id, nil
}

func (s *FileStore) write(ctx context.Context, dir string, entry *Entry, rec Record) error {
	f, err := os.Create(filepath.Join(dir, entry.Video))
	if err != nil {
		return err
	}
	if _, err := rec.Blob.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write video: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if rec.Thumbnail != nil {
		data, err := encodeThumbnail(rec.Thumbnail)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, thumbFile), data, 0o644); err != nil {
			return err
		}
	}

	// Метаданные пишутся последними: каталог без meta.yaml не попадает в List.
	data, err := entry.marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFile), data, 0o644)
}

// List returns every stored recording, newest first. Directories without a
// readable sidecar are skipped.
func (s *FileStore) List(ctx context.Context) ([]*Entry, error) {
	dirs, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := s.entry(ID(d.Name()))
		if err != nil {
			s.Log.Debug("skipping unreadable recording", "dir", d.Name(), "error", err)
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) entry(id ID) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, string(id), metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalEntry(data)
}

// Get loads the sidecar and the video. The blob is backed by the stored
// file so replay reads it in place.
func (s *FileStore) Get(_ context.Context, id ID) (*Entry, *encoder.Blob, error) {
	if !validID(id) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e, err := s.entry(id)
	if err != nil {
		return nil, nil, err
	}
	blob, err := encoder.OpenBlob(filepath.Join(s.Dir, string(id), e.Video), e.MimeType)
	if err != nil {
		return nil, nil, fmt.Errorf("open video for %s: %w", id, err)
	}
	blob.Width, blob.Height, blob.FPS = e.Width, e.Height, e.FPS
	return e, blob, nil
}

// ThumbnailPath returns the poster frame file, empty when none was stored.
func (s *FileStore) ThumbnailPath(e *Entry) string {
	if e == nil || e.Thumbnail == "" {
		return ""
	}
	return filepath.Join(s.Dir, string(e.ID), e.Thumbnail)
}

func (s *FileStore) Delete(_ context.Context, id ID) error {
	if !validID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	dir := filepath.Join(s.Dir, string(id))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	s.Log.Info("recording deleted", "id", id)
	return nil
}

func validID(id ID) bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}
