package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/ivlev/reelforge/internal/clock"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/storage"
	"github.com/ivlev/reelforge/internal/system"
	"github.com/ivlev/reelforge/internal/timeline"
)

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	ids := fs.String("id", "", "ID ролика или несколько через запятую (будут склеены)")
	start := fs.Float64("start", 0, "Начало фрагмента в секундах")
	end := fs.Float64("end", -1, "Конец фрагмента в секундах (-1: до конца)")
	save := fs.Bool("save", false, "Сохранить результат в библиотеку как новый ролик")

	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	if *ids == "" {
		return fmt.Errorf("-id is required")
	}
	lib, err := a.library()
	if err != nil {
		return err
	}

	enc := &encoder.FFmpegEncoder{Bin: a.cfg.FFmpegPath, Log: a.log, OnChunk: a.metrics.IncChunk}
	replay := &timeline.Replayer{
		Opener:      timeline.FFmpegOpener{Dir: a.cfg.WorkDir, FPS: a.cfg.FPS, Log: a.log},
		Encoder:     enc,
		Downloader:  timeline.DirDownloader{Dir: a.cfg.OutputDir},
		FPS:         a.cfg.FPS,
		MimeType:    a.cfg.MimeType,
		Bitrate:     a.cfg.VideoBitrate,
		SeekTimeout: a.cfg.SeekTimeout,
		Fonts:       a.fonts,
		Clock:       clock.Real(),
		Log:         a.log,
		OnExport:    a.metrics.IncExport,
	}
	ed := timeline.NewEditor(replay, a.log)

	var titles []string
	var target string
	for _, raw := range strings.Split(*ids, ",") {
		id := storage.ID(strings.TrimSpace(raw))
		e, blob, err := lib.Get(ctx, id)
		if err != nil {
			return err
		}
		c := timeline.NewClip(e.Title, blob, clipDuration(ctx, e, blob))
		if err := ed.Add(c); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Printf("[*] Клип %s: %s (%.1f с)\n", id, e.Title, c.OriginalDuration)
		titles = append(titles, e.Title)
		target = c.ID
	}

	if ed.Len() > 1 {
		fmt.Printf("[*] Склейка %d клипов...\n", ed.Len())
		merged, err := ed.Merge(ctx)
		if err != nil {
			return err
		}
		target = merged.ID
	}

	c, err := ed.Get(target)
	if err != nil {
		return err
	}
	to := *end
	if to < 0 {
		to = c.OriginalDuration
	}
	if c, err = ed.Trim(target, *start, to); err != nil {
		return err
	}

	fmt.Printf("[*] Экспорт %.1f..%.1f с\n", c.Start, c.End)
	out, err := ed.Export(ctx, target)
	if err != nil {
		return err
	}

	if *save {
		id, err := lib.Save(ctx, storage.Record{
			Blob:            out.Blob,
			DurationSeconds: max(1, int(math.Round(c.Duration()))),
			Title:           strings.Join(titles, " + ") + " (edited)",
			Metadata:        map[string]any{"sources": *ids, "start": c.Start, "end": c.End},
		})
		if err != nil {
			return err
		}
		fmt.Printf("[*] Сохранено в библиотеку: %s\n", id)
	}
	a.report(ctx)
	fmt.Printf("[+++] Успех! Результат: %s\n", out.Download)
	return nil
}

// clipDuration prefers the probed container length and falls back to the
// whole seconds kept in the sidecar.
func clipDuration(ctx context.Context, e *storage.Entry, blob *encoder.Blob) float64 {
	if d := blob.Duration(); d > 0 {
		return d
	}
	if p := blob.Path(); p != "" {
		if d, err := system.ProbeDuration(ctx, p); err == nil && d > 0 {
			return d
		}
	}
	return float64(e.DurationSeconds)
}
