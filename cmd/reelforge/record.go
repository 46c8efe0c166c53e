package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ivlev/reelforge/internal/clock"
	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
	"github.com/ivlev/reelforge/internal/project"
	"github.com/ivlev/reelforge/internal/recorder"
	"github.com/ivlev/reelforge/internal/studio"
	"github.com/ivlev/reelforge/internal/system"
)

func runRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	input := fs.String("input", "", "Папка с изображениями, видеофайл или testpattern (по умолчанию: самый свежий файл в input/)")
	seconds := fs.Int("seconds", 10, "Длительность записи в секундах")
	hold := fs.Duration("hold", 2*time.Second, "Сколько показывать каждое изображение")
	projectPath := fs.String("project", "", "YAML-манифест со слоями")
	title := fs.String("title", "", "Название ролика")
	description := fs.String("description", "", "Описание ролика")
	music := fs.String("music", "", "Фоновая музыка (по умолчанию: из проекта или input/audio/)")
	volume := fs.Float64("music-volume", 0.5, "Громкость музыки 0..1")
	filterName := fs.String("filter", "", "Пресет или CSS-фильтр, например vintage или \"sepia(0.5)\"")
	intensity := fs.Float64("intensity", 0, "Множитель силы фильтра, например 0.5 или 1.5 (0: как в пресете)")
	mirror := fs.Bool("mirror", false, "Зеркалить изображение")
	text := fs.String("text", "", "Текст поверх видео на всё время записи")
	audio := fs.Bool("audio", true, "Записывать звук источника")

	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	cfg := a.cfg

	manifest := *projectPath
	if manifest == "" {
		manifest = cfg.ProjectPath
	}
	var proj *project.Project
	if manifest != "" {
		if proj, err = project.Read(manifest); err != nil {
			return err
		}
		fmt.Printf("[*] Проект: %s\n", manifest)
	}

	src := *input
	if src == "" && cfg.InputPath != "" {
		src = cfg.InputPath
	}
	if src == "" {
		src = latestInput()
		fmt.Printf("[*] Выбран источник: %s\n", src)
	}
	dev, err := device(src, *hold, a)
	if err != nil {
		return err
	}

	opts := recorder.Options{
		FPS:          cfg.FPS,
		MimeType:     cfg.MimeType,
		TimeSlice:    cfg.TimeSlice,
		Aspect:       cfg.AspectRatio(),
		Mirror:       *mirror,
		Fonts:        a.fonts,
		VideoBitrate: cfg.VideoBitrate,
		AudioBitrate: cfg.AudioBitrate,
	}
	if proj != nil {
		if opts.Aspect, err = proj.AspectRatio(); err != nil {
			return err
		}
		if opts.Filter, err = proj.FilterChain(); err != nil {
			return err
		}
		opts.Mirror = opts.Mirror || proj.Mirror
		opts.Music, opts.MusicVolume = proj.MusicPath()
	}
	if *filterName != "" {
		if opts.Filter, err = filter.Resolve(*filterName); err != nil {
			return err
		}
	}
	if *intensity > 0 {
		opts.Filter = opts.Filter.Scale(*intensity)
	}
	if *music != "" {
		opts.Music, opts.MusicVolume = *music, *volume
	} else if opts.Music == "" {
		if latest, err := system.FindLatest("input/audio", system.AudioExts...); err == nil {
			opts.Music, opts.MusicVolume = latest, *volume
			fmt.Printf("[*] Выбрано аудио: %s\n", latest)
		}
	}

	enc := &encoder.FFmpegEncoder{Bin: cfg.FFmpegPath, Log: a.log, OnChunk: a.metrics.IncChunk}
	rec := recorder.New(enc, clock.Real(), a.log, recorder.Hooks{
		OnStart: func(m recorder.Mode) { a.metrics.RecordingStarted(m.String()) },
		OnFrame: func(st compositor.FrameStats) { a.metrics.IncFrame(st.SkippedDrawings) },
		OnStop:  func(_ *encoder.Blob, err error) { a.metrics.RecordingStopped(err != nil) },
	})
	lib, err := a.library()
	if err != nil {
		return err
	}
	cam := media.NewCamera(dev, media.Constraints{Facing: media.FacingUser, Audio: *audio}, a.log)
	st := studio.New(cam, rec, lib, nil, studio.Config{
		Facing:  media.FacingUser,
		Session: opts,
		Zoom:    cfg.ZoomOptions(),
	}, a.log)

	stream, err := st.OpenCamera(ctx)
	if err != nil {
		return err
	}
	defer st.CloseCamera()

	if proj != nil {
		w, h := stream.Video.Size()
		cw, ch := compositor.Dimensions(w, h, opts.Aspect)
		set, err := proj.Layers(ctx, cw, ch)
		if err != nil {
			return err
		}
		snap := set.Snapshot()
		for _, t := range snap.Texts {
			st.AddLayer(t)
		}
		for _, s := range snap.Stickers {
			st.AddLayer(s)
		}
		for _, d := range snap.Drawings {
			st.AddLayer(d)
		}
	}
	if *text != "" {
		st.AddLayer(layer.NewText(layer.Text{Text: *text, X: 50, Y: 85, Background: "rgba(0,0,0,0.5)"}))
	}

	fmt.Printf("[*] Запись %d с, режим %s, %s\n", *seconds, recorder.ChooseMode(st.Options()), cfg.MimeType)
	if err := st.Start(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(time.Duration(*seconds) * time.Second)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		fmt.Println("[!] Прервано, останавливаю запись")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	blob, err := st.Stop(stopCtx)
	if err != nil {
		return err
	}
	if err := rec.Err(); err != nil {
		return err
	}
	if blob.Empty() {
		return fmt.Errorf("encoder produced no data")
	}
	fmt.Printf("[*] Записано %d кадров, %d байт\n", blob.Frames, blob.Size())

	id, err := st.Save(stopCtx, *title, *description)
	if err != nil {
		return err
	}
	a.report(stopCtx)
	fmt.Printf("[+++] Успех! Сохранено: %s (%d с)\n", id, rec.ElapsedSeconds())
	return nil
}

// device turns the -input value into a capture device.
func device(src string, hold time.Duration, a *app) (media.Device, error) {
	if src == "testpattern" {
		return media.DeviceFunc(func(context.Context, media.Constraints) (*media.Stream, error) {
			return media.NewStream(media.NewTestPattern(compositor.FallbackWidth, compositor.FallbackHeight, clock.Real())), nil
		}), nil
	}
	fi, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(src))
	if !fi.IsDir() && slices.Contains(system.VideoExts, ext) {
		return media.FileDevice{Path: src, Loop: true, Log: a.log}, nil
	}
	return media.DeviceFunc(func(context.Context, media.Constraints) (*media.Stream, error) {
		seq, err := media.NewImageSequence(src, hold, clock.Real())
		if err != nil {
			return nil, err
		}
		return media.NewStream(seq), nil
	}), nil
}

// latestInput prefers the newest video, then the image folder, then the
// synthetic pattern.
func latestInput() string {
	if p, err := system.FindLatest("input/video", system.VideoExts...); err == nil {
		return p
	}
	if _, err := system.FindLatest("input/images", system.ImageExts...); err == nil {
		return "input/images"
	}
	return "testpattern"
}
