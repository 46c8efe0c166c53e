package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/config"
	"github.com/ivlev/reelforge/internal/logger"
	"github.com/ivlev/reelforge/internal/metrics"
	"github.com/ivlev/reelforge/internal/storage"
	"github.com/ivlev/reelforge/internal/system"
)

var buildVersion = "dev"

const usage = `reelforge <command> [flags]

Команды:
  record    записать ролик с камеры, файла или тестового источника
  export    обрезать или склеить сохранённые ролики
  list      показать сохранённые ролики
  presets   показать пресеты фильтров
  script    сгенерировать сценарий для телесуфлёра
`

// app holds what every command shares.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	fonts   *compositor.FontBook
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "record":
		err = runRecord(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "list":
		err = runList(ctx, args)
	case "presets":
		err = runPresets(args)
	case "script":
		err = runScript(ctx, args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "[-] Неизвестная команда: %s\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("[-] Ошибка: %v", err)
	}
}

// setup loads configuration in order: defaults, YAML file, .env and
// REELFORGE_* variables, then the command's flags.
func setup(ctx context.Context, fs *flag.FlagSet, args []string) (*app, error) {
	cfg := config.Default()
	cfg.BuildVersion = buildVersion
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	path := config.GetEnv(config.EnvPrefix+"CONFIG", "reelforge.yaml")
	if err := cfg.ReadFile(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger.New(cfg.LogLevel, cfg.LogFormat), metrics: metrics.New()}
	slog.SetDefault(a.log)
	a.log.Debug("starting", "version", cfg.BuildVersion, "command", fs.Name())
	system.InitResourceLimits(a.log)

	fonts, err := compositor.NewFontBook()
	if err != nil {
		return nil, err
	}
	if cfg.StickerFont != "" {
		if err := fonts.LoadStickerFont(cfg.StickerFont); err != nil {
			a.log.Warn("sticker font not loaded, falling back to discs", "path", cfg.StickerFont, "error", err)
		}
	}
	a.fonts = fonts

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, a.metrics.Router(a.log, nil), a.log); err != nil {
				a.log.Error("metrics server failed", "error", err)
			}
		}()
	}
	return a, nil
}

// library picks the S3 gateway when a bucket is configured.
func (a *app) library() (storage.Library, error) {
	if a.cfg.S3.Bucket == "" {
		return storage.NewFileStore(a.cfg.StoreDir, a.log), nil
	}
	s3, err := storage.NewS3Store(a.cfg.S3Config(), a.log)
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func (a *app) report(ctx context.Context) {
	if !a.cfg.ShowStats {
		return
	}
	st, err := system.Snapshot(ctx, 200*time.Millisecond)
	if err != nil {
		a.log.Warn("host stats unavailable", "error", err)
		return
	}
	fmt.Println(st.Report())
}
