// Package config layers settings from a YAML file, the environment and
// command line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/storage"
	"github.com/ivlev/reelforge/internal/zoom"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "REELFORGE_"

type Config struct {
	InputPath    string        `yaml:"input"`
	ProjectPath  string        `yaml:"project"`
	StoreDir     string        `yaml:"store_dir"`
	OutputDir    string        `yaml:"output_dir"`
	WorkDir      string        `yaml:"work_dir"`
	FPS          int           `yaml:"fps"`
	Aspect       string        `yaml:"aspect"`
	MimeType     string        `yaml:"mime_type"`
	TimeSlice    time.Duration `yaml:"time_slice"`
	VideoBitrate int           `yaml:"video_bitrate"`
	AudioBitrate int           `yaml:"audio_bitrate"`
	ZoomMin      float64       `yaml:"zoom_min"`
	ZoomMax      float64       `yaml:"zoom_max"`
	ZoomSpeed    float64       `yaml:"zoom_speed"`
	SeekTimeout  time.Duration `yaml:"seek_timeout"`
	StickerFont  string        `yaml:"sticker_font"`
	FFmpegPath   string        `yaml:"ffmpeg"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	ShowStats   bool   `yaml:"show_stats"`

	ScriptURL       string `yaml:"script_url"`
	ScriptPerMinute int    `yaml:"script_per_minute"`

	S3 S3 `yaml:"s3"`

	BuildVersion string `yaml:"-"`
}

// S3 enables the bucket gateway when Bucket is set.
type S3 struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		StoreDir:        "reels",
		OutputDir:       "output",
		WorkDir:         os.TempDir(),
		FPS:             encoder.DefaultFPS,
		Aspect:          string(compositor.DefaultAspect),
		MimeType:        encoder.DefaultMime,
		TimeSlice:       encoder.DefaultTimeSlice,
		VideoBitrate:    encoder.DefaultVideoBitrate,
		AudioBitrate:    encoder.DefaultAudioBitrate,
		ZoomMin:         1,
		ZoomMax:         4,
		ZoomSpeed:       0.01,
		SeekTimeout:     5 * time.Second,
		FFmpegPath:      "ffmpeg",
		LogLevel:        "info",
		LogFormat:       "text",
		ScriptPerMinute: 10,
	}
}

// LoadEnv reads .env style files into the process environment. A missing
// default .env is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// ReadFile merges a YAML file over c. Keys absent from the file keep their
// current values.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from REELFORGE_* variables.
func (c *Config) ApplyEnv() {
	c.InputPath = GetEnv(EnvPrefix+"INPUT", c.InputPath)
	c.ProjectPath = GetEnv(EnvPrefix+"PROJECT", c.ProjectPath)
	c.StoreDir = GetEnv(EnvPrefix+"STORE_DIR", c.StoreDir)
	c.OutputDir = GetEnv(EnvPrefix+"OUTPUT_DIR", c.OutputDir)
	c.WorkDir = GetEnv(EnvPrefix+"WORK_DIR", c.WorkDir)
	c.FPS = GetEnvInt(EnvPrefix+"FPS", c.FPS)
	c.Aspect = GetEnv(EnvPrefix+"ASPECT", c.Aspect)
	c.MimeType = GetEnv(EnvPrefix+"MIME_TYPE", c.MimeType)
	c.TimeSlice = GetEnvDuration(EnvPrefix+"TIME_SLICE", c.TimeSlice)
	c.VideoBitrate = GetEnvInt(EnvPrefix+"VIDEO_BITRATE", c.VideoBitrate)
	c.AudioBitrate = GetEnvInt(EnvPrefix+"AUDIO_BITRATE", c.AudioBitrate)
	c.ZoomMin = GetEnvFloat(EnvPrefix+"ZOOM_MIN", c.ZoomMin)
	c.ZoomMax = GetEnvFloat(EnvPrefix+"ZOOM_MAX", c.ZoomMax)
	c.ZoomSpeed = GetEnvFloat(EnvPrefix+"ZOOM_SPEED", c.ZoomSpeed)
	c.SeekTimeout = GetEnvDuration(EnvPrefix+"SEEK_TIMEOUT", c.SeekTimeout)
	c.StickerFont = GetEnv(EnvPrefix+"STICKER_FONT", c.StickerFont)
	c.FFmpegPath = GetEnv(EnvPrefix+"FFMPEG", c.FFmpegPath)
	c.LogLevel = GetEnv(EnvPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = GetEnv(EnvPrefix+"LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = GetEnv(EnvPrefix+"METRICS_ADDR", c.MetricsAddr)
	c.ScriptURL = GetEnv(EnvPrefix+"SCRIPT_URL", c.ScriptURL)
	c.ScriptPerMinute = GetEnvInt(EnvPrefix+"SCRIPT_PER_MINUTE", c.ScriptPerMinute)
	c.S3.Endpoint = GetEnv(EnvPrefix+"S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Region = GetEnv(EnvPrefix+"S3_REGION", c.S3.Region)
	c.S3.Bucket = GetEnv(EnvPrefix+"S3_BUCKET", c.S3.Bucket)
	c.S3.Prefix = GetEnv(EnvPrefix+"S3_PREFIX", c.S3.Prefix)
	c.S3.AccessKeyID = GetEnv(EnvPrefix+"S3_ACCESS_KEY_ID", c.S3.AccessKeyID)
	c.S3.SecretAccessKey = GetEnv(EnvPrefix+"S3_SECRET_ACCESS_KEY", c.S3.SecretAccessKey)
}

// RegisterFlags binds the common flags to c. Flag defaults are the values
// already loaded, so flags win only when given.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StoreDir, "store", c.StoreDir, "Каталог сохранённых роликов")
	fs.StringVar(&c.OutputDir, "out", c.OutputDir, "Каталог для экспорта")
	fs.IntVar(&c.FPS, "fps", c.FPS, "FPS")
	fs.StringVar(&c.Aspect, "aspect", c.Aspect, "Формат кадра: 9:16, 1:1, 16:9")
	fs.StringVar(&c.MimeType, "mime", c.MimeType, "MIME тип контейнера")
	fs.DurationVar(&c.TimeSlice, "timeslice", c.TimeSlice, "Интервал нарезки чанков")
	fs.DurationVar(&c.SeekTimeout, "seek-timeout", c.SeekTimeout, "Таймаут перемотки при экспорте")
	fs.StringVar(&c.StickerFont, "sticker-font", c.StickerFont, "Шрифт для стикеров (TTF/OTF)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text или json")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Адрес для /metrics (пусто: выключено)")
	fs.BoolVar(&c.ShowStats, "stats", c.ShowStats, "Печатать статистику CPU/памяти")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.FPS <= 0 || c.FPS > 120 {
		errs = append(errs, fmt.Errorf("fps %d out of range", c.FPS))
	}
	if _, err := compositor.ParseAspect(c.Aspect); err != nil {
		errs = append(errs, err)
	}
	if _, ok := encoder.Lookup(c.MimeType); !ok {
		errs = append(errs, fmt.Errorf("%w: %s", encoder.ErrUnsupportedMime, c.MimeType))
	}
	if c.ZoomMin <= 0 || c.ZoomMax < c.ZoomMin {
		errs = append(errs, fmt.Errorf("zoom range %.2f..%.2f is invalid", c.ZoomMin, c.ZoomMax))
	}
	if c.TimeSlice <= 0 {
		errs = append(errs, errors.New("time slice must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) AspectRatio() compositor.Aspect {
	a, err := compositor.ParseAspect(c.Aspect)
	if err != nil {
		return compositor.DefaultAspect
	}
	return a
}

func (c *Config) ZoomOptions() zoom.Options {
	o := zoom.DefaultOptions()
	o.MinZoom, o.MaxZoom, o.ZoomSpeed = c.ZoomMin, c.ZoomMax, c.ZoomSpeed
	return o
}

func (c *Config) S3Config() storage.S3Config {
	return storage.S3Config{
		Endpoint:        c.S3.Endpoint,
		Region:          c.S3.Region,
		Bucket:          c.S3.Bucket,
		Prefix:          c.S3.Prefix,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
	}
}

// GetEnv returns the value of key, or fallback when unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback when unset or not
// a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return fallback
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
