package system

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	ImageExts = []string{".jpg", ".jpeg", ".png"}
	AudioExts = []string{".mp3", ".wav", ".m4a", ".ogg", ".aac", ".flac"}
	VideoExts = []string{".webm", ".mp4", ".mov", ".mkv"}
)

// InitResourceLimits raises the open file limit. Every encoder session holds
// several pipes.
func InitResourceLimits(log *slog.Logger) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn("getrlimit failed", "error", err)
		return
	}

	rLimit.Cur = 2048
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}

	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn("setrlimit failed", "error", err)
		return
	}
	log.Debug("open file limit raised", "limit", rLimit.Cur)
}

// FindLatest returns the newest file in dir whose extension is one of exts.
// A path to a file is searched in its parent directory.
func FindLatest(path string, exts ...string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	dir := path
	if !fi.IsDir() {
		dir = filepath.Dir(path)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time

	for _, f := range files {
		if f.IsDir() || !hasExt(f.Name(), exts) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(dir, f.Name())
		}
	}

	if latestFile == "" {
		return "", fmt.Errorf("no %s files in %s", strings.Join(exts, "/"), dir)
	}
	return latestFile, nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// MediaInfo is what ffprobe reports about a container.
type MediaInfo struct {
	Width    int
	Height   int
	Duration float64
	HasAudio bool
}

// Probe asks ffprobe for the first video stream's size, the container
// duration and whether any audio stream exists.
func Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error",
		"-show_entries", "stream=codec_type,width,height:format=duration",
		"-of", "default=noprint_wrappers=1", path)
	out, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(string(out))
}

func parseProbe(out string) (MediaInfo, error) {
	var info MediaInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "codec_type":
			if v == "audio" {
				info.HasAudio = true
			}
		case "width":
			if n, err := strconv.Atoi(v); err == nil && info.Width == 0 {
				info.Width = n
			}
		case "height":
			if n, err := strconv.Atoi(v); err == nil && info.Height == 0 {
				info.Height = n
			}
		case "duration":
			if d, err := strconv.ParseFloat(v, 64); err == nil {
				info.Duration = d
			}
		}
	}
	if info.Width == 0 && info.Height == 0 && info.Duration == 0 && !info.HasAudio {
		return info, fmt.Errorf("ffprobe returned no streams")
	}
	return info, nil
}

// ProbeDuration returns the container duration in seconds.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, err
	}

	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &duration); err != nil {
		return 0, err
	}
	return duration, nil
}
