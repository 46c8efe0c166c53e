package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ivlev/reelforge/internal/system"
)

var ErrPlayerClosed = errors.New("player closed")

// pcmArgs are the output arguments every ffmpeg audio reader uses.
func pcmArgs(f AudioFormat) []string {
	return []string{"-vn", "-f", "s16le", "-ar", strconv.Itoa(f.SampleRate), "-ac", strconv.Itoa(f.Channels), "-"}
}

// processAudio exposes an ffmpeg child's stdout as a PCM audio track.
type processAudio struct {
	base
	cmd    *exec.Cmd
	out    io.ReadCloser
	format AudioFormat
}

func startProcessAudio(ctx context.Context, args []string) (*processAudio, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}
	a := &processAudio{cmd: cmd, out: out, format: DefaultAudioFormat}
	a.init(KindAudio, func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return a, nil
}

func (a *processAudio) Format() AudioFormat { return a.format }

func (a *processAudio) Read(p []byte) (int, error) {
	if a.Ended() {
		return 0, io.EOF
	}
	return a.out.Read(p)
}

// processVideo decodes a file in real time and keeps the newest frame.
type processVideo struct {
	base
	w, h int
	cmd  *exec.Cmd

	mu  sync.RWMutex
	cur image.Image
}

func (v *processVideo) Size() (int, int) { return v.w, v.h }

func (v *processVideo) Frame() image.Image {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

func (v *processVideo) pump(out io.Reader, log *slog.Logger) {
	defer v.Stop()
	frameSize := v.w * v.h * 4
	for {
		img := image.NewRGBA(image.Rect(0, 0, v.w, v.h))
		if _, err := io.ReadFull(out, img.Pix[:frameSize]); err != nil {
			if !v.Ended() {
				log.Debug("file source drained", "error", err)
			}
			return
		}
		v.mu.Lock()
		v.cur = img
		v.mu.Unlock()
	}
}

// FileDevice plays a media file as if it were a camera. Loop restarts it at
// the end. The facing constraint is ignored.
type FileDevice struct {
	Path string
	Loop bool
	Log  *slog.Logger
}

func (d FileDevice) Open(ctx context.Context, c Constraints) (*Stream, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	info, err := system.Probe(ctx, d.Path)
	if err != nil {
		return nil, err
	}
	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("%s: no video stream", d.Path)
	}

	input := []string{"-v", "error", "-re"}
	if d.Loop {
		input = append(input, "-stream_loop", "-1")
	}
	input = append(input, "-i", d.Path)

	vargs := append(append([]string{}, input...), "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	cmd := exec.CommandContext(ctx, "ffmpeg", vargs...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}
	v := &processVideo{w: info.Width, h: info.Height, cmd: cmd}
	v.init(KindVideo, func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	go v.pump(out, log)

	var audio []AudioTrack
	if c.Audio && info.HasAudio {
		a, err := startProcessAudio(ctx, append(append([]string{}, input...), pcmArgs(DefaultAudioFormat)...))
		if err != nil {
			v.Stop()
			return nil, err
		}
		audio = append(audio, a)
	}
	return NewStream(v, audio...), nil
}

// Player decodes a recorded file frame by frame for offline replay. Seeks that
// move forward by a little keep reading the running decoder; anything else
// restarts ffmpeg at the new position.
type Player struct {
	path string
	info system.MediaInfo
	fps  int
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	out    io.ReadCloser
	next   float64
	last   *image.RGBA
	closed bool
}

// OpenPlayer probes path and prepares a decoder producing fps frames per second.
func OpenPlayer(ctx context.Context, path string, fps int, log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := system.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("%s: no video stream", path)
	}
	if fps <= 0 {
		fps = 30
	}
	return &Player{path: path, info: info, fps: fps, log: log}, nil
}

func (p *Player) Size() (int, int)  { return p.info.Width, p.info.Height }
func (p *Player) Duration() float64 { return p.info.Duration }
func (p *Player) HasAudio() bool    { return p.info.HasAudio }

// Seek returns the frame shown at t seconds. It honors ctx deadlines so a
// stalled decoder cannot hang the caller.
func (p *Player) Seek(ctx context.Context, t float64) (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPlayerClosed
	}

	step := 1 / float64(p.fps)
	if p.cmd == nil || t < p.next-step/2 || t > p.next+2 {
		if err := p.restartLocked(ctx, t); err != nil {
			return nil, err
		}
	}

	for p.last == nil || p.next-step <= t-step/2 {
		img, err := p.readFrameLocked(ctx)
		if err != nil {
			return nil, err
		}
		p.last = img
		p.next += step
	}
	return p.last, nil
}

func (p *Player) restartLocked(ctx context.Context, t float64) error {
	p.stopLocked()
	args := []string{"-v", "error", "-ss", strconv.FormatFloat(t, 'f', 3, 64), "-i", p.path,
		"-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-r", strconv.Itoa(p.fps), "-"}
	// the decoder outlives a single seek, so it is not bound to ctx
	cmd := exec.Command("ffmpeg", args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w", err)
	}
	p.cmd, p.out, p.next, p.last = cmd, out, t, nil
	p.log.Debug("player decoder started", "path", p.path, "at", t)
	return ctx.Err()
}

func (p *Player) readFrameLocked(ctx context.Context) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.info.Width, p.info.Height))
	done := make(chan error, 1)
	out := p.out
	go func() {
		_, err := io.ReadFull(out, img.Pix)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			p.stopLocked()
			return nil, fmt.Errorf("decode frame at %.3fs: %w", p.next, err)
		}
		return img, nil
	case <-ctx.Done():
		// killing the decoder unblocks the reader goroutine
		p.stopLocked()
		return nil, ctx.Err()
	}
}

func (p *Player) stopLocked() {
	if p.cmd == nil {
		return
	}
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	p.cmd, p.out, p.last = nil, nil, nil
}

// Audio opens the PCM audio of [start, start+duration).
func (p *Player) Audio(ctx context.Context, start, duration float64) (AudioTrack, error) {
	args := []string{"-v", "error", "-ss", strconv.FormatFloat(start, 'f', 3, 64), "-i", p.path}
	if duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(duration, 'f', 3, 64))
	}
	return startProcessAudio(ctx, append(args, pcmArgs(DefaultAudioFormat)...))
}

func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.closed = true
	return nil
}
