package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivlev/reelforge/internal/clock"
	"github.com/ivlev/reelforge/internal/system"
)

var (
	bestH264Once sync.Once
	bestH264     string
)

// BestH264 returns the fastest H.264 encoder the local ffmpeg offers. The
// probe runs once per process.
func BestH264() string {
	bestH264Once.Do(func() {
		bestH264 = "libx264"
		// Приоритеты: VideoToolbox, затем NVENC, иначе программный libx264
		out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").CombinedOutput()
		if err != nil {
			return
		}
		for _, name := range []string{"h264_videotoolbox", "h264_nvenc"} {
			if strings.Contains(string(out), name) {
				bestH264 = name
				return
			}
		}
	})
	return bestH264
}

// FFmpegEncoder encodes through an ffmpeg child process: raw RGBA on stdin,
// one pipe per audio track, the container on stdout.
type FFmpegEncoder struct {
	// Bin defaults to "ffmpeg".
	Bin   string
	Clock clock.Clock
	Log   *slog.Logger
	// OnChunk is called with the size of every non-empty chunk.
	OnChunk func(size int)
}

// BuildArgs returns the ffmpeg command line for spec. Audio track i is read
// from file descriptor 3+i.
func BuildArgs(spec Spec, f Format, videoCodec string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-framerate", strconv.Itoa(spec.FPS),
		"-i", "pipe:0",
	}
	for i, a := range spec.Audio {
		af := a.Format()
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(af.SampleRate),
			"-ac", strconv.Itoa(af.Channels),
			"-i", fmt.Sprintf("pipe:%d", 3+i),
		)
	}
	inputs := 1 + len(spec.Audio)
	musicIndex := -1
	if spec.Music != "" {
		musicIndex = inputs
		args = append(args, "-stream_loop", "-1", "-i", spec.Music)
		inputs++
	}

	audioOut := ""
	switch {
	case musicIndex >= 0:
		var graph strings.Builder
		fmt.Fprintf(&graph, "[%d:a]volume=%s[bg_a];", musicIndex, strconv.FormatFloat(spec.MusicVolume, 'f', 3, 64))
		for i := range spec.Audio {
			fmt.Fprintf(&graph, "[%d:a]", 1+i)
		}
		// музыка зациклена, поэтому длительность задаёт первый вход или видео
		duration := "first"
		if len(spec.Audio) == 0 {
			duration = "longest"
		}
		fmt.Fprintf(&graph, "[bg_a]amix=inputs=%d:duration=%s:dropout_transition=3[aout]", len(spec.Audio)+1, duration)
		args = append(args, "-filter_complex", graph.String())
		audioOut = "[aout]"
	case len(spec.Audio) > 1:
		var graph strings.Builder
		for i := range spec.Audio {
			fmt.Fprintf(&graph, "[%d:a]", 1+i)
		}
		fmt.Fprintf(&graph, "amix=inputs=%d:duration=longest[aout]", len(spec.Audio))
		args = append(args, "-filter_complex", graph.String())
		audioOut = "[aout]"
	case len(spec.Audio) == 1:
		audioOut = "1:a"
	}

	args = append(args, "-map", "0:v")
	if audioOut != "" {
		args = append(args, "-map", audioOut, "-c:a", f.AudioCodec, "-b:a", bitrate(spec.AudioBitrate))
		if musicIndex >= 0 {
			args = append(args, "-shortest")
		}
	}

	args = append(args, "-c:v", videoCodec, "-pix_fmt", "yuv420p")
	switch videoCodec {
	case "h264_videotoolbox":
		args = append(args, "-b:v", bitrate(spec.VideoBitrate), "-realtime", "1")
	case "h264_nvenc":
		args = append(args, "-b:v", bitrate(spec.VideoBitrate), "-preset", "p1")
	case "libx264":
		args = append(args, "-b:v", bitrate(spec.VideoBitrate), "-preset", "veryfast", "-tune", "zerolatency")
	default: // libvpx, libvpx-vp9
		args = append(args, "-b:v", bitrate(spec.VideoBitrate), "-deadline", "realtime", "-cpu-used", "8")
	}

	if f.Muxer == "mp4" {
		// mp4 на stdout возможен только фрагментированным
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof")
	}
	args = append(args, "-f", f.Muxer, "pipe:1")
	return args
}

func bitrate(bps int) string {
	return fmt.Sprintf("%dk", bps/1000)
}

func (e *FFmpegEncoder) Begin(ctx context.Context, spec Spec) (Session, error) {
	spec = spec.withDefaults()
	f, ok := Lookup(spec.MimeType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMime, spec.MimeType)
	}
	if spec.Width <= 0 || spec.Height <= 0 {
		return nil, fmt.Errorf("encoder: invalid frame size %dx%d", spec.Width, spec.Height)
	}
	codec := f.VideoCodec
	if codec == "" {
		codec = BestH264()
	}
	bin := e.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	clk := e.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	args := BuildArgs(spec, f, codec)
	cmd := exec.CommandContext(ctx, bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	stderr := &tailBuffer{max: 4 << 10}
	cmd.Stderr = stderr

	var readers, writers []*os.File
	closeAll := func() {
		for _, p := range append(readers, writers...) {
			p.Close()
		}
	}
	for range spec.Audio {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("audio pipe error: %w", err)
		}
		readers, writers = append(readers, r), append(writers, w)
	}
	cmd.ExtraFiles = readers

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}
	// дочерний процесс держит свои копии
	for _, r := range readers {
		r.Close()
	}

	s := &ffmpegSession{
		spec:    spec,
		format:  f,
		cmd:     cmd,
		stdin:   stdin,
		audio:   writers,
		stderr:  stderr,
		chunks:  newChunker(clk, spec.TimeSlice, e.OnChunk),
		done:    make(chan struct{}),
		log:     log,
		started: clk.Now(),
	}
	for i, a := range spec.Audio {
		go s.pumpAudio(writers[i], a)
	}
	go s.collect(stdout)

	log.Debug("encoder session started", "mime", f.Mime, "codec", codec, "size", fmt.Sprintf("%dx%d", spec.Width, spec.Height), "audio_tracks", len(spec.Audio), "music", spec.Music != "")
	return s, nil
}

type ffmpegSession struct {
	spec   Spec
	format Format
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	audio  []*os.File
	stderr *tailBuffer
	chunks *chunker
	log    *slog.Logger

	started time.Time
	paused  atomic.Bool
	frames  int
	wmu     sync.Mutex // held while a frame is written; guards scratch
	scratch *image.RGBA

	done    chan struct{}
	exitErr error
	closed  atomic.Bool
	once    sync.Once
}

// collect reads the container until ffmpeg closes stdout, then reaps it.
func (s *ffmpegSession) collect(stdout io.Reader) {
	defer close(s.done)
	buf := make([]byte, 64<<10)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.chunks.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	s.chunks.Cut()
	if err := s.cmd.Wait(); err != nil {
		s.exitErr = s.wrap(err)
	}
}

func (s *ffmpegSession) wrap(err error) error {
	if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
		return fmt.Errorf("ffmpeg error: %w, output: %s", err, tail)
	}
	return fmt.Errorf("ffmpeg error: %w", err)
}

func (s *ffmpegSession) pumpAudio(w *os.File, a io.Reader) {
	defer w.Close()
	buf := make([]byte, 16<<10)
	for {
		n, err := a.Read(buf)
		if n > 0 && !s.paused.Load() {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil || s.closed.Load() {
			return
		}
	}
}

func (s *ffmpegSession) SetPaused(p bool) { s.paused.Store(p) }

func (s *ffmpegSession) WriteFrame(img image.Image) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		if s.exitErr != nil {
			return s.exitErr
		}
		return errors.New("ffmpeg exited early")
	default:
	}
	if err := s.writeRawRGBA(img); err != nil {
		return fmt.Errorf("write raw error: %w", err)
	}
	s.frames++
	return nil
}

// writeRawRGBA writes exactly Width*Height*4 bytes. Frames of another size
// are cropped or padded at the top left corner.
func (s *ffmpegSession) writeRawRGBA(img image.Image) error {
	rect := image.Rect(0, 0, s.spec.Width, s.spec.Height)
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect != rect || rgba.Stride != rect.Dx()*4 {
		if s.scratch == nil {
			s.scratch = system.GetFrame(rect)
		}
		clear(s.scratch.Pix)
		b := img.Bounds()
		draw.Draw(s.scratch, rect, img, b.Min, draw.Src)
		rgba = s.scratch
	}
	_, err := s.stdin.Write(rgba.Pix)
	return err
}

// closeInputs ends every input so ffmpeg can flush. The scratch frame goes
// back to the pool only after an in-flight write has returned.
func (s *ffmpegSession) closeInputs() {
	s.closed.Store(true)
	s.stdin.Close()
	for _, w := range s.audio {
		w.Close()
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.scratch != nil {
		system.PutFrame(s.scratch)
		s.scratch = nil
	}
}

func (s *ffmpegSession) Finish() (*Blob, error) {
	var (
		blob *Blob
		err  error
	)
	s.once.Do(func() {
		s.closeInputs()
		<-s.done
		if s.exitErr != nil {
			err = s.exitErr
			return
		}
		blob = &Blob{
			MimeType: s.format.Mime,
			Chunks:   s.chunks.Chunks(),
			Width:    s.spec.Width,
			Height:   s.spec.Height,
			FPS:      s.spec.FPS,
			Frames:   s.frames,
		}
		s.log.Debug("encoder session finished", "frames", s.frames, "chunks", len(blob.Chunks), "bytes", blob.Size(), "elapsed", time.Since(s.started).Round(time.Millisecond))
	})
	if blob == nil && err == nil {
		err = ErrSessionClosed
	}
	return blob, err
}

func (s *ffmpegSession) Abort() {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.closeInputs()
		<-s.done
		s.log.Debug("encoder session aborted", "frames", s.frames)
	})
}

// chunker groups container bytes into slices of roughly one time slice each.
// Empty slices are never emitted.
type chunker struct {
	clk     clock.Clock
	slice   time.Duration
	onChunk func(int)

	mu      sync.Mutex
	cur     []byte
	lastCut time.Time
	out     [][]byte
}

func newChunker(clk clock.Clock, slice time.Duration, onChunk func(int)) *chunker {
	return &chunker{clk: clk, slice: slice, onChunk: onChunk, lastCut: clk.Now()}
}

func (c *chunker) Write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = append(c.cur, p...)
	if now := c.clk.Now(); now.Sub(c.lastCut) >= c.slice {
		c.cutLocked(now)
	}
}

func (c *chunker) Cut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutLocked(c.clk.Now())
}

func (c *chunker) cutLocked(now time.Time) {
	c.lastCut = now
	if len(c.cur) == 0 {
		return
	}
	c.out = append(c.out, c.cur)
	if c.onChunk != nil {
		c.onChunk(len(c.cur))
	}
	c.cur = nil
}

func (c *chunker) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
