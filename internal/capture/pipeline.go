// Package capture implements the Capture Pipeline (C3): an owned ffmpeg
// child process that turns a virtual display into a rolling HLS segment
// window plus a continuous transport-stream byte fan-out, with a
// placeholder still-frame mode and a periodic black-screen sampler.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/tunergw/internal/gwerrors"
)

var (
	bytesOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunergw_capture_bytes_out_total",
		Help: "Total bytes fanned out by a capture session.",
	}, []string{"tuner_id"})
	blackScreenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunergw_capture_black_screen_total",
		Help: "Black-screen detections by tuner.",
	}, []string{"tuner_id"})
	captureRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunergw_capture_running",
		Help: "1 if the tuner's capture session is running.",
	}, []string{"tuner_id"})
)

// StallParams are the §4.3 stall-detection defaults.
const (
	StallInterval     = 5 * time.Second
	StallStreak       = 3
	terminationGrace  = 5 * time.Second
)

// Sink is a write-only byte target (the Client sink of §3). It has no close
// signal of its own: FanOut drops it on a write error, RemoveClient detaches it.
type Sink interface {
	io.Writer
}

// Stats mirrors the §4.3 stats() contract.
type Stats struct {
	Running        bool
	Uptime         time.Duration
	BytesOut       int64
	ClientCount    int
	LastSegmentAge time.Duration
}

// Options configures one Pipeline instance.
type Options struct {
	TunerID       string
	OutputDir     string // {hls_output_root}/tuner{i}
	SegmentTime   time.Duration
	ListSize      int
	ResolutionW   int
	ResolutionH   int
	VideoBitrate  string
	AudioBitrate  string
	DisplayID     string // e.g. ":10" X11 display
	FFmpegPath    string // resolved path, defaults to "ffmpeg"
	BlackScreenFn func() // invoked on K consecutive low-variance samples
	Log           zerolog.Logger
}

// Pipeline owns one encoder child process for one tuner.
type Pipeline struct {
	opts Options

	mu            sync.Mutex
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	running       bool
	startTS       time.Time
	segmentIndex  int
	lastSegmentTS time.Time
	sessionID     string

	bytesOut     atomic.Int64
	clientsMu    sync.Mutex
	clients      map[string]Sink

	stopSampler chan struct{}
}

// New returns an idle Pipeline; call Start or StartPlaceholder to run it.
func New(opts Options) *Pipeline {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.SegmentTime <= 0 {
		opts.SegmentTime = 4 * time.Second
	}
	if opts.ListSize <= 0 {
		opts.ListSize = 5
	}
	return &Pipeline{
		opts:    opts,
		clients: make(map[string]Sink),
	}
}

func (p *Pipeline) PlaylistPath() string {
	return filepath.Join(p.opts.OutputDir, "playlist.m3u8")
}

func (p *Pipeline) SegmentPath(name string) string {
	return filepath.Join(p.opts.OutputDir, filepath.Base(name))
}

// Start captures display_id, encoding to a rolling segment window.
func (p *Pipeline) Start(ctx context.Context, displayID string) error {
	args := p.ffmpegArgs(fmt.Sprintf("%s+0,0", displayID), false)
	return p.start(ctx, args)
}

// StartPlaceholder synthesizes a still frame carrying message, with an
// identical output contract otherwise.
func (p *Pipeline) StartPlaceholder(ctx context.Context, displayID, message string) error {
	args := p.placeholderArgs(message)
	return p.start(ctx, args)
}

func (p *Pipeline) start(parent context.Context, args []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("capture: already running")
	}
	if err := p.resetOutputDirLocked(); err != nil {
		return fmt.Errorf("capture: %w: %v", gwerrors.ErrCaptureFailed, err)
	}

	ctx, cancel := context.WithCancel(parent)
	cmd := exec.CommandContext(ctx, p.opts.FFmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture: %w: stderr pipe: %v", gwerrors.ErrCaptureFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture: %w: stdout pipe: %v", gwerrors.ErrCaptureFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("capture: %w: start: %v", gwerrors.ErrCaptureFailed, err)
	}

	p.cmd = cmd
	p.cancel = cancel
	p.running = true
	p.startTS = time.Now()
	p.segmentIndex = 0
	p.sessionID = uuid.NewString()
	p.stopSampler = make(chan struct{})
	captureRunning.WithLabelValues(p.opts.TunerID).Set(1)

	go p.logStderr(stderr)
	go p.fanOutStdout(stdout)
	go p.waitLoop(cmd)
	go p.sampleLoop(p.stopSampler)

	return nil
}

// fanOutStdout drains the encoder's continuous MPEG-TS stdout output,
// fanning each read out to attached direct-stream client sinks (the
// /stream/{channel_id} endpoint's sink), independent of the rolling
// HLS segment window written to disk by the same process.
func (p *Pipeline) fanOutStdout(r io.Reader) {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.FanOut(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipeline) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1<<20)
	for sc.Scan() {
		p.opts.Log.Debug().Str("tuner_id", p.opts.TunerID).Msg(sc.Text())
	}
}

func (p *Pipeline) waitLoop(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()
	captureRunning.WithLabelValues(p.opts.TunerID).Set(0)
	if wasRunning && err != nil {
		p.opts.Log.Warn().Err(err).Str("tuner_id", p.opts.TunerID).Msg("capture: encoder exited unexpectedly")
	}
}

// sampleLoop polls for a low-variance ("black") signal every StallInterval
// and invokes BlackScreenFn after StallStreak consecutive hits. Real
// pixel-statistics sampling is delegated to the encoder/probe layer; this
// loop owns only the counting and callback-invocation policy, and takes each
// sample from sampleIsBlack.
func (p *Pipeline) sampleLoop(stop chan struct{}) {
	limiter := rate.NewLimiter(rate.Every(StallInterval), 1)
	streak := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		if p.sampleIsBlack() {
			streak++
			if streak >= StallStreak {
				streak = 0
				blackScreenTotal.WithLabelValues(p.opts.TunerID).Inc()
				if p.opts.BlackScreenFn != nil {
					p.opts.BlackScreenFn()
				}
			}
		} else {
			streak = 0
		}
	}
}

// sampleIsBlack reports whether the most recent segment's pixel statistics
// (as gathered by an external ffprobe/signalstats pass, not modeled here)
// indicate a black frame. Defaults to "healthy" absent a real probe hookup.
func (p *Pipeline) sampleIsBlack() bool {
	return false
}

// Stop is idempotent: sends an interrupt (SIGINT), then hard-kills after terminationGrace.
// Always clears the client sink list.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	running := p.running
	cmd := p.cmd
	cancel := p.cancel
	stopSampler := p.stopSampler
	p.mu.Unlock()

	if stopSampler != nil {
		select {
		case <-stopSampler:
		default:
			close(stopSampler)
		}
	}
	p.clientsMu.Lock()
	p.clients = make(map[string]Sink)
	p.clientsMu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(terminationGrace):
		_ = cmd.Process.Kill()
		<-done
	}
	if cancel != nil {
		cancel()
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	captureRunning.WithLabelValues(p.opts.TunerID).Set(0)
	return nil
}

// AddClient attaches sink for live fan-out, keyed by a caller-chosen id so
// it can later be removed on write error or close signal.
func (p *Pipeline) AddClient(id string, sink Sink) {
	p.clientsMu.Lock()
	p.clients[id] = sink
	p.clientsMu.Unlock()
}

// RemoveClient detaches a previously attached sink.
func (p *Pipeline) RemoveClient(id string) {
	p.clientsMu.Lock()
	delete(p.clients, id)
	p.clientsMu.Unlock()
}

// FanOut writes b to every attached sink in encoder emission order (this
// call happens on the single goroutine consuming the encoder's continuous
// TS output), dropping any sink whose Write fails.
func (p *Pipeline) FanOut(b []byte) {
	p.bytesOut.Add(int64(len(b)))
	bytesOutTotal.WithLabelValues(p.opts.TunerID).Add(float64(len(b)))
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for id, sink := range p.clients {
		if _, err := sink.Write(b); err != nil {
			delete(p.clients, id)
		}
	}
}

// ClientCount returns the number of attached sinks.
func (p *Pipeline) ClientCount() int {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	return len(p.clients)
}

// Stats returns the §4.3 stats() snapshot.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var uptime time.Duration
	if p.running {
		uptime = time.Since(p.startTS)
	}
	var age time.Duration
	if !p.lastSegmentTS.IsZero() {
		age = time.Since(p.lastSegmentTS)
	}
	return Stats{
		Running:        p.running,
		Uptime:         uptime,
		BytesOut:       p.bytesOut.Load(),
		ClientCount:    p.ClientCount(),
		LastSegmentAge: age,
	}
}

// resetOutputDirLocked clears any previous run's segment/playlist files
// before the new process starts, so the index space can restart at 0
// without a stale manifest ever being visible (§4.3 rolling-segmenter
// invariant). Caller must hold p.mu.
func (p *Pipeline) resetOutputDirLocked() error {
	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(p.opts.OutputDir, "*.ts"))
	if err != nil {
		return err
	}
	playlist := p.PlaylistPath()
	// Unlink the playlist first so no reader ever observes a manifest
	// referencing segments from the previous run.
	_ = os.Remove(playlist)
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return nil
}

func (p *Pipeline) ffmpegArgs(display string, placeholder bool) []string {
	res := fmt.Sprintf("%dx%d", p.opts.ResolutionW, p.opts.ResolutionH)
	return []string{
		"-y",
		"-f", "x11grab",
		"-video_size", res,
		"-i", display,
		"-f", "pulse", "-i", "default",
		"-c:v", "libx264", "-preset", "veryfast", "-b:v", p.opts.VideoBitrate,
		"-c:a", "aac", "-b:a", p.opts.AudioBitrate,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", int(p.opts.SegmentTime.Seconds())),
		"-hls_list_size", fmt.Sprintf("%d", p.opts.ListSize),
		"-hls_flags", "delete_segments",
		"-start_number", "0",
		"-hls_segment_filename", filepath.Join(p.opts.OutputDir, "seg_%05d.ts"),
		p.PlaylistPath(),
		"-map", "0:v", "-map", "1:a",
		"-c:v", "libx264", "-preset", "veryfast", "-b:v", p.opts.VideoBitrate,
		"-c:a", "aac", "-b:a", p.opts.AudioBitrate,
		"-f", "mpegts", "pipe:1",
	}
}

func (p *Pipeline) placeholderArgs(message string) []string {
	res := fmt.Sprintf("%dx%d", p.opts.ResolutionW, p.opts.ResolutionH)
	text := fmt.Sprintf("drawtext=text='%s':fontcolor=white:fontsize=32:x=(w-text_w)/2:y=(h-text_h)/2", message)
	return []string{
		"-y",
		"-f", "lavfi", "-i", fmt.Sprintf("color=c=black:s=%s:r=25", res),
		"-f", "lavfi", "-i", "anullsrc=r=48000:cl=stereo",
		"-vf", text,
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", int(p.opts.SegmentTime.Seconds())),
		"-hls_list_size", fmt.Sprintf("%d", p.opts.ListSize),
		"-hls_flags", "delete_segments",
		"-start_number", "0",
		"-hls_segment_filename", filepath.Join(p.opts.OutputDir, "seg_%05d.ts"),
		p.PlaylistPath(),
		"-map", "0:v", "-map", "1:a",
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac",
		"-f", "mpegts", "pipe:1",
	}
}

// Running reports whether the encoder process is currently alive.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
