// Package capture runs an on-demand two-stage H.264-to-JPEG pipeline per
// device: while at least one capture client holds a reference, a long-running
// decoder subprocess continuously produces the latest raw yuv420p frame, and
// each capture request spawns its own short-lived JPEG-encoder child against
// that frame at the requested quality (components F and G).
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"devicecast/internal/h264"
	"devicecast/internal/ingest"
	"devicecast/internal/observability/logging"
	"devicecast/internal/observability/metrics"
)

// Sentinel errors named after the error taxonomy in spec section 7.
var (
	ErrDecoderUnavailable = errors.New("capture decoder unavailable")
	ErrCaptureTimeout     = errors.New("timed out waiting for a decoded frame")
	ErrEncodeFailed       = errors.New("jpeg encode failed")
)

const (
	jpegSOI = "\xff\xd8"
	jpegEOI = "\xff\xd9"

	decoderReadSize  = 256 * 1024
	freshFrameWait   = 500 * time.Millisecond
	defaultCaptureTO = 5 * time.Second
	stopWait         = 3 * time.Second
)

// Result is the metadata returned alongside a captured JPEG's bytes.
type Result struct {
	CaptureID  string
	CapturedAt time.Time
	Serial     string
	Width      int
	Height     int
	Bytes      int
	Path       string
}

// videoResolution matches ffmpeg stderr "Video:" lines, e.g.
// "Stream #0:0: Video: rawvideo, yuv420p, 1080x2400, ...".
var videoResolution = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)

// WorkerConfig carries the decoder's fixed parameters.
type WorkerConfig struct {
	OutputDir string
	// DefaultQuality (1-100, larger is better) is used by the caller to
	// resolve a capture_jpeg request that omits "quality"; the worker itself
	// always takes a resolved quality argument per request.
	DefaultQuality int
}

// qualityToQScale maps a 1-100 quality percent (larger is better) to
// ffmpeg's MJPEG qscale range 2-31 (smaller is better).
func qualityToQScale(quality int) int {
	q := quality
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return int(31 - float64(q-1)*(29.0/99.0) + 0.5)
}

// decoderProcess bundles one spawned decoder child's pipes with the
// functions needed to tear it down. Real instances wrap an *exec.Cmd (see
// defaultSpawnDecoder); tests substitute Worker.spawnDecoder with an
// in-memory fake, so restart-on-SPS-change is exercisable without an ffmpeg
// binary.
type decoderProcess struct {
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	cancel     context.CancelFunc
	wait       func() error
	kill       func()
	readDone   chan struct{}
	stderrDone chan struct{}
}

// Worker is the per-device capture decoder (component F). It is refcounted
// by Manager; callers never construct one directly.
type Worker struct {
	serial string
	source *ingest.Manager
	cfg    WorkerConfig
	logger *slog.Logger

	refMu    sync.Mutex
	refcount int

	encodeGate *semaphore.Weighted

	// spawnDecoder and encodeJPEG are seams over the two ffmpeg child
	// processes the worker drives; NewWorker wires the real subprocess
	// implementations, tests substitute fakes.
	spawnDecoder func(ctx context.Context) (*decoderProcess, error)
	encodeJPEG   func(ctx context.Context, frame []byte, width, height, qscale int) ([]byte, error)

	feedCancel context.CancelFunc
	feedDone   chan struct{}

	mu          sync.Mutex
	proc        *decoderProcess
	latestCond  *sync.Cond
	latestFrame []byte
	frameWidth  int
	frameHeight int
	seq         uint64
	width       int
	height      int
	resetReader bool
	lastSPS     []byte
}

// NewWorker constructs a Worker. source is consulted lazily when the first
// reference acquires the decoder.
func NewWorker(serial string, source *ingest.Manager, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		serial:     serial,
		source:     source,
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "capture.worker"),
		encodeGate: semaphore.NewWeighted(1),
	}
	w.spawnDecoder = w.defaultSpawnDecoder
	w.encodeJPEG = w.defaultEncodeJPEG
	w.latestCond = sync.NewCond(&w.mu)
	return w
}

// Acquire adds a reference; the first reference starts the decoder.
func (w *Worker) Acquire(ctx context.Context) error {
	w.refMu.Lock()
	defer w.refMu.Unlock()
	w.refcount++
	if w.refcount == 1 {
		if err := w.start(ctx); err != nil {
			w.refcount--
			return err
		}
	}
	return nil
}

// Release drops a reference; the last reference stops the decoder.
func (w *Worker) Release(ctx context.Context) {
	w.refMu.Lock()
	defer w.refMu.Unlock()
	if w.refcount == 0 {
		return
	}
	w.refcount--
	if w.refcount == 0 {
		w.stopDecoder(ctx)
	}
}

// Refcount returns the current reference count.
func (w *Worker) Refcount() int {
	w.refMu.Lock()
	defer w.refMu.Unlock()
	return w.refcount
}

// start spawns the first decoder process and the long-running feeder task
// that owns it for the rest of this acquisition (the feeder survives
// individual decoder restarts triggered by an SPS change).
func (w *Worker) start(ctx context.Context) error {
	feedCtx, cancel := context.WithCancel(context.Background())
	proc, err := w.spawnDecoderProcess(feedCtx)
	if err != nil {
		cancel()
		return err
	}

	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()

	w.feedCancel = cancel
	feedDone := make(chan struct{})
	w.feedDone = feedDone

	metrics.Default().CaptureWorkerStarted(w.serial)
	w.logger.Info("capture decoder started", "serial", w.serial)

	go w.feedLoop(feedCtx, feedDone)
	return nil
}

// spawnDecoderProcess starts a fresh decoder child via w.spawnDecoder and
// its reader/stderr background tasks.
func (w *Worker) spawnDecoderProcess(parentCtx context.Context) (*decoderProcess, error) {
	decoderCtx, cancel := context.WithCancel(parentCtx)
	proc, err := w.spawnDecoder(decoderCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	proc.cancel = cancel

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	proc.readDone = readDone
	proc.stderrDone = stderrDone

	go w.readLoop(proc.stdout, readDone)
	go w.stderrLoop(proc.stderr, stderrDone)
	return proc, nil
}

// defaultSpawnDecoder starts the long-running decoder child: H.264 Annex-B
// in, raw yuv420p out, at the source frame rate with low-latency options
// (spec section 4.F). Unlike the JPEG encoder, it never bakes in a quality
// setting.
func (w *Worker) defaultSpawnDecoder(ctx context.Context) (*decoderProcess, error) {
	args := []string{
		"-loglevel", "info",
		"-nostats",
		"-nostdin",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrDecoderUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrDecoderUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrDecoderUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoderUnavailable, err)
	}
	return &decoderProcess{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		wait:   cmd.Wait,
		kill: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
	}, nil
}

// stderrLoop parses the decoder's stderr for the negotiated frame size. On a
// resolution change it updates width/height and flags the reader to discard
// its pending buffer before resuming at the new frame size (spec section
// 4.F, testable property #4).
func (w *Worker) stderrLoop(stderr io.ReadCloser, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Video:") {
			continue
		}
		m := videoResolution.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		width, errW := strconv.Atoi(m[1])
		height, errH := strconv.Atoi(m[2])
		if errW != nil || errH != nil {
			continue
		}
		w.mu.Lock()
		changed := w.width != width || w.height != height
		if changed {
			w.width, w.height = width, height
			w.resetReader = true
		}
		w.mu.Unlock()
		if changed {
			w.logger.Info("capture decoder resolution", "serial", w.serial, "width", width, "height", height)
		}
	}
}

// feedLoop is the long-running feeder task (spec section 4.F): it subscribes
// to the ingest session once and writes each NAL to the current decoder's
// stdin, restarting the decoder pipeline whenever it observes the SPS
// change.
func (w *Worker) feedLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	session, err := w.source.GetOrCreate(ctx, w.serial, ingest.SessionConfig{})
	if err != nil {
		w.logger.Error("capture feed could not obtain ingest session", "serial", w.serial, "error", err)
		return
	}
	sub, err := session.Subscribe(ctx)
	if err != nil {
		w.logger.Error("capture feed subscribe failed", "serial", w.serial, "error", err)
		return
	}
	defer session.Unsubscribe(sub.ID())

	extractor := h264.NewExtractor()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sub.Chunks():
			if !ok {
				return
			}
			if w.observeSPS(extractor.Feed(chunk)) {
				if err := w.restartDecoder(ctx); err != nil {
					w.logger.Error("capture decoder restart failed", "serial", w.serial, "error", err)
					return
				}
			}
			w.mu.Lock()
			stdin := w.proc.stdin
			w.mu.Unlock()
			if _, err := stdin.Write(chunk); err != nil {
				return
			}
		}
	}
}

// restartDecoder tears down the current decoder child and its reader/stderr
// tasks and spawns a fresh one in its place. The feeder goroutine itself
// keeps running throughout.
func (w *Worker) restartDecoder(ctx context.Context) error {
	w.mu.Lock()
	old := w.proc
	w.mu.Unlock()

	w.stopProcess(old)

	proc, err := w.spawnDecoderProcess(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.proc = proc
	w.width, w.height = 0, 0
	w.resetReader = true
	w.mu.Unlock()

	w.logger.Info("capture decoder restarted on sps change", "serial", w.serial)
	return nil
}

// observeSPS inspects nals for an SPS unit, tracking it by value. It reports
// whether a genuine change occurred (not counting the first SPS ever seen),
// which tells the feeder to restart the decoder pipeline. As a side effect
// it best-effort decodes width/height via mp4ff for log enrichment only: the
// decoder's own stderr "WxH" report and this byte comparison remain the
// authoritative signals, so a parse failure here is logged and ignored.
func (w *Worker) observeSPS(nals []h264.NAL) bool {
	restart := false
	for _, n := range nals {
		if n.Type != h264.TypeSPS {
			continue
		}
		w.mu.Lock()
		hadPrevious := w.lastSPS != nil
		changed := !bytes.Equal(w.lastSPS, n.Bytes)
		if changed {
			w.lastSPS = append([]byte(nil), n.Bytes...)
		}
		w.mu.Unlock()
		if !changed {
			continue
		}
		if hadPrevious {
			restart = true
		}
		sps, err := avc.ParseSPSNALUnit(n.Bytes, true)
		if err != nil {
			w.logger.Debug("sps parse failed", "serial", w.serial, "error", err)
			continue
		}
		w.logger.Info("capture ingest sps changed", "serial", w.serial, "sps_width", sps.Width, "sps_height", sps.Height)
	}
	return restart
}

// readLoop reads raw yuv420p bytes from the decoder in decoderReadSize
// blocks. Once the current resolution is known, it consumes complete
// W*H*3/2 frames from its buffer, keeping only the newest as the latest
// frame. A pending reader-reset (set by stderrLoop on a resolution change)
// discards the buffer before the next frame is assembled.
func (w *Worker) readLoop(stdout io.ReadCloser, done chan struct{}) {
	defer close(done)
	var buf []byte
	chunk := make([]byte, decoderReadSize)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			w.mu.Lock()
			if w.resetReader {
				buf = buf[:0]
				w.resetReader = false
			}
			width, height := w.width, w.height
			w.mu.Unlock()

			buf = append(buf, chunk[:n]...)
			frameSize := width * height * 3 / 2
			if frameSize > 0 {
				for len(buf) >= frameSize {
					frame := make([]byte, frameSize)
					copy(frame, buf[:frameSize])
					buf = buf[frameSize:]

					w.mu.Lock()
					w.latestFrame = frame
					w.frameWidth = width
					w.frameHeight = height
					w.seq++
					w.mu.Unlock()
					w.latestCond.Broadcast()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// stopProcess closes a decoder child's stdin, cancels its context, and
// waits for its reader/stderr tasks and process exit, force-killing after
// stopWait. Used both for an SPS-triggered restart and for a full worker
// stop.
func (w *Worker) stopProcess(proc *decoderProcess) {
	if proc == nil {
		return
	}
	if proc.stdin != nil {
		_ = proc.stdin.Close()
	}
	if proc.cancel != nil {
		proc.cancel()
	}

	tasksDone := make(chan struct{})
	go func() {
		if proc.readDone != nil {
			<-proc.readDone
		}
		if proc.stderrDone != nil {
			<-proc.stderrDone
		}
		close(tasksDone)
	}()

	waitDone := make(chan error, 1)
	if proc.wait != nil {
		go func() { waitDone <- proc.wait() }()
	} else {
		close(waitDone)
	}
	select {
	case <-waitDone:
	case <-time.After(stopWait):
		if proc.kill != nil {
			proc.kill()
		}
		<-waitDone
	}
	<-tasksDone
}

// stopDecoder stops the feeder task and its current decoder child, then
// clears all per-acquisition state.
func (w *Worker) stopDecoder(ctx context.Context) {
	feedCancel := w.feedCancel
	feedDone := w.feedDone
	w.feedCancel = nil
	w.feedDone = nil

	if feedCancel != nil {
		feedCancel()
	}
	if feedDone != nil {
		select {
		case <-feedDone:
		case <-time.After(5 * time.Second):
		}
	}

	w.mu.Lock()
	proc := w.proc
	w.proc = nil
	w.mu.Unlock()

	w.stopProcess(proc)

	w.mu.Lock()
	w.latestFrame = nil
	w.frameWidth = 0
	w.frameHeight = 0
	w.seq = 0
	w.width = 0
	w.height = 0
	w.lastSPS = nil
	w.resetReader = false
	w.mu.Unlock()
	w.latestCond.Broadcast()

	metrics.Default().CaptureWorkerStopped(w.serial)
	w.logger.Info("capture decoder stopped", "serial", w.serial)
}

// CaptureJPEG serves one capture_jpeg request (spec section 4.F): it waits
// for a decoded frame under the frame-acquisition policy, then spawns a
// short-lived JPEG-encoder child against that frame at the quality this
// request asked for, optionally persisting the result. Only one encode
// request is served at a time; concurrent callers queue on encodeGate.
func (w *Worker) CaptureJPEG(ctx context.Context, quality int, save bool) (Result, []byte, error) {
	if err := w.encodeGate.Acquire(ctx, 1); err != nil {
		return Result{}, nil, err
	}
	defer w.encodeGate.Release(1)

	frame, width, height, err := w.waitForFrame(ctx, defaultCaptureTO)
	if err != nil {
		return Result{}, nil, err
	}

	jpeg, err := w.encodeJPEG(ctx, frame, width, height, qualityToQScale(quality))
	if err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	capturedAt := time.Now().UTC()
	result := Result{
		CaptureID:  uuid.NewString(),
		CapturedAt: capturedAt,
		Serial:     w.serial,
		Width:      width,
		Height:     height,
		Bytes:      len(jpeg),
	}

	if save {
		path, err := w.saveJPEG(result.CaptureID, capturedAt, jpeg)
		if err != nil {
			return Result{}, nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
		}
		result.Path = path
	}

	metrics.Default().CaptureFrameServed(w.serial)
	return result, jpeg, nil
}

// defaultEncodeJPEG spawns the short-lived per-request JPEG-encoder child
// (spec section 4.F): stdin is one raw yuv420p frame at the given
// dimensions, stdout is one mjpeg frame at qscale. The result is validated
// to start with FF D8 and end with FF D9.
func (w *Worker) defaultEncodeJPEG(ctx context.Context, frame []byte, width, height, qscale int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("capture encode: unknown frame dimensions")
	}
	args := []string{
		"-loglevel", "error",
		"-nostdin",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-i", "pipe:0",
		"-frames:v", "1",
		"-f", "mjpeg",
		"-q:v", strconv.Itoa(qscale),
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdin = bytes.NewReader(frame)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if !bytes.HasPrefix(out, []byte(jpegSOI)) || !bytes.HasSuffix(out, []byte(jpegEOI)) {
		return nil, ErrEncodeFailed
	}
	return out, nil
}

// waitForFrame implements the frame-acquisition policy: if a frame already
// exists, wait briefly for a strictly newer one before falling back to the
// existing frame; otherwise block until the first frame arrives or timeout.
func (w *Worker) waitForFrame(ctx context.Context, timeout time.Duration) ([]byte, int, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latestFrame != nil {
		before := w.seq
		waitCtx, cancel := context.WithTimeout(ctx, freshFrameWait)
		w.waitForCondWithTimeout(waitCtx, func() bool { return w.seq > before })
		cancel()
		if w.latestFrame != nil {
			return w.latestFrame, w.frameWidth, w.frameHeight, nil
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok := w.waitForCondWithTimeout(waitCtx, func() bool { return w.latestFrame != nil })
	if !ok || w.latestFrame == nil {
		return nil, 0, 0, ErrCaptureTimeout
	}
	return w.latestFrame, w.frameWidth, w.frameHeight, nil
}

// waitForCondWithTimeout blocks on w.latestCond until predicate() is true or
// waitCtx is done. Caller must hold w.mu.
func (w *Worker) waitForCondWithTimeout(waitCtx context.Context, predicate func() bool) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-waitCtx.Done():
			w.latestCond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	for !predicate() {
		if waitCtx.Err() != nil {
			return false
		}
		w.latestCond.Wait()
	}
	return true
}

func (w *Worker) saveJPEG(captureID string, capturedAt time.Time, jpeg []byte) (string, error) {
	outDir := filepath.Join(w.cfg.OutputDir, sanitizeSerial(w.serial))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	ts := sanitizeTimestamp(capturedAt)
	path := filepath.Join(outDir, fmt.Sprintf("%s_%s.jpg", ts, captureID))
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeSerial(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, serial)
}
