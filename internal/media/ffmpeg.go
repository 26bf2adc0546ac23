package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"camvault/internal/observability/logging"
	"camvault/internal/segment"
)

const (
	defaultBinary      = "ffmpeg"
	defaultStopTimeout = 10 * time.Second
)

// FFmpegConfig describes the segmenting ffmpeg process for one stream.
type FFmpegConfig struct {
	Binary          string
	Input           string
	InputArgs       []string
	Namer           segment.Namer
	SegmentDuration time.Duration
	// StopTimeout is how long each escalation step (quit, interrupt) may
	// take before the next one.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// FFmpeg runs `ffmpeg -f segment` as a child process.
type FFmpeg struct {
	cfg    FFmpegConfig
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdin    io.WriteCloser
	done     chan struct{}
	waitErr  error
	exited   bool
	stopping bool
	started  bool
}

func NewFFmpeg(cfg FFmpegConfig) (*FFmpeg, error) {
	if strings.TrimSpace(cfg.Input) == "" {
		return nil, fmt.Errorf("media input is required")
	}
	if cfg.SegmentDuration < time.Second || cfg.SegmentDuration%time.Second != 0 {
		return nil, fmt.Errorf("segment duration %s must be a whole number of seconds", cfg.SegmentDuration)
	}
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "media", "stream_id", cfg.Namer.StreamID)
	return &FFmpeg{cfg: cfg, logger: logger, done: make(chan struct{})}, nil
}

// Args returns the command line used for a run starting at startSeq.
func (f *FFmpeg) Args(startSeq uint64) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}
	args = append(args, f.cfg.InputArgs...)
	args = append(args,
		"-i", f.cfg.Input,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.FormatInt(int64(f.cfg.SegmentDuration/time.Second), 10),
		"-segment_start_number", strconv.FormatUint(startSeq, 10),
		"-segment_format", "mp4",
		"-reset_timestamps", "1",
		f.cfg.Namer.Pattern(),
	)
	return args
}

func (f *FFmpeg) Start(_ context.Context, startSeq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("media pipeline already started")
	}
	if err := os.MkdirAll(f.cfg.Namer.Dir, 0o755); err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}

	// The process outlives the caller's context; only Stop ends it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.cfg.Binary, f.Args(startSeq)...)
	cmd.Stdout = newLogWriter(f.logger, "stdout")
	cmd.Stderr = newLogWriter(f.logger, "stderr")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("open ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	f.cmd = cmd
	f.cancel = cancel
	f.stdin = stdin
	f.started = true
	f.logger.Info("ffmpeg started", "pid", cmd.Process.Pid, "start_sequence", startSeq, "input", f.cfg.Input)

	go func() {
		err := cmd.Wait()
		f.mu.Lock()
		f.waitErr = err
		f.exited = true
		stopping := f.stopping
		f.mu.Unlock()
		switch {
		case stopping:
			f.logger.Info("ffmpeg stopped")
		case err != nil:
			f.logger.Error("ffmpeg exited with error", "error", err)
		default:
			f.logger.Warn("ffmpeg exited without a stop request")
		}
		cancel()
		close(f.done)
	}()
	return nil
}

// Stop sends "q" so ffmpeg finalizes the open segment, then escalates to an
// interrupt and finally a kill if it does not exit in time.
func (f *FFmpeg) Stop(ctx context.Context) error {
	f.mu.Lock()
	// A process that already exited keeps its exit error.
	if !f.started || f.exited {
		f.mu.Unlock()
		return nil
	}
	f.stopping = true
	stdin := f.stdin
	proc := f.cmd.Process
	cancel := f.cancel
	f.mu.Unlock()

	if _, err := io.WriteString(stdin, "q\n"); err != nil {
		f.logger.Debug("write quit to ffmpeg", "error", err)
	}
	_ = stdin.Close()
	if f.wait(ctx, f.cfg.StopTimeout) {
		return nil
	}

	f.logger.Warn("ffmpeg ignored quit, interrupting")
	if err := proc.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		f.logger.Warn("interrupt ffmpeg", "error", err)
	}
	if f.wait(ctx, f.cfg.StopTimeout) {
		return nil
	}

	f.logger.Error("ffmpeg did not exit, killing")
	cancel()
	<-f.done
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("ffmpeg killed after %s", 2*f.cfg.StopTimeout)
}

func (f *FFmpeg) wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (f *FFmpeg) Done() <-chan struct{} {
	return f.done
}

func (f *FFmpeg) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return nil
	}
	if f.waitErr != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedExit, f.waitErr)
	}
	return fmt.Errorf("%w: end of stream", ErrUnexpectedExit)
}

// logWriter forwards process output to the logger one line at a time.
type logWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger.With("stream", stream)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx == -1 {
			break
		}
		line := bytes.TrimSpace(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		if len(line) > 0 {
			w.logger.Info(string(line))
		}
	}
	return len(p), nil
}
