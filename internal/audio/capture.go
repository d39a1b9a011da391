package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied means the OS refused access to the microphone
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means no usable input device could be opened
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
)

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// Source yields fixed-size blocks of mono float samples in [-1, 1] at SampleRate.
type Source interface {
	// Next blocks until a full block is available. It returns io.EOF once the
	// device stops producing audio.
	Next(ctx context.Context) ([]float32, error)
	// Release stops capture and frees the device. Safe to call more than once.
	Release() error
}

// FFmpegCapture captures microphone audio by running ffmpeg and reading
// raw 32-bit float samples from its stdout.
type FFmpegCapture struct {
	command   string
	format    string
	device    string
	blockSize int
}

// NewFFmpegCapture creates a capture adapter. Empty values fall back to
// ffmpeg reading the default PulseAudio source in 4096-sample blocks.
func NewFFmpegCapture(command, format, device string, blockSize int) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if format == "" {
		format = "pulse"
	}
	if device == "" {
		device = "default"
	}
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &FFmpegCapture{
		command:   command,
		format:    format,
		device:    device,
		blockSize: blockSize,
	}
}

// BlockSize returns the number of samples per block
func (c *FFmpegCapture) BlockSize() int {
	return c.blockSize
}

// Acquire opens the microphone. The returned source keeps running until
// Release is called; ctx only bounds the startup.
func (c *FFmpegCapture) Acquire(ctx context.Context) (Source, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.format,
		"-i", c.device,
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-f", "f32le",
		"-",
	}

	cmd := exec.Command(c.command, args...)
	cmd.WaitDelay = time.Second
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrDeviceUnavailable, c.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyStartError(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}

	s := &ffmpegSource{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
		blocks:  make(chan []float32, 8),
		done:    make(chan struct{}),
	}
	go s.readLoop(c.blockSize)
	return s, nil
}

// Probe briefly opens and releases the device to surface permission
// problems before the first recording.
func (c *FFmpegCapture) Probe(ctx context.Context) error {
	src, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	return src.Release()
}

func classifyStartError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "access denied") {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	}
	if err == nil {
		return fmt.Errorf("%w: ffmpeg exited before capture started", ErrDeviceUnavailable)
	}
	if detail == "" {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%w: %v: %s", ErrDeviceUnavailable, err, detail)
}

type ffmpegSource struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	blocks  chan []float32
	done    chan struct{}
	readErr error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSource) readLoop(blockSize int) {
	defer close(s.blocks)

	raw := make([]byte, blockSize*4)
	for {
		if _, err := io.ReadFull(s.stdout, raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				err = io.EOF
			}
			s.readErr = err
			return
		}

		block := make([]float32, blockSize)
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}

		select {
		case s.blocks <- block:
		case <-s.done:
			s.readErr = io.EOF
			return
		}
	}
}

func (s *ffmpegSource) Next(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case block, ok := <-s.blocks:
		if !ok {
			// readErr is written before blocks is closed
			if s.readErr != nil {
				return nil, s.readErr
			}
			return nil, io.EOF
		}
		return block, nil
	}
}

func (s *ffmpegSource) Release() error {
	s.stopOnce.Do(func() {
		close(s.done)
		_ = s.process.Signal(os.Interrupt)

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			_ = s.process.Kill()
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}

		if s.stopErr != nil {
			if detail := strings.TrimSpace(s.stderr.String()); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer guards stderr, which exec writes from its own goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
