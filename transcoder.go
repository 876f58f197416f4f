package ffrtc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
)

// TranscoderConfig configures the ffmpeg invocation.
type TranscoderConfig struct {
	Path string // ffmpeg binary ("ffmpeg", or "ffmpeg.exe" on Windows)

	RTSPTransport    string // RTSP lower transport, "tcp"
	AnalyzeDuration  int    // -analyzeduration in microseconds
	ProbeSize        int    // -probesize in bytes
	ReorderQueueSize int    // -reorder_queue_size in packets
	MaxDelay         int    // -max_delay in microseconds

	// ExtraInputArgs are inserted after the input options and before the
	// outputs.
	ExtraInputArgs []string
}

// DefaultTranscoderConfig returns the invocation used for RTSP cameras:
// TCP transport, generous probing and a bounded reorder queue.
func DefaultTranscoderConfig() TranscoderConfig {
	path := "ffmpeg"
	if runtime.GOOS == "windows" {
		path += ".exe"
	}
	return TranscoderConfig{
		Path:             path,
		RTSPTransport:    "tcp",
		AnalyzeDuration:  15000000,
		ProbeSize:        100000000,
		ReorderQueueSize: 1024,
		MaxDelay:         20000000,
	}
}

func (c TranscoderConfig) withDefaults() TranscoderConfig {
	def := DefaultTranscoderConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.RTSPTransport == "" {
		c.RTSPTransport = def.RTSPTransport
	}
	if c.AnalyzeDuration <= 0 {
		c.AnalyzeDuration = def.AnalyzeDuration
	}
	if c.ProbeSize <= 0 {
		c.ProbeSize = def.ProbeSize
	}
	if c.ReorderQueueSize <= 0 {
		c.ReorderQueueSize = def.ReorderQueueSize
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	return c
}

// Args builds the argument list: raw s16le audio to audioAddr and raw
// yuv420p video to videoAddr, each output carrying exactly one media kind.
func (c TranscoderConfig) Args(url, audioAddr, videoAddr string) []string {
	c = c.withDefaults()

	args := []string{
		"-y",
		"-rtsp_transport", c.RTSPTransport,
		"-i", url,
		"-analyzeduration", strconv.Itoa(c.AnalyzeDuration),
		"-probesize", strconv.Itoa(c.ProbeSize),
		"-reorder_queue_size", strconv.Itoa(c.ReorderQueueSize),
		"-max_delay", strconv.Itoa(c.MaxDelay),
	}
	args = append(args, c.ExtraInputArgs...)
	args = append(args,
		"-vcodec", "none",
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"tcp://"+audioAddr,
	)
	args = append(args,
		"-vcodec", "rawvideo",
		"-acodec", "none",
		"-pix_fmt", "yuv420p",
		"-f", "rawvideo",
		"tcp://"+videoAddr,
	)
	return args
}

// DiagnosticFunc receives one line of transcoder diagnostic output. It is
// called with eof=true, and an empty line, once a stream has ended.
type DiagnosticFunc func(src DiagnosticSource, line string, eof bool)

// Process is a running transcoder.
type Process interface {
	// Kill terminates the process. Only the first call has an effect.
	Kill() error

	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}

	// Err returns the exit status once Done is closed.
	Err() error

	// Pid returns the OS process id, or 0 if unknown.
	Pid() int
}

// Launcher starts transcoder processes.
type Launcher interface {
	Launch(ctx context.Context, args []string, diag DiagnosticFunc) (Process, error)
}

// ExecLauncher runs the transcoder with os/exec.
type ExecLauncher struct {
	Path          string
	LoggerFactory logging.LoggerFactory
}

// Launch implements Launcher. The process is killed when ctx ends.
func (l *ExecLauncher) Launch(ctx context.Context, args []string, diag DiagnosticFunc) (Process, error) {
	path := l.Path
	if path == "" {
		path = DefaultTranscoderConfig().Path
	}
	factory := l.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	log := factory.NewLogger("ffrtc-transcoder")

	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	log.Infof("started %s (pid %d)", path, cmd.Process.Pid)

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
		log:  log,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.scan(&readers, DiagnosticStdout, stdout, diag)
	go p.scan(&readers, DiagnosticStderr, stderr, diag)

	go func() {
		// Wait closes the pipes, so drain them first.
		readers.Wait()
		err := cmd.Wait()
		if err != nil && p.killed.Load() {
			err = fmt.Errorf("killed: %w", err)
		}
		if err != nil {
			log.Warnf("transcoder exited: %v", err)
		} else {
			log.Infof("transcoder exited")
		}
		p.err = err
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	log    logging.LeveledLogger
	once   sync.Once
	killed atomic.Bool
}

func (p *execProcess) scan(wg *sync.WaitGroup, src DiagnosticSource, r io.Reader, diag DiagnosticFunc) {
	defer wg.Done()

	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	s.Split(scanDiagnosticLines)
	for s.Scan() {
		line := s.Text()
		p.log.Debugf("[%s] %s", src, line)
		if diag != nil {
			diag(src, line, false)
		}
	}
	if err := s.Err(); err != nil {
		p.log.Warnf("reading transcoder %s: %v", src, err)
		// Keep the pipe drained so the process never blocks on it.
		_, _ = io.Copy(io.Discard, r)
	}
	if diag != nil {
		diag(src, "", true)
	}
}

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		p.killed.Store(true)
		p.log.Infof("killing transcoder (pid %d)", p.Pid())
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
	})
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// scanDiagnosticLines splits on '\n' and also on '\r', which ffmpeg uses to
// redraw its progress line.
func scanDiagnosticLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
