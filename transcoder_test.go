package ffrtc

import (
	"bufio"
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscoderConfig_Args(t *testing.T) {
	args := DefaultTranscoderConfig().Args("rtsp://cam/live", "127.0.0.1:4000", "127.0.0.1:4001")

	want := []string{
		"-y",
		"-rtsp_transport", "tcp",
		"-i", "rtsp://cam/live",
		"-analyzeduration", "15000000",
		"-probesize", "100000000",
		"-reorder_queue_size", "1024",
		"-max_delay", "20000000",
		"-vcodec", "none", "-acodec", "pcm_s16le", "-f", "s16le", "tcp://127.0.0.1:4000",
		"-vcodec", "rawvideo", "-acodec", "none", "-pix_fmt", "yuv420p", "-f", "rawvideo", "tcp://127.0.0.1:4001",
	}
	assert.Equal(t, want, args)
}

func TestTranscoderConfig_Defaults(t *testing.T) {
	cfg := TranscoderConfig{RTSPTransport: "udp", ExtraInputArgs: []string{"-an"}}.withDefaults()
	assert.Equal(t, "udp", cfg.RTSPTransport)
	assert.Equal(t, 15000000, cfg.AnalyzeDuration)
	assert.Equal(t, 1024, cfg.ReorderQueueSize)
	if runtime.GOOS == "windows" {
		assert.Equal(t, "ffmpeg.exe", cfg.Path)
	} else {
		assert.Equal(t, "ffmpeg", cfg.Path)
	}

	args := cfg.Args("rtsp://x", "a:1", "v:2")
	assert.Equal(t, "-an", args[13], "extra input args follow the input options")
	assert.Equal(t, "-vcodec", args[14])
}

func TestScanDiagnosticLines(t *testing.T) {
	input := "frame=  1 fps=0.0\rframe=  2 fps=0.0\rStream #0:0: Video: 1920x1080\nlast"
	s := bufio.NewScanner(strings.NewReader(input))
	s.Split(scanDiagnosticLines)

	var lines []string
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{
		"frame=  1 fps=0.0",
		"frame=  2 fps=0.0",
		"Stream #0:0: Video: 1920x1080",
		"last",
	}, lines)
}

type diagnosticLog struct {
	mu    sync.Mutex
	lines map[DiagnosticSource][]string
	eof   map[DiagnosticSource]bool
}

func (d *diagnosticLog) record(src DiagnosticSource, line string, eof bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eof {
		d.eof[src] = true
		return
	}
	d.lines[src] = append(d.lines[src], line)
}

func TestExecLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	diag := &diagnosticLog{lines: map[DiagnosticSource][]string{}, eof: map[DiagnosticSource]bool{}}
	l := &ExecLauncher{Path: "/bin/sh"}
	proc, err := l.Launch(context.Background(), []string{"-c", "echo out; echo 'Video: 320x240' 1>&2; exit 3"}, diag.record)
	require.NoError(t, err)
	assert.NotZero(t, proc.Pid())

	<-proc.Done()
	assert.Error(t, proc.Err())
	assert.NoError(t, proc.Kill(), "killing an exited process is not an error")

	diag.mu.Lock()
	defer diag.mu.Unlock()
	assert.Equal(t, []string{"out"}, diag.lines[DiagnosticStdout])
	assert.Equal(t, []string{"Video: 320x240"}, diag.lines[DiagnosticStderr])
	assert.True(t, diag.eof[DiagnosticStdout])
	assert.True(t, diag.eof[DiagnosticStderr])
}

func TestExecLauncher_Kill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	l := &ExecLauncher{Path: "/bin/sh"}
	proc, err := l.Launch(context.Background(), []string{"-c", "exec sleep 30"}, nil)
	require.NoError(t, err)

	require.NoError(t, proc.Kill())
	require.NoError(t, proc.Kill())
	<-proc.Done()
	assert.ErrorContains(t, proc.Err(), "killed")
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	l := &ExecLauncher{Path: "/nonexistent/ffmpeg"}
	_, err := l.Launch(context.Background(), nil, nil)
	assert.Error(t, err)
}
