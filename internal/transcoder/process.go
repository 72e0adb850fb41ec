package transcoder

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Process is a running transcoder that consumes a byte stream on stdin.
type Process interface {
	Stdin() io.WriteCloser
	// Wait blocks until the process exits.
	Wait() error
	// Interrupt requests a graceful shutdown.
	Interrupt() error
	Kill() error
	Pid() int
}

// Launcher starts one transcoder process for a stream. Diagnostic output of
// the process must be written to stderr.
type Launcher interface {
	Launch(streamName string, stderr io.Writer) (Process, error)
}

// FFmpegConfig controls the ffmpeg command line.
type FFmpegConfig struct {
	Binary      string
	FrameRate   int
	InputFormat string
	VideoCodec  string
	Preset      string
	Tune        string
	// OutputFormat and OutputBase form the destination, e.g. flv to
	// rtmp://localhost/live; the stream name is appended to OutputBase.
	OutputFormat string
	OutputBase   string
}

// DefaultFFmpegConfig reads MJPEG frames at 25 fps and pushes H.264 over RTMP.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Binary:       "ffmpeg",
		FrameRate:    25,
		InputFormat:  "mjpeg",
		VideoCodec:   "libx264",
		Preset:       "veryfast",
		Tune:         "zerolatency",
		OutputFormat: "flv",
		OutputBase:   "rtmp://localhost/live",
	}
}

// FFmpegLauncher launches ffmpeg reading frames from stdin.
type FFmpegLauncher struct {
	cfg FFmpegConfig
}

// NewFFmpegLauncher fills unset fields of cfg from DefaultFFmpegConfig.
func NewFFmpegLauncher(cfg FFmpegConfig) *FFmpegLauncher {
	def := DefaultFFmpegConfig()
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = def.Binary
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = def.InputFormat
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = def.VideoCodec
	}
	if cfg.Preset == "" {
		cfg.Preset = def.Preset
	}
	if cfg.Tune == "" {
		cfg.Tune = def.Tune
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = def.OutputFormat
	}
	if cfg.OutputBase == "" {
		cfg.OutputBase = def.OutputBase
	}
	return &FFmpegLauncher{cfg: cfg}
}

// Args returns the ffmpeg arguments for streamName.
func (l *FFmpegLauncher) Args(streamName string) []string {
	return []string{
		"-framerate", strconv.Itoa(l.cfg.FrameRate),
		"-f", l.cfg.InputFormat,
		"-i", "-",
		"-c:v", l.cfg.VideoCodec,
		"-preset", l.cfg.Preset,
		"-tune", l.cfg.Tune,
		"-f", l.cfg.OutputFormat,
		strings.TrimRight(l.cfg.OutputBase, "/") + "/" + streamName,
	}
}

// Launch implements Launcher.
func (l *FFmpegLauncher) Launch(streamName string, stderr io.Writer) (Process, error) {
	if strings.TrimSpace(streamName) == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return startProcess(l.cfg.Binary, l.Args(streamName), stderr)
}

// startProcess runs binary with a stdin pipe. stdout is discarded.
func startProcess(binary string, args []string, stderr io.Writer) (*execProcess, error) {
	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open %s stdin: %w", binary, err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Interrupt() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
