package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes the external codec binary. Tests substitute a fake
// that writes canned output files.
type Runner interface {
	Run(ctx context.Context, args ...string) error
}

// ExecRunner shells out to ffmpeg.
type ExecRunner struct {
	Binary string
	Logger *slog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) error {
	binary := r.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), err)
	}
	return nil
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
