// Package media wraps the ffmpeg and ffprobe binaries.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// stderrTail is how many non-progress stderr lines are kept for error reports.
const stderrTail = 20

// Runner executes ffmpeg.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) error
}

// RunOptions configures a single ffmpeg invocation.
type RunOptions struct {
	Args     []string
	Progress func(Progress)
	Log      func(string)
}

// Options locates the binaries. Empty paths are looked up in PATH.
type Options struct {
	FFmpegPath  string
	FFprobePath string
}

// Executor runs ffmpeg/ffprobe with progress streaming.
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
}

// NewExecutor resolves the binaries and returns an executor.
func NewExecutor(logger zerolog.Logger, opts Options) (*Executor, error) {
	ffmpegPath, err := lookPath(opts.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobePath, err := lookPath(opts.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

func lookPath(configured, name string) (string, error) {
	if configured == "" {
		configured = name
	}
	path, err := exec.LookPath(configured)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}

// Run executes ffmpeg with opts.Args. Progress blocks written to stderr by
// -progress are parsed and delivered to opts.Progress.
func (e *Executor) Run(ctx context.Context, opts RunOptions) error {
	if len(opts.Args) == 0 {
		return errors.New("no arguments provided")
	}

	args := append([]string{"-y", "-hide_banner", "-nostats", "-loglevel", "error", "-progress", "pipe:2"}, opts.Args...)

	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Drain stderr fully before Wait closes the pipe.
	tail := streamOutput(stderr, opts.Progress, opts.Log)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg execution failed: %w: %s", err, strings.Join(tail, " | "))
	}

	e.logger.Debug().Msg("ffmpeg execution completed")
	return nil
}

// streamOutput feeds progress blocks to onProgress and returns the last
// stderr lines that were not part of a progress block.
func streamOutput(r io.Reader, onProgress func(Progress), onLog func(string)) []string {
	scanner := bufio.NewScanner(r)
	parser := &progressParser{}
	var tail []string

	for scanner.Scan() {
		line := scanner.Text()
		if p, done, ok := parser.feed(line); ok {
			if done && onProgress != nil {
				onProgress(p)
			}
			continue
		}
		if onLog != nil {
			onLog(line)
		}
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	return tail
}
