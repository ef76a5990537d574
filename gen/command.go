package gen

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

var _ Generator = (*Command)(nil)

// Command runs the generation pipeline as an external process. The
// binary is resolved once at construction, so a misconfigured worker
// fails at startup instead of on its first job.
//
// Argument placeholders are expanded per invocation:
//
//	{input}   path to the written input image
//	{output}  path the pipeline must write the video to
//	{width} {height} {frames} {fps} {chunk}
type Command struct {
	bin    string
	args   []string
	logger *slog.Logger
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithCommandLogger sets a custom logger.
func WithCommandLogger(l *slog.Logger) CommandOption {
	return func(c *Command) { c.logger = l }
}

// NewCommand resolves the pipeline binary and returns a Command
// generator. Resolution failure is fatal at startup rather than per job.
func NewCommand(bin string, args []string, opts ...CommandOption) (*Command, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("gen: resolve pipeline binary %q: %w", bin, err)
	}

	c := &Command{bin: path, args: args, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}

	c.logger.Info("generation pipeline resolved", slog.String("binary", path))
	return c, nil
}

// Generate writes the input image to a scratch directory, runs the
// pipeline, and returns the produced video bytes. Any pipeline failure
// is reported with the captured stderr tail.
func (c *Command) Generate(ctx context.Context, input []byte, p Params) ([]byte, error) {
	dir, err := os.MkdirTemp("", "renderq-gen-*")
	if err != nil {
		return nil, fmt.Errorf("gen: scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input.img")
	outPath := filepath.Join(dir, "output.mp4")

	if err := os.WriteFile(inPath, input, 0o644); err != nil {
		return nil, fmt.Errorf("gen: write input: %w", err)
	}

	args := expandArgs(c.args, map[string]string{
		"{input}":  inPath,
		"{output}": outPath,
		"{width}":  strconv.Itoa(p.Width),
		"{height}": strconv.Itoa(p.Height),
		"{frames}": strconv.Itoa(p.Frames),
		"{fps}":    strconv.Itoa(p.FPS),
		"{chunk}":  strconv.Itoa(p.DecodeChunkSize),
	})

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gen: pipeline failed: %w: %s", err, stderrTail(&stderr))
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("gen: pipeline wrote no output: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("gen: pipeline wrote empty output")
	}
	return out, nil
}

func expandArgs(args []string, repl map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range repl {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

// stderrTail keeps error messages bounded; pipelines can be chatty.
func stderrTail(buf *bytes.Buffer) string {
	const max = 512
	s := strings.TrimSpace(buf.String())
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
