// Package gs shells out to Ghostscript to rewrite PDFs at a chosen quality
// preset.
package gs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/preset"
)

// Stderr beyond this is discarded before it reaches the job's error message.
const maxStderr = 2048

// ErrTimeout marks a run killed by the processing deadline.
var ErrTimeout = errors.New("ghostscript timed out")

// Compressor runs Ghostscript with a per-run timeout.
type Compressor struct {
	binary  string
	timeout time.Duration
	log     *logrus.Logger
}

// NewCompressor constructs a Compressor for the given gs binary.
func NewCompressor(binary string, timeout time.Duration, log *logrus.Logger) *Compressor {
	if log == nil {
		log = logrus.New()
	}
	return &Compressor{binary: binary, timeout: timeout, log: log}
}

// Result reports the finished run.
type Result struct {
	OutputSize int64
	Elapsed    time.Duration
}

// buildArgs assembles the full Ghostscript argument list: the invariant base
// options, then the preset's settings, then the output and input paths.
func buildArgs(p preset.Preset, inputPath, outputPath string) []string {
	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		"-dAutoRotatePages=/None",
		"-dColorImageDownsampleType=/Bicubic",
		"-dGrayImageDownsampleType=/Bicubic",
		"-dMonoImageDownsampleType=/Bicubic",
	}
	args = append(args, p.GhostscriptArgs...)
	args = append(args, "-sOutputFile="+outputPath, inputPath)
	return args
}

// Compress rewrites inputPath into outputPath using the named preset. The run
// is bounded by the configured timeout; on failure any partial output is
// removed so no truncated artifact survives.
func (c *Compressor) Compress(ctx context.Context, presetKey, inputPath, outputPath string) (Result, error) {
	p, err := preset.Lookup(presetKey)
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, c.binary, buildArgs(p, inputPath, outputPath)...)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		os.Remove(outputPath)
		if runCtx.Err() == context.DeadlineExceeded {
			c.log.WithFields(logrus.Fields{
				"preset":  presetKey,
				"timeout": c.timeout,
			}).Warn("ghostscript killed by deadline")
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return Result{}, fmt.Errorf("ghostscript: %v: %s", err, truncate(output))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, fmt.Errorf("ghostscript produced no output: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(outputPath)
		return Result{}, errors.New("ghostscript produced an empty file")
	}

	c.log.WithFields(logrus.Fields{
		"preset":  presetKey,
		"size":    info.Size(),
		"elapsed": elapsed,
	}).Debug("ghostscript run finished")
	return Result{OutputSize: info.Size(), Elapsed: elapsed}, nil
}

func truncate(b []byte) string {
	if len(b) > maxStderr {
		b = b[:maxStderr]
	}
	return string(b)
}
