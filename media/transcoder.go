// Package media binds the service to its external collaborators: the
// ffmpeg renderer and the artifact blob store. Both are treated as
// black boxes behind the core interfaces.
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// TranscoderConfig configures the command transcoder.
type TranscoderConfig struct {
	// Binary is the ffmpeg executable. Default "ffmpeg".
	Binary string
	// WorkDir receives rendered output files. Default os.TempDir().
	WorkDir string

	Logger core.Logger
}

// CommandTranscoder renders compositions by invoking ffmpeg. Cancelling
// the context kills the child process.
type CommandTranscoder struct {
	config TranscoderConfig
	logger core.Logger
}

// NewCommandTranscoder creates an ffmpeg-backed transcoder.
func NewCommandTranscoder(config TranscoderConfig) *CommandTranscoder {
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	if config.WorkDir == "" {
		config.WorkDir = os.TempDir()
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("media")
	}
	return &CommandTranscoder{config: config, logger: logger}
}

// Transcode runs ffmpeg over the composition and returns the rendered
// output path. Progress is parsed from ffmpeg's machine-readable
// progress stream.
func (t *CommandTranscoder) Transcode(ctx context.Context, req *core.VideoJobRequest, onProgress func(core.TranscodeProgress)) (string, error) {
	outputPath := filepath.Join(t.config.WorkDir, fmt.Sprintf("render-%s.%s", uuid.NewString(), req.OutputFormat))
	args := buildArgs(req, outputPath)

	cmd := exec.CommandContext(ctx, t.config.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open ffmpeg progress pipe: %w", err)
	}

	t.logger.Info("Transcode started", map[string]interface{}{
		"operation": "transcode",
		"binary":    t.config.Binary,
		"elements":  len(req.Elements),
		"output":    outputPath,
	})

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", t.config.Binary, err)
	}

	if onProgress != nil {
		go watchProgress(stdout, onProgress)
	}

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s failed: %s: %w", t.config.Binary, lastLine(stderr.String()), err)
	}

	t.logger.Info("Transcode finished", map[string]interface{}{
		"operation":   "transcode",
		"output":      outputPath,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return outputPath, nil
}

// buildArgs translates a composition into an ffmpeg invocation: one
// input per element, a filter graph that scales and overlays them onto
// the output canvas, progress on stdout.
func buildArgs(req *core.VideoJobRequest, outputPath string) []string {
	args := []string{"-y", "-hide_banner", "-nostdin", "-progress", "pipe:1"}

	for _, el := range req.Elements {
		if el.Type == core.ElementImage {
			args = append(args, "-loop", "1", "-t", "5")
		}
		args = append(args, "-i", el.Source)
	}

	var filter strings.Builder
	fmt.Fprintf(&filter, "color=black:size=%dx%d[canvas]", req.Width, req.Height)
	prev := "canvas"
	for i, el := range req.Elements {
		fmt.Fprintf(&filter, ";[%d:v]scale=%s[el%d]", i, scaleFor(el, req), i)
		next := fmt.Sprintf("out%d", i)
		fmt.Fprintf(&filter, ";[%s][el%d]overlay=%s:%s[%s]", prev, i, offsetOrZero(el.X), offsetOrZero(el.Y), next)
		prev = next
	}

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "["+prev+"]",
		"-s", fmt.Sprintf("%dx%d", req.Width, req.Height),
	)
	if req.OutputFormat == core.FormatMP4 || req.OutputFormat == core.FormatMOV {
		args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart")
	}
	return append(args, outputPath)
}

// scaleFor maps the fit mode onto an ffmpeg scale expression.
func scaleFor(el core.VideoElement, req *core.VideoJobRequest) string {
	w, h := req.Width, req.Height
	switch el.FitMode {
	case core.FitContain:
		return fmt.Sprintf("w=%d:h=%d:force_original_aspect_ratio=decrease", w, h)
	case core.FitCover:
		return fmt.Sprintf("w=%d:h=%d:force_original_aspect_ratio=increase", w, h)
	case core.FitFill:
		return fmt.Sprintf("w=%d:h=%d", w, h)
	default:
		return fmt.Sprintf("w=%d:h=%d:force_original_aspect_ratio=decrease", w, h)
	}
}

// offsetOrZero converts a "25%" placement into an ffmpeg expression
// relative to the main canvas.
func offsetOrZero(pct string) string {
	trimmed := strings.TrimSuffix(pct, "%")
	if trimmed == pct || trimmed == "" {
		return "0"
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || n == 0 {
		return "0"
	}
	return fmt.Sprintf("main_w*%g", n/100)
}

// watchProgress reads ffmpeg's key=value progress stream. Without a
// known total duration the percent is a bounded heuristic that only
// jumps to 100 on the end marker.
func watchProgress(r io.Reader, onProgress func(core.TranscodeProgress)) {
	scanner := bufio.NewScanner(r)
	frames := 0
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "frame="):
			frames++
			percent := float64(frames)
			if percent > 95 {
				percent = 95
			}
			onProgress(core.TranscodeProgress{Percent: percent, Step: "processing"})
		case line == "progress=end":
			onProgress(core.TranscodeProgress{Percent: 100, Step: "processing"})
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// FakeTranscoder renders a placeholder artifact after a fixed delay.
// Used in development and tests where ffmpeg is unavailable.
type FakeTranscoder struct {
	// Delay simulates rendering time.
	Delay time.Duration
	// WorkDir receives the placeholder output. Default os.TempDir().
	WorkDir string
}

// Transcode writes a placeholder file, reporting progress in quarters.
func (f *FakeTranscoder) Transcode(ctx context.Context, req *core.VideoJobRequest, onProgress func(core.TranscodeProgress)) (string, error) {
	workDir := f.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.Delay / time.Duration(steps)):
		}
		if onProgress != nil {
			onProgress(core.TranscodeProgress{
				Percent: float64(i) / float64(steps) * 100,
				Step:    "processing",
			})
		}
	}

	outputPath := filepath.Join(workDir, fmt.Sprintf("render-%s.%s", uuid.NewString(), req.OutputFormat))
	content := fmt.Sprintf("fake render %dx%d with %d elements\n", req.Width, req.Height, len(req.Elements))
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write placeholder output: %w", err)
	}
	return outputPath, nil
}
