package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

func compositionRequest() *core.VideoJobRequest {
	return &core.VideoJobRequest{
		OutputFormat: core.FormatMP4,
		Width:        1280,
		Height:       720,
		Elements: []core.VideoElement{
			{Type: core.ElementImage, Source: "https://cdn.example.com/bg.png", FitMode: core.FitCover},
			{Type: core.ElementVideo, Source: "https://cdn.example.com/clip.mp4", X: "25%", Y: "10%"},
		},
	}
}

func TestBuildArgsComposition(t *testing.T) {
	args := buildArgs(compositionRequest(), "/tmp/out.mp4")
	joined := strings.Join(args, " ")

	// One input per element, images looped into stills.
	assert.Contains(t, joined, "-loop 1 -t 5 -i https://cdn.example.com/bg.png")
	assert.Contains(t, joined, "-i https://cdn.example.com/clip.mp4")

	// Filter graph scales each element and overlays onto the canvas.
	assert.Contains(t, joined, "color=black:size=1280x720[canvas]")
	assert.Contains(t, joined, "force_original_aspect_ratio=increase")
	assert.Contains(t, joined, "overlay=main_w*0.25:main_w*0.1")

	// Output settings.
	assert.Contains(t, joined, "-s 1280x720")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
	assert.Contains(t, joined, "-progress pipe:1")
}

func TestBuildArgsFitModes(t *testing.T) {
	req := compositionRequest()
	req.Elements[0].FitMode = core.FitFill
	args := buildArgs(req, "/tmp/out.mp4")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "[0:v]scale=w=1280:h=720[el0]")
}

func TestOffsetOrZero(t *testing.T) {
	assert.Equal(t, "0", offsetOrZero(""))
	assert.Equal(t, "0", offsetOrZero("0%"))
	assert.Equal(t, "0", offsetOrZero("garbage"))
	assert.Equal(t, "main_w*0.125", offsetOrZero("12.5%"))
}

func TestFakeTranscoderWritesOutput(t *testing.T) {
	f := &FakeTranscoder{Delay: 20 * time.Millisecond, WorkDir: t.TempDir()}

	var samples []float64
	path, err := f.Transcode(context.Background(), compositionRequest(), func(p core.TranscodeProgress) {
		samples = append(samples, p.Percent)
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, ".mp4", filepath.Ext(path))
	assert.Equal(t, []float64{25, 50, 75, 100}, samples)
}

func TestFakeTranscoderHonorsCancellation(t *testing.T) {
	f := &FakeTranscoder{Delay: 5 * time.Second, WorkDir: t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Transcode(ctx, compositionRequest(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalBlobStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bs, err := NewLocalBlobStore(BlobStoreConfig{
		OutputDir: dir,
		BaseURL:   "http://localhost:8080/artifacts/",
	})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "render.mp4")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	result, err := bs.UploadVideo(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.SizeBytes)
	assert.Equal(t, "videoapi-artifacts", result.Bucket)
	assert.True(t, strings.HasPrefix(result.URL, "http://localhost:8080/artifacts/"))
	assert.Equal(t, ".mp4", filepath.Ext(result.Key))

	stored, err := os.ReadFile(filepath.Join(dir, result.Key))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(stored))
}

func TestLocalBlobStoreMissingSource(t *testing.T) {
	bs, err := NewLocalBlobStore(BlobStoreConfig{OutputDir: t.TempDir()})
	require.NoError(t, err)

	_, err = bs.UploadVideo(context.Background(), "/nonexistent/render.mp4")
	assert.Error(t, err)
}

func TestLocalBlobStoreHealthCheck(t *testing.T) {
	bs, err := NewLocalBlobStore(BlobStoreConfig{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, bs.HealthCheck(context.Background()))
}
