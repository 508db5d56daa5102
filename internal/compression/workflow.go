// Package compression turns an uploaded video into a smaller MP4 at one of the fixed bitrate presets.
package compression

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/chronoslabs/chronos-compressor/internal/tracing"
	"github.com/chronoslabs/chronos-compressor/internal/transcoder"
)

// OutputPrefix is prepended to the uploaded file's base name
const OutputPrefix = "chronos_optimized_"

// OutputMIMEType is the content type of every compressed file
const OutputMIMEType = "video/mp4"

const fallbackName = "video.mp4"

// Encoder is the external transcoding capability the workflow delegates to
type Encoder interface {
	Transcode(ctx context.Context, opts transcoder.TranscodeOptions, progressCB transcoder.ProgressCallback) error
}

// ProgressFunc receives encoder progress in percent
type ProgressFunc = transcoder.ProgressCallback

// Options configures a Compressor. Codecs and the x264 speed preset are
// fixed at libx264/aac/medium; only the bitrate varies per preset.
type Options struct {
	TempDir string // parent of the per-call temp dirs, os.TempDir() when empty
}

// UploadedVideo is a file received from the user. It lives for one call.
type UploadedVideo struct {
	Name      string
	SizeBytes int64
	RawBytes  []byte
}

// Result is the outcome of a successful compression
type Result struct {
	OutputBytes         []byte
	OutputFileName      string
	OriginalSizeBytes   int64
	CompressedSizeBytes int64
	Preset              Preset
}

// BytesSaved is negative when the encoder grew the file
func (r *Result) BytesSaved() int64 {
	return r.OriginalSizeBytes - r.CompressedSizeBytes
}

// PercentSaved returns the share of the original size removed, 0 for an
// empty original
func (r *Result) PercentSaved() float64 {
	if r.OriginalSizeBytes <= 0 {
		return 0
	}
	return float64(r.BytesSaved()) / float64(r.OriginalSizeBytes) * 100
}

// Compressor runs the compression workflow
type Compressor struct {
	encoder Encoder
	opts    Options
	logger  *logging.Logger
}

// NewCompressor creates a compressor around encoder
func NewCompressor(encoder Encoder, opts Options, logger *logging.Logger) *Compressor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Compressor{
		encoder: encoder,
		opts:    opts,
		logger:  logger,
	}
}

// OutputFileName derives the download name for an uploaded file name
func OutputFileName(name string) string {
	return OutputPrefix + baseName(name)
}

// baseName strips any client-side directory, accepting both separators
func baseName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		return fallbackName
	}
	return base
}

// Compress encodes video with preset. See CompressWithProgress.
func (c *Compressor) Compress(ctx context.Context, video UploadedVideo, preset Preset) (*Result, error) {
	return c.CompressWithProgress(ctx, video, preset, nil)
}

// CompressWithProgress writes the upload into a private temp dir, runs the
// encoder once and returns the encoded bytes with both sizes. The temp dir
// is removed on every path. All failures are *EncodingFailed.
func (c *Compressor) CompressWithProgress(ctx context.Context, video UploadedVideo, preset Preset, progress ProgressFunc) (*Result, error) {
	span, ctx := tracing.StartSpan(ctx, "compression.compress")
	defer tracing.FinishSpan(span)

	if preset.Bitrate == "" {
		preset = DefaultPreset()
	}
	tracing.SetTag(span, "bitrate", preset.Bitrate)

	metrics.CompressionsInProgress.Inc()
	defer metrics.CompressionsInProgress.Dec()

	start := time.Now()
	result, err := c.compress(ctx, video, preset, progress)
	duration := time.Since(start)

	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordCompression(preset.Key, metrics.StatusFailed, duration.Seconds(), 0, 0, 0)
		c.logger.LogCompression(video.Name, preset.Bitrate, video.SizeBytes, 0, 0, duration, err)
		return nil, err
	}

	metrics.RecordCompression(preset.Key, metrics.StatusCompleted, duration.Seconds(),
		result.OriginalSizeBytes, result.CompressedSizeBytes, result.PercentSaved())
	c.logger.LogCompression(video.Name, preset.Bitrate, result.OriginalSizeBytes,
		result.CompressedSizeBytes, result.PercentSaved(), duration, nil)

	return result, nil
}

func (c *Compressor) compress(ctx context.Context, video UploadedVideo, preset Preset, progress ProgressFunc) (*Result, error) {
	if len(video.RawBytes) == 0 {
		return nil, encodingFailed(ErrEmptyInput)
	}

	tempDir, err := os.MkdirTemp(c.opts.TempDir, "chronos-*")
	if err != nil {
		return nil, encodingFailed(fmt.Errorf("failed to create temp directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			c.logger.ErrorWithErr("Failed to remove temp directory", err)
		}
	}()

	inputPath := filepath.Join(tempDir, baseName(video.Name))
	if err := os.WriteFile(inputPath, video.RawBytes, 0600); err != nil {
		return nil, encodingFailed(fmt.Errorf("failed to write upload: %w", err))
	}

	outputName := OutputFileName(video.Name)
	outputPath := filepath.Join(tempDir, outputName)

	opts := transcoder.TranscodeOptions{
		InputPath:    inputPath,
		OutputPath:   outputPath,
		VideoBitrate: preset.Bitrate,
		VideoCodec:   transcoder.DefaultVideoCodec,
		AudioCodec:   transcoder.DefaultAudioCodec,
		Preset:       transcoder.DefaultPreset,
		Format:       transcoder.DefaultFormat,
	}

	if err := c.encoder.Transcode(ctx, opts, progress); err != nil {
		return nil, encodingFailed(err)
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, encodingFailed(fmt.Errorf("failed to read encoder output: %w", err))
	}
	if len(output) == 0 {
		return nil, encodingFailed(ErrEmptyOutput)
	}

	originalSize := video.SizeBytes
	if originalSize <= 0 {
		originalSize = int64(len(video.RawBytes))
	}

	return &Result{
		OutputBytes:         output,
		OutputFileName:      outputName,
		OriginalSizeBytes:   originalSize,
		CompressedSizeBytes: int64(len(output)),
		Preset:              preset,
	}, nil
}
