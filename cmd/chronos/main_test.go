package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronoslabs/chronos-compressor/internal/compression"
	"github.com/chronoslabs/chronos-compressor/internal/config"
	"github.com/chronoslabs/chronos-compressor/internal/transcoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quarterEncoder struct {
	opts transcoder.TranscodeOptions
	err  error
}

func (e *quarterEncoder) Transcode(ctx context.Context, opts transcoder.TranscodeOptions, cb transcoder.ProgressCallback) error {
	e.opts = opts
	if e.err != nil {
		return e.err
	}
	input, err := os.ReadFile(opts.InputPath)
	if err != nil {
		return err
	}
	if cb != nil {
		cb(100)
	}
	return os.WriteFile(opts.OutputPath, input[:len(input)/4], 0600)
}

func useEncoder(t *testing.T, enc compression.Encoder) {
	t.Helper()
	previous := encoderFactory
	encoderFactory = func(*config.Config) compression.Encoder { return enc }
	t.Cleanup(func() { encoderFactory = previous })
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestPresetsCommand(t *testing.T) {
	out, _, err := run(t, "presets")
	require.NoError(t, err)

	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "quantum")
	assert.Contains(t, out, "500k")
	assert.Contains(t, out, "Nebula-Optimized (Balanced)")
	assert.Regexp(t, `nebula\s+1000k\s+Nebula-Optimized \(Balanced\)\s+\*`, out)
}

func TestCompressCommand(t *testing.T) {
	enc := &quarterEncoder{}
	useEncoder(t, enc)

	dir := t.TempDir()
	input := filepath.Join(dir, "holiday.mov")
	require.NoError(t, os.WriteFile(input, bytes.Repeat([]byte{3}, 4096), 0600))
	outDir := filepath.Join(dir, "out")

	out, _, err := run(t, "compress", "-i", input, "-p", "stellar", "-o", outDir)
	require.NoError(t, err)

	assert.Equal(t, "2000k", enc.opts.VideoBitrate)
	assert.Equal(t, "libx264", enc.opts.VideoCodec)

	written, err := os.ReadFile(filepath.Join(outDir, "chronos_optimized_holiday.mov"))
	require.NoError(t, err)
	assert.Len(t, written, 1024)

	assert.Contains(t, out, "Stellar-Quality (Larger File) (2000k)")
	assert.Contains(t, out, "saved")
	assert.Contains(t, out, "(75.0%)")
}

func TestCompressCommandDefaultPreset(t *testing.T) {
	enc := &quarterEncoder{}
	useEncoder(t, enc)

	dir := t.TempDir()
	input := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(input, []byte{1, 2, 3, 4}, 0600))

	_, _, err := run(t, "compress", "-i", input, "-o", dir)
	require.NoError(t, err)
	assert.Equal(t, "1000k", enc.opts.VideoBitrate)
}

func TestCompressCommandErrors(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(input, []byte{1, 2, 3, 4}, 0600))
	empty := filepath.Join(dir, "empty.mp4")
	require.NoError(t, os.WriteFile(empty, nil, 0600))

	t.Run("missing input flag", func(t *testing.T) {
		useEncoder(t, &quarterEncoder{})
		_, _, err := run(t, "compress")
		assert.Error(t, err)
	})

	t.Run("unknown preset", func(t *testing.T) {
		useEncoder(t, &quarterEncoder{})
		_, _, err := run(t, "compress", "-i", input, "-p", "ultra", "-o", dir)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		useEncoder(t, &quarterEncoder{})
		_, _, err := run(t, "compress", "-i", filepath.Join(dir, "nope.mp4"), "-o", dir)
		assert.Error(t, err)
	})

	t.Run("empty file", func(t *testing.T) {
		useEncoder(t, &quarterEncoder{})
		_, _, err := run(t, "compress", "-i", empty, "-o", dir)
		assert.True(t, compression.IsEncodingFailed(err))
	})

	t.Run("encoder failure", func(t *testing.T) {
		useEncoder(t, &quarterEncoder{err: errors.New("boom")})
		_, _, err := run(t, "compress", "-i", input, "-o", dir)
		assert.True(t, compression.IsEncodingFailed(err))
		_, statErr := os.Stat(filepath.Join(dir, "chronos_optimized_a.mp4"))
		assert.True(t, os.IsNotExist(statErr))
	})
}
