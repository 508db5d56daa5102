package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/chronoslabs/chronos-compressor/internal/tracing"
	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Defaults applied when TranscodeOptions leaves a field empty
const (
	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"
	DefaultPreset     = "medium"
	DefaultFormat     = "mp4"
)

// maxStderr bounds how much encoder output is carried in an error
const maxStderr = 2048

var progressRegex = regexp.MustCompile(`out_time_ms=(\d+)`)

// FFmpeg wraps FFmpeg operations
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// VideoMetadata holds video metadata extracted from ffprobe
type VideoMetadata struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitRate      string `json:"bit_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Duration returns the container duration in seconds, 0 when unknown
func (m *VideoMetadata) Duration() float64 {
	d, err := strconv.ParseFloat(strings.TrimSpace(m.Format.Duration), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// HasVideo reports whether the probe found a video stream
func (m *VideoMetadata) HasVideo() bool {
	for _, s := range m.Streams {
		if s.CodecType == "video" {
			return true
		}
	}
	return false
}

// ProbeVideo extracts metadata from a video file
func (f *FFmpeg) ProbeVideo(ctx context.Context, inputPath string) (*VideoMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "ffprobe failed, stderr: %s", tail(stderr.String()))
	}

	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (*VideoMetadata, error) {
	var metadata VideoMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, errors.Wrap(err, "failed to parse ffprobe output")
	}
	return &metadata, nil
}

// Version returns the first line of `ffmpeg -version`
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", errors.Wrap(err, "ffmpeg not available")
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// TranscodeOptions holds transcoding options
type TranscodeOptions struct {
	InputPath    string
	OutputPath   string
	VideoBitrate string
	VideoCodec   string
	AudioCodec   string
	Preset       string
	Format       string
}

// ProgressCallback is called with progress updates in percent
type ProgressCallback func(progress float64)

// BuildArgs returns the ffmpeg argument list for opts
func BuildArgs(opts TranscodeOptions) []string {
	videoCodec := opts.VideoCodec
	if videoCodec == "" {
		videoCodec = DefaultVideoCodec
	}
	audioCodec := opts.AudioCodec
	if audioCodec == "" {
		audioCodec = DefaultAudioCodec
	}
	preset := opts.Preset
	if preset == "" {
		preset = DefaultPreset
	}
	format := opts.Format
	if format == "" {
		format = DefaultFormat
	}

	outputKwargs := ffmpeg.KwArgs{
		"c:v":      videoCodec,
		"c:a":      audioCodec,
		"preset":   preset,
		"f":        format,
		"progress": "pipe:1",
	}
	if opts.VideoBitrate != "" {
		outputKwargs["b:v"] = opts.VideoBitrate
	}
	if format == "mp4" {
		outputKwargs["movflags"] = "+faststart"
		outputKwargs["pix_fmt"] = "yuv420p"
	}

	return ffmpeg.Input(opts.InputPath).
		Output(opts.OutputPath, outputKwargs).
		OverWriteOutput().
		GetArgs()
}

// Transcode runs a single blocking encode, reporting progress when the
// input duration can be probed
func (f *FFmpeg) Transcode(ctx context.Context, opts TranscodeOptions, progressCB ProgressCallback) error {
	span, ctx := tracing.StartSpan(ctx, "ffmpeg.transcode")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "bitrate", opts.VideoBitrate)

	var totalDuration float64
	if progressCB != nil {
		if metadata, err := f.ProbeVideo(ctx, opts.InputPath); err == nil {
			totalDuration = metadata.Duration()
		}
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, BuildArgs(opts)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		tracing.LogError(span, err)
		return errors.Wrap(err, "failed to start ffmpeg")
	}

	readProgress(stdout, totalDuration, progressCB)

	if err := cmd.Wait(); err != nil {
		tracing.LogError(span, err)
		return errors.Wrapf(err, "ffmpeg failed, stderr: %s", tail(stderr.String()))
	}

	if progressCB != nil {
		progressCB(100)
	}

	return nil
}

// readProgress consumes ffmpeg's -progress output until EOF
func readProgress(r io.Reader, totalDuration float64, progressCB ProgressCallback) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if progressCB == nil {
			continue
		}
		if progress, ok := parseProgressLine(scanner.Text(), totalDuration); ok {
			progressCB(progress)
		}
	}
}

// parseProgressLine turns an out_time_ms line into a percentage
func parseProgressLine(line string, totalDuration float64) (float64, bool) {
	if totalDuration <= 0 {
		return 0, false
	}

	matches := progressRegex.FindStringSubmatch(line)
	if len(matches) < 2 {
		return 0, false
	}

	timeUs, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, false
	}

	progress := (timeUs / 1000000.0 / totalDuration) * 100
	if progress > 100 {
		progress = 100
	}
	return progress, true
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return "..." + s[len(s)-maxStderr:]
	}
	return s
}
