package models

import (
	"fmt"
	"math"
)

const bytesPerMiB = 1024 * 1024

// Report describes the size comparison shown after a compression
type Report struct {
	OutputFileName      string  `json:"output_file_name"`
	PresetLabel         string  `json:"preset_label"`
	Bitrate             string  `json:"bitrate"`
	OriginalSizeBytes   int64   `json:"original_size_bytes"`
	CompressedSizeBytes int64   `json:"compressed_size_bytes"`
	BytesSaved          int64   `json:"bytes_saved"`
	PercentSaved        float64 `json:"percent_saved"`
	OriginalSizeMB      float64 `json:"original_size_mb"`
	CompressedSizeMB    float64 `json:"compressed_size_mb"`
	SavedMB             float64 `json:"saved_mb"`
}

// NewReport fills in the derived fields from the two sizes
func NewReport(outputFileName, presetLabel, bitrate string, originalSize, compressedSize int64) *Report {
	saved := originalSize - compressedSize

	var percent float64
	if originalSize > 0 {
		percent = float64(saved) / float64(originalSize) * 100
	}

	return &Report{
		OutputFileName:      outputFileName,
		PresetLabel:         presetLabel,
		Bitrate:             bitrate,
		OriginalSizeBytes:   originalSize,
		CompressedSizeBytes: compressedSize,
		BytesSaved:          saved,
		PercentSaved:        round(percent, 1),
		OriginalSizeMB:      round(toMiB(originalSize), 2),
		CompressedSizeMB:    round(toMiB(compressedSize), 2),
		SavedMB:             round(toMiB(saved), 2),
	}
}

// Summary renders the report as a single human readable line
func (r *Report) Summary() string {
	return fmt.Sprintf("%.2f MB -> %.2f MB, saved %.2f MB (%.1f%%)",
		r.OriginalSizeMB, r.CompressedSizeMB, r.SavedMB, r.PercentSaved)
}

func toMiB(n int64) float64 {
	return float64(n) / bytesPerMiB
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
