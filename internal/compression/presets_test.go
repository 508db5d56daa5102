package compression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	all := Presets()
	require.Len(t, all, 3)

	labels := make(map[string]bool)
	for _, p := range all {
		assert.False(t, labels[p.Label], "duplicate label %q", p.Label)
		labels[p.Label] = true
	}

	assert.Equal(t, []string{"500k", "1000k", "2000k"}, []string{all[0].Bitrate, all[1].Bitrate, all[2].Bitrate})
	assert.Equal(t, all[1], DefaultPreset())
}

func TestPresetsReturnsCopy(t *testing.T) {
	all := Presets()
	all[0].Bitrate = "1k"
	assert.Equal(t, "500k", Presets()[0].Bitrate)
}

func TestLookupPreset(t *testing.T) {
	tests := []struct {
		name        string
		wantBitrate string
		wantErr     bool
	}{
		{"", "1000k", false},
		{"quantum", "500k", false},
		{"NEBULA", "1000k", false},
		{"Stellar-Quality (Larger File)", "2000k", false},
		{"2000k", "2000k", false},
		{" 500k ", "500k", false},
		{"750k", "", true},
		{"turbo", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LookupPreset(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBitrate, p.Bitrate)
		})
	}
}
