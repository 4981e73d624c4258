package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "hours", input: "1h", want: time.Hour},
		{name: "minutes", input: "30m", want: 30 * time.Minute},
		{name: "seconds suffix", input: "3600s", want: time.Hour},
		{name: "bare seconds", input: "900", want: 15 * time.Minute},
		{name: "whitespace tolerated", input: " 60 ", want: time.Minute},
		{name: "empty", input: "", wantErr: true},
		{name: "negative bare", input: "-5", wantErr: true},
		{name: "negative duration", input: "-1h", wantErr: true},
		{name: "garbage", input: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeout(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrBadTimeout)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunConfigDefaults(t *testing.T) {
	c := &RunConfig{}
	assert.Equal(t, DefaultMaxJobsPerRun, c.EffectiveMaxJobs())
	assert.False(t, c.Simulation())

	d, err := c.EffectiveStuckTimeout()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	c = &RunConfig{MaxJobsPerRun: 3, ExecutionMode: "simulation", StuckCreatedTimeout: "5m"}
	assert.Equal(t, 3, c.EffectiveMaxJobs())
	assert.True(t, c.Simulation())
	d, err = c.EffectiveStuckTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestRunConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	in := &RunConfig{
		CampaignSlug:        "alloy-screen",
		MaxJobsPerRun:       4,
		DefaultOperator:     "hpc.default",
		StuckCreatedTimeout: "10m",
	}
	require.NoError(t, SaveRunConfig(path, in))

	out, err := LoadRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
