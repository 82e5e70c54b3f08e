package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
remote:
  base_url: https://watch.example.com
  token: secret-token
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "mpv", cfg.Engine.Type)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout())
	assert.Equal(t, 3, cfg.Remote.Retries)

	assert.Equal(t, 4, cfg.Playback.StartCheckAttempts)
	assert.Equal(t, 2*time.Second, cfg.Playback.StartCheckInterval())
	assert.Equal(t, 3*time.Second, cfg.Playback.ProbeTimeout())

	assert.Equal(t, 5*time.Second, cfg.Timeline.PollInterval())
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeline.Hysteresis())
	assert.Equal(t, 2*time.Second, cfg.Timeline.ConfirmSlack())

	assert.Equal(t, 750*time.Millisecond, cfg.Progress.NoiseThreshold())
	assert.Equal(t, 2*time.Second, cfg.Progress.RegressionSlack())
	assert.Equal(t, 30*time.Second, cfg.Progress.FlushInterval())
	assert.Equal(t, 5*time.Second, cfg.Progress.ShutdownTimeout())

	assert.True(t, cfg.Autoplay.Enabled)
	assert.Equal(t, 750*time.Millisecond, cfg.Autoplay.SwitchDelay())

	assert.Equal(t, 3, cfg.Queue.ResolveRetries)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "Valid minimal config",
			content: minimalConfig,
			wantErr: false,
		},
		{
			name: "Missing token",
			content: `
remote:
  base_url: https://watch.example.com
`,
			wantErr: true,
		},
		{
			name: "Invalid base URL",
			content: `
remote:
  base_url: not-a-url
  token: secret
`,
			wantErr: true,
		},
		{
			name: "Switch delay above the sub-second bound",
			content: minimalConfig + `
autoplay:
  switch_delay_ms: 1500
`,
			wantErr: true,
		},
		{
			name: "Poll interval too small",
			content: minimalConfig + `
timeline:
  poll_interval_ms: 100
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WATCHLINK_BASE_URL", "https://override.example.com")
	t.Setenv("WATCHLINK_TOKEN", "env-token")
	t.Setenv("WATCHLINK_STORE_PATH", "/tmp/override-store.json")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "env-token", cfg.Remote.Token)
	assert.Equal(t, "/tmp/override-store.json", cfg.Progress.StorePath)
}

func TestLoad_FileValuesKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
timeline:
  hysteresis_ms: 3000
progress:
  noise_threshold_ms: 500
`))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Timeline.Hysteresis())
	assert.Equal(t, 500*time.Millisecond, cfg.Progress.NoiseThreshold())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
