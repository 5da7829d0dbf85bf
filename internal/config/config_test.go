package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Address)
	assert.Equal(t, "trk/+/fix", cfg.MQTT.Topic)
	assert.True(t, cfg.MQTT.OrderMatters)
	assert.Equal(t, 0.35, cfg.Filter.Alpha)
	assert.Equal(t, 0.12, cfg.Filter.Beta)
	assert.Equal(t, 70.0, cfg.Filter.MaxSpeedKmh)
	assert.Equal(t, 60*time.Second, cfg.Segment.MinStoppage)
	assert.Equal(t, 3, cfg.Segment.FirstMovementCount)
	assert.Equal(t, 30*time.Minute, cfg.Presence.ExitGrace)
	assert.Equal(t, "entry", cfg.Presence.AnchorPolicy)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", ":9999")
	t.Setenv("PRESENCE_EXIT_GRACE", "45m")
	t.Setenv("PRESENCE_ANCHOR_POLICY", "last_in_zone")
	t.Setenv("PRESENCE_TIMEZONE", "Europe/Berlin")
	t.Setenv("DISPATCHER_SHARDS", "4")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("FILTER_ALPHA", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 45*time.Minute, cfg.Presence.ExitGrace)
	assert.Equal(t, "last_in_zone", cfg.Presence.AnchorPolicy)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, 4, cfg.Performance.DispatcherShards)
	assert.False(t, cfg.Monitoring.MetricsEnabled)
	assert.Equal(t, 0.5, cfg.Filter.Alpha)
}

func TestLoad_UnparsableValuesFallBack(t *testing.T) {
	t.Setenv("DISPATCHER_SHARDS", "many")
	t.Setenv("SEGMENT_MIN_STOPPAGE", "a minute")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Performance.DispatcherShards)
	assert.Equal(t, 60*time.Second, cfg.Segment.MinStoppage)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{"alpha out of range", map[string]string{"FILTER_ALPHA": "1.5"}, "FILTER_ALPHA"},
		{"negative beta", map[string]string{"FILTER_BETA": "-0.1"}, "FILTER_BETA"},
		{"zero first movement count", map[string]string{"SEGMENT_FIRST_MOVEMENT_COUNT": "0"}, "SEGMENT_FIRST_MOVEMENT_COUNT"},
		{"unknown anchor", map[string]string{"PRESENCE_ANCHOR_POLICY": "exit"}, "PRESENCE_ANCHOR_POLICY"},
		{"unknown timezone", map[string]string{"PRESENCE_TIMEZONE": "Mars/Olympus"}, "PRESENCE_TIMEZONE"},
		{"zero shards", map[string]string{"DISPATCHER_SHARDS": "0"}, "DISPATCHER_SHARDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))
	})

	t.Run("unreadable file is an error", func(t *testing.T) {
		err := loadDotEnv(dir)
		require.Error(t, err)
		assert.NotErrorIs(t, err, os.ErrNotExist)
		assert.Contains(t, err.Error(), dir)
	})

	t.Run("values apply without overriding the environment", func(t *testing.T) {
		path := filepath.Join(dir, "app.env")
		require.NoError(t, os.WriteFile(path, []byte("TRACKENGINE_TEST_FROM_FILE=file\nSERVER_ADDRESS=:7000\n"), 0o600))
		t.Setenv("SERVER_ADDRESS", ":9999")
		t.Cleanup(func() { os.Unsetenv("TRACKENGINE_TEST_FROM_FILE") })

		require.NoError(t, loadDotEnv(path))
		assert.Equal(t, "file", os.Getenv("TRACKENGINE_TEST_FROM_FILE"))
		assert.Equal(t, ":9999", os.Getenv("SERVER_ADDRESS"))
	})
}

func TestLoad_BrokenDotEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, dotEnvFile), 0o755))
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}
