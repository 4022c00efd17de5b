package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySorterConfig_Defaults(t *testing.T) {
	cfg := EmptySorterConfig()

	assert.Equal(t, 640, cfg.GetFrameWidth())
	assert.Equal(t, 480, cfg.GetFrameHeight())
	assert.Equal(t, 0.6, cfg.GetConfidenceThreshold())
	assert.Equal(t, 50*time.Millisecond, cfg.GetDetectionInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.GetTrackExpiry())
	assert.Equal(t, 500*time.Millisecond, cfg.GetSettleDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, 10*time.Second, cfg.GetShutdownGrace())
	assert.Equal(t, OnExhaustedRestart, cfg.GetOnSourceExhausted())
	assert.Equal(t, []float64{32519.3, 48045.8}, cfg.GetSizeThresholds())

	cats := cfg.GetCategories()
	require.Len(t, cats, 3)
	assert.Equal(t, "small", cats[0].Name)
	assert.Equal(t, 13.0, cats[0].RestAngle)
	assert.Equal(t, 2*time.Second, cats[0].Hold())
	assert.Equal(t, 2*time.Second, cats[0].TotalCycle())
	assert.Equal(t, "medium", cats[1].Name)
	assert.Equal(t, 4*time.Second, cats[1].TotalCycle())
	assert.Equal(t, "large", cats[2].Name)
	assert.Equal(t, 6*time.Second, cats[2].TotalCycle())

	assert.Equal(t, "/dev/ttyACM0", cfg.GetSerial().Port)
	assert.NoError(t, cfg.Validate())
}

func TestSorterConfig_ExplicitValues(t *testing.T) {
	cfg := &SorterConfig{
		FrameWidth:          ptrInt(1280),
		ConfidenceThreshold: ptrFloat64(0.75),
		TrackExpiry:         ptrString("1s"),
		OnSourceExhausted:   ptrString(OnExhaustedStop),
	}
	assert.Equal(t, 1280, cfg.GetFrameWidth())
	assert.Equal(t, 0.75, cfg.GetConfidenceThreshold())
	assert.Equal(t, time.Second, cfg.GetTrackExpiry())
	assert.Equal(t, OnExhaustedStop, cfg.GetOnSourceExhausted())
	assert.NoError(t, cfg.Validate())
}

func TestSorterConfig_GettersReturnCopies(t *testing.T) {
	cfg := &SorterConfig{SizeThresholds: []float64{100}, Categories: []CategoryConfig{
		{Name: "a", HoldDuration: "1s", TotalCycleDuration: "1s"},
		{Name: "b", HoldDuration: "1s", TotalCycleDuration: "1s"},
	}}
	th := cfg.GetSizeThresholds()
	th[0] = 5
	cats := cfg.GetCategories()
	cats[0].Name = "z"

	assert.Equal(t, 100.0, cfg.SizeThresholds[0])
	assert.Equal(t, "a", cfg.Categories[0].Name)
}

func TestSorterConfig_Validate(t *testing.T) {
	validCats := func() []CategoryConfig {
		return []CategoryConfig{
			{Name: "small", HoldDuration: "2s", TotalCycleDuration: "2s"},
			{Name: "large", Channel: 1, HoldDuration: "2s", TotalCycleDuration: "4s"},
		}
	}

	tests := []struct {
		name    string
		cfg     *SorterConfig
		wantErr string
	}{
		{"zero width", &SorterConfig{FrameWidth: ptrInt(0)}, "frame_width"},
		{"negative height", &SorterConfig{FrameHeight: ptrInt(-1)}, "frame_height"},
		{"confidence too high", &SorterConfig{ConfidenceThreshold: ptrFloat64(1.5)}, "confidence_threshold"},
		{"bad duration", &SorterConfig{TrackExpiry: ptrString("soon")}, "track_expiry"},
		{"negative duration", &SorterConfig{SettleDuration: ptrString("-1s")}, "settle_duration"},
		{"bad policy", &SorterConfig{OnSourceExhausted: ptrString("loop")}, "on_source_exhausted"},
		{"threshold count", &SorterConfig{SizeThresholds: []float64{1, 2, 3}}, "size thresholds"},
		{"descending thresholds", &SorterConfig{SizeThresholds: []float64{200, 100}, Categories: []CategoryConfig{
			{Name: "a", HoldDuration: "1s", TotalCycleDuration: "1s"},
			{Name: "b", HoldDuration: "1s", TotalCycleDuration: "1s"},
			{Name: "c", HoldDuration: "1s", TotalCycleDuration: "1s"},
		}}, "ascending"},
		{"duplicate category", &SorterConfig{SizeThresholds: []float64{10}, Categories: []CategoryConfig{
			{Name: "a", HoldDuration: "1s", TotalCycleDuration: "1s"},
			{Name: "a", HoldDuration: "1s", TotalCycleDuration: "1s"},
		}}, "duplicate"},
		{"angle out of range", &SorterConfig{SizeThresholds: []float64{10}, Categories: func() []CategoryConfig {
			c := validCats()
			c[1].TargetAngle = 270
			return c
		}()}, "angles"},
		{"bad hold", &SorterConfig{SizeThresholds: []float64{10}, Categories: func() []CategoryConfig {
			c := validCats()
			c[0].HoldDuration = "x"
			return c
		}()}, "hold_duration"},
		{"empty categories", &SorterConfig{SizeThresholds: []float64{}, Categories: []CategoryConfig{}}, "at least one"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("valid two categories", func(t *testing.T) {
		t.Parallel()
		cfg := &SorterConfig{SizeThresholds: []float64{10}, Categories: validCats()}
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadSorterConfig(t *testing.T) {
	t.Run("partial file keeps defaults", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "sorter.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"confidence_threshold": 0.8, "track_expiry": "750ms"}`), 0o644))

		cfg, err := LoadSorterConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 0.8, cfg.GetConfidenceThreshold())
		assert.Equal(t, 750*time.Millisecond, cfg.GetTrackExpiry())
		assert.Equal(t, 640, cfg.GetFrameWidth())
	})

	t.Run("wrong extension", func(t *testing.T) {
		t.Parallel()
		_, err := LoadSorterConfig("sorter.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".json")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadSorterConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"frame_width": `), 0o644))
		_, err := LoadSorterConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse")
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"confidence_threshold": 2}`), 0o644))
		_, err := LoadSorterConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	assert.Equal(t, EmptySorterConfig().GetCategories(), cfg.GetCategories())
	assert.Equal(t, EmptySorterConfig().GetSizeThresholds(), cfg.GetSizeThresholds())
	assert.Equal(t, 50*time.Millisecond, cfg.GetDetectionInterval())
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SORTER_TEST_LISTEN=:9090\nSORTER_TEST_WORKERS=4\n"), 0o644))

	t.Setenv("SORTER_TEST_LISTEN", "")
	os.Unsetenv("SORTER_TEST_LISTEN")
	t.Setenv("SORTER_TEST_WORKERS", "")
	os.Unsetenv("SORTER_TEST_WORKERS")

	require.NoError(t, LoadEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, ":9090", EnvOr("SORTER_TEST_LISTEN", ":8080"))
	assert.Equal(t, 4, EnvIntOr("SORTER_TEST_WORKERS", 1))
	assert.Equal(t, "fallback", EnvOr("SORTER_TEST_UNSET", "fallback"))
	assert.Equal(t, 7, EnvIntOr("SORTER_TEST_LISTEN", 7))
}

func TestSorterConfig_Effective(t *testing.T) {
	cfg := &SorterConfig{TrackExpiry: ptrString("750ms")}
	eff := cfg.Effective()

	require.NotNil(t, eff.FrameWidth)
	assert.Equal(t, 640, *eff.FrameWidth)
	assert.Equal(t, "750ms", *eff.TrackExpiry)
	assert.Equal(t, "50ms", *eff.DetectionInterval)
	assert.Equal(t, "10s", *eff.ShutdownGrace)
	assert.Len(t, eff.Categories, 3)
	assert.NoError(t, eff.Validate())

	eff.SizeThresholds[0] = 1
	assert.Nil(t, cfg.SizeThresholds, "effective copy does not alias the source")
}

func TestSorterConfig_CategoryNames(t *testing.T) {
	assert.Equal(t, []string{"small", "medium", "large"}, EmptySorterConfig().CategoryNames())
}
