package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMetricsIsSingleton(t *testing.T) {
	m := GetMetrics()
	require.NotNil(t, m)
	require.Same(t, m, GetMetrics())

	// instruments work against the default no-op provider
	m.FilesParsedTotal.Add(context.Background(), 1)
	m.ProviderCallDurationMS.Record(context.Background(), 12.5)
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{"empty", Config{}, Config{ServiceName: "tablepipe", SampleRatio: 1}},
		{"keeps values", Config{ServiceName: "worker", Version: "1.2.0", SampleRatio: 0.25}, Config{ServiceName: "worker", Version: "1.2.0", SampleRatio: 0.25}},
		{"clamps ratio", Config{ServiceName: "api", SampleRatio: 3}, Config{ServiceName: "api", SampleRatio: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.applyDefaults()
			require.Equal(t, tt.want.ServiceName, cfg.ServiceName)
			require.Equal(t, tt.want.Version, cfg.Version)
			require.Equal(t, tt.want.SampleRatio, cfg.SampleRatio)
		})
	}
}

func TestConfigExportDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	require.Equal(t, 10*time.Second, cfg.MetricInterval)
	require.Equal(t, 5*time.Second, cfg.BatchTimeout)

	cfg = Config{MetricInterval: time.Minute, BatchTimeout: time.Second}
	cfg.applyDefaults()
	require.Equal(t, time.Minute, cfg.MetricInterval)
	require.Equal(t, time.Second, cfg.BatchTimeout)
}
