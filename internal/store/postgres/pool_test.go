package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolConfigDefaults(t *testing.T) {
	cfg := PoolConfig{ConnString: "postgres://localhost/tablepipe"}
	cfg.ApplyDefaults()

	require.Equal(t, int32(20), cfg.MaxConns)
	require.Equal(t, int32(5), cfg.MinConns)
	require.Equal(t, time.Hour, cfg.MaxConnLifetime)
	require.Equal(t, 30*time.Minute, cfg.MaxConnIdleTime)
	require.Equal(t, time.Minute, cfg.HealthCheckPeriod)
	require.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	require.NoError(t, cfg.Validate())

	small := PoolConfig{ConnString: "postgres://localhost/tablepipe", MaxConns: 2}
	small.ApplyDefaults()
	require.Equal(t, int32(2), small.MinConns)
}

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PoolConfig
		err  string
	}{
		{"missing conn string", PoolConfig{MaxConns: 1}, "connection string is required"},
		{"min above max", PoolConfig{ConnString: "postgres://x", MaxConns: 2, MinConns: 3}, "min conns 3 exceeds max conns 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.EqualError(t, tt.cfg.Validate(), tt.err)
		})
	}
}

func TestNewPoolRejectsBadConfig(t *testing.T) {
	_, err := NewPool(context.Background(), nil)
	require.Error(t, err)

	_, err = NewPool(context.Background(), &PoolConfig{})
	require.ErrorContains(t, err, "invalid pool config")

	_, err = NewPool(context.Background(), &PoolConfig{ConnString: "postgres://%zz/db"})
	require.ErrorContains(t, err, "failed to parse connection string")
}
