package memcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("a:11211", "b:11211")

	assert.Equal(t, []string{"a:11211", "b:11211"}, config.Servers)
	assert.Equal(t, int32(2), config.MaxConnsPerServer)
	assert.Equal(t, DefaultMergeFactor, config.MergeFactor)
	assert.Equal(t, DefaultReconnectInterval, config.ReconnectInterval)
	assert.True(t, config.ReconnectOnMiss)
	assert.Nil(t, config.NewCircuitBreaker)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	config, err := LoadConfig(context.Background())
	require.NoError(t, err)

	expected := DefaultConfig("127.0.0.1:11211")
	assert.Equal(t, expected.Servers, config.Servers)
	assert.Equal(t, expected.MaxConnsPerServer, config.MaxConnsPerServer)
	assert.Equal(t, expected.DialTimeout, config.DialTimeout)
	assert.Equal(t, expected.Timeout, config.Timeout)
	assert.Equal(t, expected.ReconnectInterval, config.ReconnectInterval)
	assert.Equal(t, expected.MergeFactor, config.MergeFactor)
	assert.Equal(t, expected.ReconnectOnMiss, config.ReconnectOnMiss)
	assert.Zero(t, config.HealthCheckInterval)
	assert.Nil(t, config.NewCircuitBreaker)
	assert.Nil(t, config.Logger)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("MEMCACHE_SERVERS", "10.0.0.1:11211,10.0.0.2:11211")
	t.Setenv("MEMCACHE_MAX_CONNS_PER_SERVER", "4")
	t.Setenv("MEMCACHE_TIMEOUT", "250ms")
	t.Setenv("MEMCACHE_HEALTH_CHECK_INTERVAL", "30s")
	t.Setenv("MEMCACHE_MAX_CONN_LIFETIME", "1h")
	t.Setenv("MEMCACHE_DISABLE_MERGE_GETS", "true")
	t.Setenv("MEMCACHE_RECONNECT_ON_MISS", "false")
	t.Setenv("MEMCACHE_BREAKER_TIMEOUT", "10s")
	t.Setenv("MEMCACHE_LOG_LEVEL", "warn")

	config, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1:11211", "10.0.0.2:11211"}, config.Servers)
	assert.Equal(t, int32(4), config.MaxConnsPerServer)
	assert.Equal(t, 250*time.Millisecond, config.Timeout)
	assert.Equal(t, 30*time.Second, config.HealthCheckInterval)
	assert.Equal(t, time.Hour, config.MaxConnLifetime)
	assert.True(t, config.DisableMergeGets)
	assert.False(t, config.ReconnectOnMiss)

	require.NotNil(t, config.NewCircuitBreaker)
	assert.Equal(t, "10.0.0.1:11211", config.NewCircuitBreaker("10.0.0.1:11211").Name())

	require.NotNil(t, config.Logger)
	assert.False(t, config.Logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, config.Logger.Core().Enabled(zapcore.WarnLevel))
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	err := os.WriteFile(filepath.Join(dir, ".env.local"), []byte("MEMCACHE_MERGE_FACTOR=10\nMEMCACHE_DIAL_TIMEOUT=5s\n"), 0o600)
	require.NoError(t, err)

	// The process environment wins over the file.
	t.Setenv("MEMCACHE_DIAL_TIMEOUT", "2s")
	t.Cleanup(func() { _ = os.Unsetenv("MEMCACHE_MERGE_FACTOR") })

	config, err := LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, config.MergeFactor)
	assert.Equal(t, 2*time.Second, config.DialTimeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("MEMCACHE_TIMEOUT", "soon")
	_, err := LoadConfig(context.Background())
	require.Error(t, err)
}

func TestNewProductionLogger(t *testing.T) {
	logger, err := NewProductionLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewProductionLogger("loud")
	require.ErrorContains(t, err, `invalid log level "loud"`)
}
