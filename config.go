package memcache

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration for the memcache client.
type Config struct {
	// Servers lists the memcached addresses (host:port).
	// Required: at least one.
	Servers []string

	// MaxConnsPerServer is the maximum number of connections per server.
	// Connections are pipelined, so a small number is enough.
	// Zero means 1.
	MaxConnsPerServer int32

	// DialTimeout bounds connection establishment. Zero means no limit
	// beyond the operating system's.
	DialTimeout time.Duration

	// Timeout is applied to operations whose context has no deadline.
	// Zero means no timeout.
	Timeout time.Duration

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked with a
	// version request. Zero disables health checks.
	HealthCheckInterval time.Duration

	// ReconnectInterval is how often pending reconnect requests are
	// processed. Zero means DefaultReconnectInterval.
	ReconnectInterval time.Duration

	// MergeFactor is the maximum number of single-key gets coalesced into one
	// request. Zero means DefaultMergeFactor.
	MergeFactor int

	// DisableMergeGets turns off get coalescing.
	DisableMergeGets bool

	// ReconnectOnMiss makes every single-key miss schedule a check of the
	// server's connections. DefaultConfig and LoadConfig enable it.
	ReconnectOnMiss bool

	// Transcoder decodes values returned by GetMulti and GetsMulti.
	// If nil, values are returned as []byte.
	Transcoder Transcoder

	// SelectServer picks which server to use for a key.
	// If nil, uses DefaultServerSelector.
	SelectServer ServerSelector

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when the pool is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *gobreaker.CircuitBreaker[*Connection]

	// Dialer is used to create new connections.
	// If nil, a net.Dialer with DialTimeout is used.
	Dialer Dialer

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Dialer opens network connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultReconnectInterval is the default period of the reconnect loop.
const DefaultReconnectInterval = 2 * time.Second

// DefaultConfig returns a configuration for the given servers with the
// defaults LoadConfig would apply.
func DefaultConfig(servers ...string) Config {
	return Config{
		Servers:           servers,
		MaxConnsPerServer: 2,
		DialTimeout:       time.Second,
		Timeout:           time.Second,
		ReconnectInterval: DefaultReconnectInterval,
		MergeFactor:       DefaultMergeFactor,
		ReconnectOnMiss:   true,
	}
}

// envConfig is the environment representation of Config.
type envConfig struct {
	Servers             []string      `env:"MEMCACHE_SERVERS,default=127.0.0.1:11211"`
	MaxConnsPerServer   int32         `env:"MEMCACHE_MAX_CONNS_PER_SERVER,default=2"`
	DialTimeout         time.Duration `env:"MEMCACHE_DIAL_TIMEOUT,default=1s"`
	Timeout             time.Duration `env:"MEMCACHE_TIMEOUT,default=1s"`
	MaxConnLifetime     time.Duration `env:"MEMCACHE_MAX_CONN_LIFETIME"`
	MaxConnIdleTime     time.Duration `env:"MEMCACHE_MAX_CONN_IDLE_TIME"`
	HealthCheckInterval time.Duration `env:"MEMCACHE_HEALTH_CHECK_INTERVAL"`
	ReconnectInterval   time.Duration `env:"MEMCACHE_RECONNECT_INTERVAL,default=2s"`
	MergeFactor         int           `env:"MEMCACHE_MERGE_FACTOR,default=50"`
	DisableMergeGets    bool          `env:"MEMCACHE_DISABLE_MERGE_GETS"`
	ReconnectOnMiss     bool          `env:"MEMCACHE_RECONNECT_ON_MISS,default=true"`

	// A zero breaker timeout disables the circuit breaker.
	BreakerMaxRequests uint32        `env:"MEMCACHE_BREAKER_MAX_REQUESTS,default=1"`
	BreakerInterval    time.Duration `env:"MEMCACHE_BREAKER_INTERVAL,default=1m"`
	BreakerTimeout     time.Duration `env:"MEMCACHE_BREAKER_TIMEOUT"`

	LogLevel string `env:"MEMCACHE_LOG_LEVEL"`
}

// LoadConfig builds a Config from MEMCACHE_* environment variables, after
// loading .env.local when present.
func LoadConfig(ctx context.Context) (Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading .env.local: %w", err)
		}
	}

	var env envConfig
	if err := envconfig.Process(ctx, &env); err != nil {
		return Config{}, err
	}

	config := Config{
		Servers:             env.Servers,
		MaxConnsPerServer:   env.MaxConnsPerServer,
		DialTimeout:         env.DialTimeout,
		Timeout:             env.Timeout,
		MaxConnLifetime:     env.MaxConnLifetime,
		MaxConnIdleTime:     env.MaxConnIdleTime,
		HealthCheckInterval: env.HealthCheckInterval,
		ReconnectInterval:   env.ReconnectInterval,
		MergeFactor:         env.MergeFactor,
		DisableMergeGets:    env.DisableMergeGets,
		ReconnectOnMiss:     env.ReconnectOnMiss,
	}

	if env.BreakerTimeout > 0 {
		config.NewCircuitBreaker = NewCircuitBreakerConfig(env.BreakerMaxRequests, env.BreakerInterval, env.BreakerTimeout)
	}

	if env.LogLevel != "" {
		logger, err := NewProductionLogger(env.LogLevel)
		if err != nil {
			return Config{}, err
		}
		config.Logger = logger
	}

	return config, nil
}

// NewProductionLogger returns a JSON zap logger at the given level
// ("debug", "info", "warn", "error").
func NewProductionLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	logConfig.Encoding = "json"

	return logConfig.Build()
}
