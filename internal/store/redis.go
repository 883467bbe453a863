package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Prometheus metrics for Redis store operations.
var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_store_operations_total",
			Help: "Total number of breaker state store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breaker_store_operation_duration_seconds",
			Help:    "Duration of breaker state store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// casStateScript transitions the state field only when it currently
// equals the expected previous state. A missing hash reads as closed.
// KEYS[1] = path key
// ARGV[1] = next state
// ARGV[2] = expected previous state
// ARGV[3] = opened_at in unix milliseconds, set when next is "open"
var casStateScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'state')
	if current == false then
		current = 'closed'
	end
	if current ~= ARGV[2] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'state', ARGV[1])
	if ARGV[1] == 'open' then
		redis.call('HSET', KEYS[1], 'opened_at', ARGV[3])
	end
	return 1
`)

// getSetPendingScript sets the probe flag and returns its prior value.
// KEYS[1] = path key
// ARGV[1] = "1" or "0"
var getSetPendingScript = redis.NewScript(`
	local prior = redis.call('HGET', KEYS[1], 'pending')
	redis.call('HSET', KEYS[1], 'pending', ARGV[1])
	if prior == '1' then
		return 1
	end
	return 0
`)

// RedisStore implements Store using Redis so multiple gateway replicas
// share breaker state.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "breaker:",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis store and verifies connectivity.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.Info("connected to redis state store",
		zap.String("address", config.Address),
		zap.Int("db", config.DB),
	)

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: zap.NewNop(),
	}
}

func (s *RedisStore) key(path string) string {
	return s.prefix + path
}

// GetState implements Store.
func (s *RedisStore) GetState(ctx context.Context, path string) (StateRecord, error) {
	start := time.Now()

	vals, err := s.client.HMGet(ctx, s.key(path), "state", "opened_at").Result()

	redisStoreOperationDuration.WithLabelValues("get_state").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("get_state", "error").Inc()
		return StateRecord{}, fmt.Errorf("%w: hmget: %v", ErrStoreUnavailable, err)
	}

	rec := StateRecord{State: StateClosed}
	if v, ok := vals[0].(string); ok && State(v).Valid() {
		rec.State = State(v)
	}
	if v, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.OpenedAt = time.UnixMilli(ms)
		}
	}

	redisStoreOperationsTotal.WithLabelValues("get_state", "success").Inc()
	return rec, nil
}

// SetState implements Store using a Lua script for the compare-and-swap.
func (s *RedisStore) SetState(ctx context.Context, path string, next, prev State) (bool, error) {
	start := time.Now()

	result, err := casStateScript.Run(ctx, s.client,
		[]string{s.key(path)},
		string(next), string(prev), time.Now().UnixMilli(),
	).Result()

	redisStoreOperationDuration.WithLabelValues("set_state").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("set_state", "error").Inc()
		return false, fmt.Errorf("%w: cas script: %v", ErrStoreUnavailable, err)
	}

	swapped, ok := result.(int64)
	if !ok {
		redisStoreOperationsTotal.WithLabelValues("set_state", "error").Inc()
		return false, fmt.Errorf("%w: cas script returned unexpected type %T", ErrStoreUnavailable, result)
	}

	redisStoreOperationsTotal.WithLabelValues("set_state", "success").Inc()
	return swapped == 1, nil
}

// IncrementFailures implements Store.
func (s *RedisStore) IncrementFailures(ctx context.Context, path string) (int64, error) {
	start := time.Now()

	count, err := s.client.HIncrBy(ctx, s.key(path), "failures", 1).Result()

	redisStoreOperationDuration.WithLabelValues("increment_failures").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("increment_failures", "error").Inc()
		return 0, fmt.Errorf("%w: hincrby: %v", ErrStoreUnavailable, err)
	}

	redisStoreOperationsTotal.WithLabelValues("increment_failures", "success").Inc()
	return count, nil
}

// ClearFailures implements Store.
func (s *RedisStore) ClearFailures(ctx context.Context, path string) error {
	start := time.Now()

	err := s.client.HSet(ctx, s.key(path), "failures", 0).Err()

	redisStoreOperationDuration.WithLabelValues("clear_failures").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("clear_failures", "error").Inc()
		return fmt.Errorf("%w: hset: %v", ErrStoreUnavailable, err)
	}

	redisStoreOperationsTotal.WithLabelValues("clear_failures", "success").Inc()
	return nil
}

// SetHalfOpenPending implements Store using a Lua script so claiming the
// probe slot is atomic across replicas.
func (s *RedisStore) SetHalfOpenPending(ctx context.Context, path string, pending bool) (bool, error) {
	start := time.Now()

	val := "0"
	if pending {
		val = "1"
	}

	result, err := getSetPendingScript.Run(ctx, s.client, []string{s.key(path)}, val).Result()

	redisStoreOperationDuration.WithLabelValues("set_pending").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("set_pending", "error").Inc()
		return false, fmt.Errorf("%w: pending script: %v", ErrStoreUnavailable, err)
	}

	prior, ok := result.(int64)
	if !ok {
		redisStoreOperationsTotal.WithLabelValues("set_pending", "error").Inc()
		return false, fmt.Errorf("%w: pending script returned unexpected type %T", ErrStoreUnavailable, result)
	}

	redisStoreOperationsTotal.WithLabelValues("set_pending", "success").Inc()
	return prior == 1, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
