// Package cache is the shared Redis tier behind the advisory decision
// cache, the news calendar and the status mirror. Every error is a miss to
// callers; they keep their own in-memory state and carry on.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"strategy-executor/config"
)

var (
	// ErrDisabled is returned by NewRedis when redis is switched off.
	ErrDisabled = errors.New("redis disabled")
	// ErrUnavailable is returned while the server is considered down.
	ErrUnavailable = errors.New("redis unavailable")
	// ErrMiss is returned for absent keys.
	ErrMiss = errors.New("cache miss")
)

const (
	failureThreshold = 3
	probeInterval    = 30 * time.Second
)

// health trips after failureThreshold consecutive errors and lets one
// probe through per probeInterval while tripped.
type health struct {
	mu        sync.Mutex
	down      bool
	failures  int
	lastProbe time.Time
	now       func() time.Time
}

func (h *health) fail() (tripped bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if h.failures >= failureThreshold && !h.down {
		h.down = true
		h.lastProbe = h.now()
		return true
	}
	return false
}

func (h *health) ok() (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	recovered = h.down
	h.down = false
	h.failures = 0
	return recovered
}

// shouldProbe reports whether a tripped gate is due for a probe.
func (h *health) shouldProbe() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.down || h.now().Sub(h.lastProbe) < probeInterval {
		return false
	}
	h.lastProbe = h.now()
	return true
}

func (h *health) isDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down
}

// Redis stores JSON values with TTLs.
type Redis struct {
	client *redis.Client
	health *health
	logger zerolog.Logger
}

// NewRedis connects to cfg.Address. An unreachable server starts the
// store tripped rather than failing startup.
func NewRedis(cfg config.RedisConfig, logger zerolog.Logger) (*Redis, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		health: &health{now: time.Now},
		logger: logger.With().Str("component", "cache").Str("address", cfg.Address).Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.health.down = true
		r.health.lastProbe = time.Now()
		r.logger.Warn().Err(err).Msg("Redis unreachable, shared cache degraded")
		return r, nil
	}
	r.logger.Info().Msg("Redis connected")
	return r, nil
}

// Healthy reports whether commands are being sent.
func (r *Redis) Healthy() bool {
	return !r.health.isDown()
}

// Ping checks connectivity and updates the health gate.
func (r *Redis) Ping(ctx context.Context) error {
	return r.record(r.client.Ping(ctx).Err())
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// GetJSON decodes the value at key into dest.
func (r *Redis) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if err := r.gate(); err != nil {
		return err
	}
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.record(nil)
		return ErrMiss
	}
	if err := r.record(err); err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value at key. A zero ttl keeps it forever.
func (r *Redis) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := r.gate(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.record(r.client.Set(ctx, key, raw, ttl).Err()); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// gate rejects commands while tripped and kicks off a background probe
// when one is due.
func (r *Redis) gate() error {
	if r.health.shouldProbe() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = r.Ping(ctx)
		}()
	}
	if r.health.isDown() {
		return ErrUnavailable
	}
	return nil
}

func (r *Redis) record(err error) error {
	if err == nil {
		if r.health.ok() {
			r.logger.Info().Msg("Redis recovered")
		}
		return nil
	}
	if r.health.fail() {
		r.logger.Warn().Err(err).Int("failures", failureThreshold).Msg("Redis marked unavailable")
	}
	return err
}

// Namespace is a view of the store with keys rewritten by a function.
// The advisory gate and the news filter take one as their shared cache.
type Namespace struct {
	r   *Redis
	key func(string) string
}

// WithPrefix returns a namespaced view.
func (r *Redis) WithPrefix(key func(string) string) *Namespace {
	return &Namespace{r: r, key: key}
}

func (n *Namespace) GetJSON(ctx context.Context, key string, dest interface{}) error {
	return n.r.GetJSON(ctx, n.key(key), dest)
}

func (n *Namespace) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return n.r.SetJSON(ctx, n.key(key), value, ttl)
}
