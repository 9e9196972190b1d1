// Package cache provides the token validation cache backings: a per-process
// in-memory cache (ristretto) and a Redis-backed shared cache for multi
// replica deployments. Both store only positive validation results and honor
// a fixed TTL.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/evasend/wagateway/internal/auth"
	"github.com/evasend/wagateway/internal/redis"
)

// defaultMaxCost is the memory budget for the in-memory cache (16 MiB).
const defaultMaxCost = 16 << 20

// instanceCost is a conservative per-entry size estimate: token key plus the
// instance record. Used as the cost parameter so ristretto can manage
// eviction by real memory pressure.
const instanceCost = 512

// Memory is an in-memory token cache backed by ristretto. Ristretto handles
// concurrency, TTL-based expiry, and admission/eviction, which replaces any
// need for a periodic sweep.
type Memory struct {
	cache *ristretto.Cache[string, *auth.Instance]
	ttl   time.Duration

	// sync makes writes visible before Set returns. Only tests need this.
	sync bool
}

// NewMemory creates an in-memory token cache with the given TTL.
func NewMemory(ttl time.Duration) *Memory {
	// NumCounters should be ~10x the expected max items.
	estimatedItems := defaultMaxCost / instanceCost
	numCounters := int64(estimatedItems) * 10

	c, err := ristretto.NewCache(&ristretto.Config[string, *auth.Instance]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		panic("ristretto: " + err.Error())
	}

	return &Memory{cache: c, ttl: ttl}
}

// Get implements auth.TokenCache.
func (m *Memory) Get(_ context.Context, token string) (*auth.Instance, bool) {
	return m.cache.Get(token)
}

// Set implements auth.TokenCache.
func (m *Memory) Set(_ context.Context, token string, inst *auth.Instance) {
	m.cache.SetWithTTL(token, inst, instanceCost, m.ttl)
	if m.sync {
		m.cache.Wait()
	}
}

// Close releases the cache's background goroutines.
func (m *Memory) Close() { m.cache.Close() }

// Redis is a shared token cache backed by the counter store's Redis. Entries
// are JSON-encoded instance records with a native TTL, so all gateway
// replicas share one validation cache and expiry needs no sweeping.
type Redis struct {
	client redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis-backed token cache. Cache errors are logged and
// treated as misses; the validator falls through to the credential store.
func NewRedis(client redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix + ":token:",
		ttl:    ttl,
		logger: logger,
	}
}

// Get implements auth.TokenCache.
func (r *Redis) Get(ctx context.Context, token string) (*auth.Instance, bool) {
	data, err := r.client.Get(ctx, r.prefix+token).Bytes()
	if err != nil {
		return nil, false
	}
	var inst auth.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		r.logger.Debug("token cache: unmarshal error", "error", err)
		return nil, false
	}
	return &inst, true
}

// Set implements auth.TokenCache.
func (r *Redis) Set(ctx context.Context, token string, inst *auth.Instance) {
	data, err := json.Marshal(inst)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.prefix+token, data, r.ttl).Err(); err != nil {
		r.logger.Debug("token cache: set error", "error", err)
	}
}
