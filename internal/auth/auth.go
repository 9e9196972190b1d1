// Package auth validates tenant credentials against the REST credential
// store. Positive validation results are cached for a short TTL through the
// injectable TokenCache; failures are never cached. Concurrent lookups for
// the same credential are collapsed into one store round trip.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Instance is the credential store record for a WhatsApp instance.
type Instance struct {
	ID     string `json:"id"`
	UserID string `json:"owner_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Connected reports whether the instance may be proxied for.
func (i *Instance) Connected() bool { return i.Status == "connected" }

// TokenCache stores positive validation results keyed by the raw credential.
// Implementations decide TTL and eviction; the validator only reads and
// writes. Both methods must be safe for concurrent use.
type TokenCache interface {
	Get(ctx context.Context, token string) (*Instance, bool)
	Set(ctx context.Context, token string, inst *Instance)
}

// Sentinel errors branched on by the request pipeline.
var (
	// ErrEmptyToken is returned for empty or whitespace-only credentials,
	// before any network call.
	ErrEmptyToken = errors.New("empty token")

	// ErrNotFound is returned when the store has no record for the credential.
	ErrNotFound = errors.New("token not found")

	// ErrTimeout is returned when the store lookup exceeds its deadline.
	ErrTimeout = errors.New("validation timed out")

	// ErrPolicyDenied is returned when the store itself rejects the gateway's
	// credentials (401/403). Almost always a row-level access policy
	// misconfiguration on the instances table, not a caller problem, but it
	// surfaces to the caller as an auth failure.
	ErrPolicyDenied = errors.New("credential store denied access")
)

// StoreError is a non-policy credential store failure (5xx, malformed body).
type StoreError struct {
	Status int
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential store error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("credential store error (status %d)", e.Status)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NotConnectedError is returned for a known credential whose instance is not
// in the connected state.
type NotConnectedError struct {
	InstanceID string
	Status     string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("instance %s not connected (status %q)", e.InstanceID, e.Status)
}

// CacheMetrics records token cache effectiveness. *observability.Metrics
// satisfies this.
type CacheMetrics interface {
	IncCacheHits()
	IncCacheMisses()
}

// Lookup resolves a raw credential to its store record.
// *StoreClient satisfies this.
type Lookup interface {
	Lookup(ctx context.Context, token string) (*Instance, error)
}

// Validator resolves and caches credential validations.
type Validator struct {
	store   Lookup
	cache   TokenCache
	metrics CacheMetrics // may be nil
	logger  *slog.Logger
	group   singleflight.Group
}

// NewValidator creates a Validator. cache must not be nil; metrics may be.
func NewValidator(store Lookup, cache TokenCache, metrics CacheMetrics, logger *slog.Logger) *Validator {
	return &Validator{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

// Validate resolves the credential to a connected instance.
//
// Returns ErrEmptyToken, ErrNotFound, ErrTimeout, ErrPolicyDenied,
// *StoreError, or *NotConnectedError on failure. Only fully successful
// validations (record exists and status is "connected") enter the cache.
func (v *Validator) Validate(ctx context.Context, token string) (*Instance, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}

	if inst, ok := v.cache.Get(ctx, token); ok {
		if v.metrics != nil {
			v.metrics.IncCacheHits()
		}
		return inst, nil
	}
	if v.metrics != nil {
		v.metrics.IncCacheMisses()
	}

	// Collapse concurrent misses for the same credential into one lookup.
	// The winning call's context governs the store round trip.
	res, err, _ := v.group.Do(token, func() (any, error) {
		start := time.Now()
		inst, err := v.store.Lookup(ctx, token)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, err
		}

		if !inst.Connected() {
			return nil, &NotConnectedError{InstanceID: inst.ID, Status: inst.Status}
		}

		v.cache.Set(ctx, token, inst)
		v.logger.Debug("credential validated",
			"instance_id", inst.ID,
			"duration", time.Since(start))
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Instance), nil
}
