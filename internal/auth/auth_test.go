package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evasend/wagateway/internal/config"
)

var testLogger = slog.Default()

// mapCache is a trivial TokenCache for validator tests.
type mapCache struct {
	mu sync.Mutex
	m  map[string]*Instance
}

func newMapCache() *mapCache { return &mapCache{m: map[string]*Instance{}} }

func (c *mapCache) Get(_ context.Context, token string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.m[token]
	return inst, ok
}

func (c *mapCache) Set(_ context.Context, token string, inst *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[token] = inst
}

func newTestStore(t *testing.T, handler http.HandlerFunc) *StoreClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStoreClient(config.StoreConfig{
		URL:           srv.URL,
		AnonKey:       config.RedactedString("anon-key"),
		InstancesPath: "/rest/v1/whatsapp_instances",
		Timeout:       "2s",
	})
}

func TestStoreClientLookup(t *testing.T) {
	t.Run("sends PostgREST filter and auth headers", func(t *testing.T) {
		var gotPath, gotQuery, gotAPIKey, gotAuth string
		store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			gotAPIKey = r.Header.Get("apikey")
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"inst-1","owner_id":"user-1","name":"main","status":"connected"}]`))
		})

		inst, err := store.Lookup(context.Background(), "tok-123")
		require.NoError(t, err)
		assert.Equal(t, "/rest/v1/whatsapp_instances", gotPath)
		assert.Equal(t, "token=eq.tok-123&select=id,owner_id,name,status", gotQuery)
		assert.Equal(t, "anon-key", gotAPIKey)
		assert.Equal(t, "Bearer anon-key", gotAuth)
		assert.Equal(t, "inst-1", inst.ID)
		assert.Equal(t, "user-1", inst.UserID)
		assert.Equal(t, "connected", inst.Status)
	})

	t.Run("empty result array means not found", func(t *testing.T) {
		store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		})

		_, err := store.Lookup(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("store 401 and 403 map to policy denial", func(t *testing.T) {
		for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
			store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			})
			_, err := store.Lookup(context.Background(), "tok")
			assert.ErrorIs(t, err, ErrPolicyDenied)
		}
	})

	t.Run("store 5xx is a StoreError with the status", func(t *testing.T) {
		store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := store.Lookup(context.Background(), "tok")
		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, http.StatusInternalServerError, storeErr.Status)
	})

	t.Run("malformed body is a StoreError", func(t *testing.T) {
		store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		})

		_, err := store.Lookup(context.Background(), "tok")
		var storeErr *StoreError
		assert.ErrorAs(t, err, &storeErr)
	})

	t.Run("slow store surfaces a deadline error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte(`[]`))
		}))
		t.Cleanup(srv.Close)

		store := NewStoreClient(config.StoreConfig{
			URL:           srv.URL,
			AnonKey:       config.RedactedString("anon-key"),
			InstancesPath: "/rest/v1/whatsapp_instances",
			Timeout:       "50ms",
		})

		_, err := store.Lookup(context.Background(), "tok")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

// countingStore wraps a fixed result and counts lookups.
type countingStore struct {
	mu    sync.Mutex
	calls int
	inst  *Instance
	err   error
}

func (s *countingStore) Lookup(_ context.Context, _ string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.inst, nil
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestValidatorValidate(t *testing.T) {
	connected := &Instance{ID: "inst-1", UserID: "user-1", Status: "connected"}

	t.Run("empty and whitespace tokens never reach the store", func(t *testing.T) {
		store := &countingStore{inst: connected}
		v := NewValidator(store, newMapCache(), nil, testLogger)

		for _, token := range []string{"", "   ", "\t\n"} {
			_, err := v.Validate(context.Background(), token)
			assert.ErrorIs(t, err, ErrEmptyToken)
		}
		assert.Equal(t, 0, store.count())
	})

	t.Run("caches a positive result and skips the store on repeat", func(t *testing.T) {
		store := &countingStore{inst: connected}
		v := NewValidator(store, newMapCache(), nil, testLogger)

		for i := 0; i < 5; i++ {
			inst, err := v.Validate(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, "inst-1", inst.ID)
		}
		assert.Equal(t, 1, store.count())
	})

	t.Run("not connected instance is rejected and never cached", func(t *testing.T) {
		store := &countingStore{inst: &Instance{ID: "inst-1", Status: "disconnected"}}
		v := NewValidator(store, newMapCache(), nil, testLogger)

		for i := 0; i < 3; i++ {
			_, err := v.Validate(context.Background(), "tok")
			var notConnected *NotConnectedError
			require.ErrorAs(t, err, &notConnected)
			assert.Equal(t, "disconnected", notConnected.Status)
		}
		assert.Equal(t, 3, store.count())
	})

	t.Run("store failures pass through and are never cached", func(t *testing.T) {
		store := &countingStore{err: &StoreError{Status: 500}}
		v := NewValidator(store, newMapCache(), nil, testLogger)

		for i := 0; i < 2; i++ {
			_, err := v.Validate(context.Background(), "tok")
			var storeErr *StoreError
			assert.ErrorAs(t, err, &storeErr)
		}
		assert.Equal(t, 2, store.count())
	})

	t.Run("deadline maps to ErrTimeout", func(t *testing.T) {
		store := &countingStore{err: context.DeadlineExceeded}
		v := NewValidator(store, newMapCache(), nil, testLogger)

		_, err := v.Validate(context.Background(), "tok")
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("concurrent misses collapse into one lookup", func(t *testing.T) {
		store := &countingStore{inst: connected}
		// Cache that never stores, so every call is a miss.
		v := NewValidator(store, nopCache{}, nil, testLogger)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := v.Validate(context.Background(), "tok")
				assert.NoError(t, err)
			}()
		}
		close(start)
		wg.Wait()

		assert.Less(t, store.count(), 20)
	})
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*Instance, bool) { return nil, false }
func (nopCache) Set(context.Context, string, *Instance)        {}

func TestInstanceConnected(t *testing.T) {
	assert.True(t, (&Instance{Status: "connected"}).Connected())
	assert.False(t, (&Instance{Status: "connecting"}).Connected())
	assert.False(t, (&Instance{}).Connected())
}

func TestErrorStrings(t *testing.T) {
	err := &StoreError{Status: 503, Err: errors.New("boom")}
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "boom")

	nc := &NotConnectedError{InstanceID: "inst-1", Status: "paused"}
	assert.Contains(t, nc.Error(), "inst-1")
	assert.Contains(t, nc.Error(), "paused")
}
