package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/evasend/wagateway/internal/config"
)

// maxStoreResponse bounds credential store response bodies. Lookups return a
// JSON array with at most one row, so anything past this is a misbehaving
// store.
const maxStoreResponse = 64 << 10

// StoreClient queries the REST credential store (PostgREST-style API: filter
// by exact match, response is a JSON array of rows).
type StoreClient struct {
	baseURL       string
	instancesPath string
	anonKey       string
	timeout       time.Duration
	client        *http.Client
}

// NewStoreClient creates a credential store client from config.
func NewStoreClient(cfg config.StoreConfig) *StoreClient {
	timeout := config.MustParseDuration(cfg.Timeout, 10*time.Second)
	return &StoreClient{
		baseURL:       cfg.URL,
		instancesPath: cfg.InstancesPath,
		anonKey:       cfg.AnonKey.Value(),
		timeout:       timeout,
		client:        &http.Client{Timeout: timeout},
	}
}

// Lookup fetches the instance record for the given credential. The lookup
// has a hard deadline; an exceeded deadline surfaces as
// context.DeadlineExceeded for the caller to classify.
func (c *StoreClient) Lookup(ctx context.Context, token string) (*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	lookupURL := fmt.Sprintf("%s%s?token=eq.%s&select=id,owner_id,name,status",
		c.baseURL, c.instancesPath, url.QueryEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build store request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("store request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("store returned %d: %w", resp.StatusCode, ErrPolicyDenied)
	case resp.StatusCode != http.StatusOK:
		return nil, &StoreError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStoreResponse))
	if err != nil {
		return nil, &StoreError{Status: resp.StatusCode, Err: err}
	}

	var rows []Instance
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &StoreError{Status: resp.StatusCode, Err: fmt.Errorf("decode store response: %w", err)}
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	return &rows[0], nil
}
