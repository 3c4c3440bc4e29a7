package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"marketsync/internal/market"
)

var (
	// ErrRateLimited marks an upstream 429; retryable in the next budget window.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrAuthFailed marks 401/403; credentials are broken and retrying will not help.
	ErrAuthFailed = errors.New("provider: authentication failed")
	// ErrNotFound marks 404; the item does not exist upstream.
	ErrNotFound = errors.New("provider: not found")
	// ErrTransient marks network failures, 5xx and other retryable conditions.
	ErrTransient = errors.New("provider: transient failure")
)

// RawPayload is the provider-native response for one job key.
type RawPayload struct {
	Provider   market.Provider
	Key        market.JobKey
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
}

// Adapter is the uniform fetch capability every marketplace exposes.
type Adapter interface {
	Provider() market.Provider
	Fetch(ctx context.Context, key market.JobKey) (RawPayload, error)
}

// ProviderError carries the classification of an upstream failure.
type ProviderError struct {
	Provider   market.Provider
	StatusCode int
	Kind       error
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// StatusError maps an HTTP status onto the error taxonomy.
func StatusError(provider market.Provider, status int, message string) *ProviderError {
	kind := ErrTransient
	switch {
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuthFailed
	case status == http.StatusNotFound:
		kind = ErrNotFound
	}
	return &ProviderError{Provider: provider, StatusCode: status, Kind: kind, Message: message}
}

// Classify returns the taxonomy sentinel for err. Unclassified errors are transient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrAuthFailed):
		return ErrAuthFailed
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return ErrTransient
	}
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[market.Provider]Adapter
}

// NewRegistry indexes the given adapters; later entries replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[market.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Provider()] = a
		}
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p market.Provider) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[p]
	return a, ok
}

// Providers lists the registered providers in rank order.
func (r *Registry) Providers() []market.Provider {
	out := make([]market.Provider, 0, len(r.adapters))
	for _, p := range market.KnownProviders() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
