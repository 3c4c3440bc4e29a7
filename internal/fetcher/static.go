package fetcher

import (
	"context"
	"sync"
	"time"

	"marketsync/internal/market"
)

// Static serves canned payloads; used by the simulate command and in tests.
type Static struct {
	provider market.Provider
	now      func() time.Time

	mu       sync.Mutex
	payloads map[market.JobKey][]byte
	errs     map[market.JobKey][]error
	calls    map[market.JobKey]int
}

// NewStatic constructs a static adapter for provider.
func NewStatic(provider market.Provider) *Static {
	return &Static{
		provider: provider,
		now:      time.Now,
		payloads: make(map[market.JobKey][]byte),
		errs:     make(map[market.JobKey][]error),
		calls:    make(map[market.JobKey]int),
	}
}

// Set registers the body returned for key.
func (s *Static) Set(key market.JobKey, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[key] = body
}

// FailWith queues errors returned, in order, before the body is served.
func (s *Static) FailWith(key market.JobKey, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key] = append(s.errs[key], errs...)
}

// Calls reports how many times key was fetched.
func (s *Static) Calls(key market.JobKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Provider implements Adapter.
func (s *Static) Provider() market.Provider {
	return s.provider
}

// Fetch implements Adapter.
func (s *Static) Fetch(ctx context.Context, key market.JobKey) (RawPayload, error) {
	if err := ctx.Err(); err != nil {
		return RawPayload{}, &ProviderError{Provider: s.provider, Kind: ErrTransient, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++

	if queued := s.errs[key]; len(queued) > 0 {
		err := queued[0]
		s.errs[key] = queued[1:]
		return RawPayload{}, err
	}

	body, ok := s.payloads[key]
	if !ok {
		return RawPayload{}, StatusError(s.provider, 404, "no canned payload for "+key.String())
	}
	return RawPayload{
		Provider:   s.provider,
		Key:        key,
		Body:       body,
		StatusCode: 200,
		FetchedAt:  s.now().UTC(),
	}, nil
}

var _ Adapter = (*Static)(nil)
