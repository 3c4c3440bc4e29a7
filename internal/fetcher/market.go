package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"marketsync/internal/market"
	"marketsync/internal/metrics"
)

const maxBodyBytes = 2 << 20

// HTTPOptions parameterise a JSON marketplace adapter.
//
// PathTemplate may reference {item} and {size}; both are path-escaped.
type HTTPOptions struct {
	Provider          market.Provider
	BaseURL           string
	PathTemplate      string
	APIKey            string
	APIKeyHeader      string
	Currency          string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerCooldown   time.Duration
}

// HTTPAdapter fetches provider-native market data over HTTP.
type HTTPAdapter struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[RawPayload]
	now     func() time.Time
}

// NewHTTPAdapter constructs an adapter for one provider.
func NewHTTPAdapter(opts HTTPOptions, logger zerolog.Logger) (*HTTPAdapter, error) {
	if !opts.Provider.Known() {
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", opts.Provider)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%s: invalid base url: %w", opts.Provider, err)
	}
	if opts.PathTemplate == "" {
		return nil, fmt.Errorf("%s: path template is required", opts.Provider)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "Authorization"
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	a := &HTTPAdapter{
		opts:    opts,
		logger:  logger.With().Str("component", "fetcher").Str("provider", opts.Provider.String()).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}

	name := opts.Provider.String()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	a.breaker = gobreaker.NewCircuitBreaker[RawPayload](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 404 and 429 are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRateLimited)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return a, nil
}

// Provider implements Adapter.
func (a *HTTPAdapter) Provider() market.Provider {
	return a.opts.Provider
}

// Fetch retrieves the market payload for key.
func (a *HTTPAdapter) Fetch(ctx context.Context, key market.JobKey) (RawPayload, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return RawPayload{}, &ProviderError{Provider: a.opts.Provider, Kind: ErrTransient, Message: err.Error()}
	}

	start := a.now()
	payload, err := a.breaker.Execute(func() (RawPayload, error) {
		return a.do(ctx, key)
	})
	status := "ok"
	if err != nil {
		status = strings.TrimPrefix(Classify(err).Error(), "provider: ")
	}
	metrics.FetchDuration.WithLabelValues(a.opts.Provider.String(), status).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RawPayload{}, &ProviderError{Provider: a.opts.Provider, Kind: ErrTransient, Message: err.Error()}
	}
	return payload, err
}

func (a *HTTPAdapter) do(ctx context.Context, key market.JobKey) (RawPayload, error) {
	endpoint := a.endpoint(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RawPayload{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "marketsync/1.0")
	}
	if a.opts.APIKey != "" {
		value := a.opts.APIKey
		if strings.EqualFold(a.opts.APIKeyHeader, "Authorization") && !strings.Contains(value, " ") {
			value = "Bearer " + value
		}
		req.Header.Set(a.opts.APIKeyHeader, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return RawPayload{}, &ProviderError{Provider: a.opts.Provider, Kind: ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return RawPayload{}, &ProviderError{Provider: a.opts.Provider, StatusCode: resp.StatusCode, Kind: ErrTransient, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		perr := StatusError(a.opts.Provider, resp.StatusCode, errorMessage(body))
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return RawPayload{}, perr
	}

	return RawPayload{
		Provider:   a.opts.Provider,
		Key:        key,
		Body:       body,
		StatusCode: resp.StatusCode,
		FetchedAt:  a.now().UTC(),
	}, nil
}

func (a *HTTPAdapter) endpoint(key market.JobKey) string {
	path := strings.NewReplacer(
		"{item}", url.PathEscape(key.ItemKey),
		"{size}", url.PathEscape(key.Size),
	).Replace(a.opts.PathTemplate)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	endpoint := a.baseURL + path
	if a.opts.Currency == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "currency=" + url.QueryEscape(a.opts.Currency)
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func errorMessage(payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return apiErr.Description
		case apiErr.Message != "":
			return apiErr.Message
		case apiErr.Error != "":
			return apiErr.Error
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		return "empty response"
	}
	return msg
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

var _ Adapter = (*HTTPAdapter)(nil)
