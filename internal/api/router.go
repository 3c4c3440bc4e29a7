// Package api exposes the scheduler trigger, operator tools, provider
// webhooks and the resolved-price read path over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketsync/internal/market"
	"marketsync/internal/pricing"
	"marketsync/internal/service"
	"marketsync/internal/storage"
	"marketsync/internal/webhook"
)

// Engine is the sync engine surface the trigger endpoints drive.
type Engine interface {
	RunOnce(ctx context.Context, opts service.RunOptions) (service.RunReport, error)
	ResetFailed(ctx context.Context) (int, error)
}

// WebhookHandler applies verified provider events.
type WebhookHandler interface {
	Handle(ctx context.Context, provider market.Provider, body []byte) (webhook.Outcome, error)
}

// ListingRegistry declares the listings webhook updates apply to.
type ListingRegistry interface {
	RegisterListing(ctx context.Context, provider market.Provider, in webhook.ListingInput) (storage.Listing, error)
}

// PriceReader resolves the preferred price for a variant.
type PriceReader interface {
	Lookup(ctx context.Context, sku, size, currency string) (pricing.Quote, error)
}

// Options configure the HTTP surface.
type Options struct {
	TriggerSecret     string
	TriggerRateLimit  int
	TriggerRateWindow time.Duration
	WebhookSecrets    map[market.Provider]string
	MaxBodyBytes      int64
	Currency          string
	RunTimeout        time.Duration
}

// Server holds the handler dependencies.
type Server struct {
	opts     Options
	engine   Engine
	webhooks WebhookHandler
	listings ListingRegistry
	prices   PriceReader
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(opts Options, engine Engine, webhooks WebhookHandler, listings ListingRegistry, prices PriceReader, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Currency == "" {
		opts.Currency = "GBP"
	}
	return &Server{
		opts:     opts,
		engine:   engine,
		webhooks: webhooks,
		listings: listings,
		prices:   prices,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/scheduler", func(r chi.Router) {
		if s.opts.TriggerRateLimit > 0 {
			window := s.opts.TriggerRateWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.Limit(s.opts.TriggerRateLimit, window, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Use(s.requireSecret)

		r.Post("/run", s.triggerRun)
		r.Post("/jobs/reset", s.resetJobs)
	})

	r.With(s.requireSecret).Put("/listings/{provider}/{listingID}", s.putListing)

	r.Post("/webhooks/{provider}", s.receiveWebhook)
	r.Get("/prices/{sku}/{size}", s.getPrice)

	return r
}
