package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"marketsync/internal/market"
	"marketsync/internal/service"
	"marketsync/internal/version"
	"marketsync/internal/webhook"
)

const (
	headerSchedulerSecret = "X-Scheduler-Secret"
	headerSignature       = "X-Signature"
)

type runRequest struct {
	BatchSize int  `json:"batchSize" validate:"min=0,max=1000"`
	DryRun    bool `json:"dryRun"`
}

type runResponse struct {
	RunID         string   `json:"runId,omitempty"`
	DryRun        bool     `json:"dryRun"`
	Synced        int      `json:"synced"`
	Errors        int      `json:"errors"`
	Skipped       int      `json:"skipped"`
	Deferred      int      `json:"deferred"`
	TotalVariants int      `json:"totalVariants"`
	Eligible      int      `json:"eligible"`
	Enqueued      int      `json:"enqueued"`
	Reclaimed     int      `json:"reclaimed"`
	DurationMs    int64    `json:"durationMs"`
	Planned       []string `json:"planned,omitempty"`
	Error         string   `json:"error,omitempty"`
}

type priceResponse struct {
	SKU         string    `json:"sku"`
	Size        string    `json:"size"`
	Currency    string    `json:"currency"`
	Provider    string    `json:"provider"`
	ItemKey     string    `json:"itemKey"`
	MarketPrice *string   `json:"marketPrice"`
	LowestAsk   *string   `json:"lowestAsk"`
	HighestBid  *string   `json:"highestBid"`
	LastSale    *string   `json:"lastSale"`
	AsOf        time.Time `json:"asOf"`
	Stale       bool      `json:"stale"`
	Candidates  int       `json:"candidates"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(headerSchedulerSecret)
		if s.opts.TriggerSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.TriggerSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	report, err := s.engine.RunOnce(ctx, service.RunOptions{BatchSize: req.BatchSize, DryRun: req.DryRun})
	resp := toRunResponse(report)
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("run_id", report.RunID).Msg("triggered run failed")
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func toRunResponse(r service.RunReport) runResponse {
	resp := runResponse{
		RunID:         r.RunID,
		DryRun:        r.DryRun,
		Synced:        r.Succeeded,
		Errors:        r.Errors(),
		Skipped:       r.Skipped,
		Deferred:      r.Deferred,
		TotalVariants: r.Selected,
		Eligible:      r.Eligible,
		Enqueued:      r.Enqueued,
		Reclaimed:     r.Reclaimed,
		DurationMs:    r.Duration.Milliseconds(),
	}
	for _, key := range r.Planned {
		resp.Planned = append(resp.Planned, key.String())
	}
	return resp
}

func (s *Server) resetJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ResetFailed(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("reset failed jobs")
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider := market.ParseProvider(chi.URLParam(r, "provider"))
	if !provider.Known() {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if err := webhook.Verify(s.opts.WebhookSecrets[provider], body, r.Header.Get(headerSignature)); err != nil {
		s.logger.Warn().Str("provider", provider.String()).Msg("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	out, err := s.webhooks.Handle(r.Context(), provider, body)
	switch {
	case errors.Is(err, webhook.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("provider", provider.String()).Msg("webhook processing failed")
		writeError(w, http.StatusInternalServerError, "server error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": out.EventID, "result": string(out.Result)})
	}
}

type listingResponse struct {
	Provider  string    `json:"provider"`
	ListingID string    `json:"listingId"`
	ItemKey   string    `json:"itemKey"`
	Status    string    `json:"status"`
	Price     *string   `json:"price"`
	Currency  string    `json:"currency,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) putListing(w http.ResponseWriter, r *http.Request) {
	provider := market.ParseProvider(chi.URLParam(r, "provider"))
	if !provider.Known() {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	var in webhook.ListingInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	// The path names the listing.
	in.ListingID = chi.URLParam(r, "listingID")

	listing, err := s.listings.RegisterListing(r.Context(), provider, in)
	switch {
	case errors.Is(err, webhook.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("provider", provider.String()).Msg("listing registration failed")
		writeError(w, http.StatusInternalServerError, "server error")
	default:
		writeJSON(w, http.StatusOK, listingResponse{
			Provider:  listing.Provider.String(),
			ListingID: listing.ListingID,
			ItemKey:   listing.ItemKey,
			Status:    listing.Status,
			Price:     decimalString(listing.Price),
			Currency:  listing.Currency,
			UpdatedAt: listing.UpdatedAt,
		})
	}
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	size := chi.URLParam(r, "size")
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = s.opts.Currency
	}

	q, err := s.prices.Lookup(r.Context(), sku, size, currency)
	if err != nil {
		s.logger.Error().Err(err).Str("sku", sku).Str("size", size).Msg("price lookup failed")
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if q.Snapshot == nil {
		writeError(w, http.StatusNotFound, "no price for variant")
		return
	}

	snap := q.Snapshot
	writeJSON(w, http.StatusOK, priceResponse{
		SKU:         q.SKU,
		Size:        q.Size,
		Currency:    q.Currency,
		Provider:    snap.Provider.String(),
		ItemKey:     snap.ItemKey,
		MarketPrice: decimalString(q.Price),
		LowestAsk:   decimalString(snap.LowestAsk),
		HighestBid:  decimalString(snap.HighestBid),
		LastSale:    decimalString(snap.LastSale),
		AsOf:        snap.AsOf,
		Stale:       q.Stale,
		Candidates:  q.Candidates,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.StringFixed(2)
	return &v
}
