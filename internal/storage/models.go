package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/market"
)

// JobStatus is the lifecycle state of a MarketJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Active reports whether the status participates in enqueue dedup.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning
}

// Job is a queued sync task for one (provider, item key, size).
type Job struct {
	ID           int64
	Key          market.JobKey
	Priority     int
	Status       JobStatus
	RetryCount   int
	ErrorMessage *string
	NextRunAt    time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobFailure describes a failed attempt. MaxRetries of zero fails the job terminally.
type JobFailure struct {
	MaxRetries int
	NextRunAt  time.Time
	Message    string
	Now        time.Time
}

// Budget is one provider's quota usage for an hour window.
type Budget struct {
	Provider   market.Provider
	HourWindow time.Time
	RateLimit  int
	Used       int
}

// TrackedItem is a product the tier classifier keeps fresh.
type TrackedItem struct {
	Key          market.JobKey
	Tier         market.Tier
	LastSyncedAt *time.Time
	NotFound     bool
	Paused       bool
}

// Run is the observability record for one scheduler invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	DryRun     bool
	Eligible   int
	Enqueued   int
	Selected   int
	Succeeded  int
	Failed     int
	Skipped    int
	Deferred   int
	Reclaimed  int
	Error      *string
}

// HistoryRecord is an immutable price history row.
type HistoryRecord struct {
	ID         int64
	Snapshot   market.Snapshot
	RecordedAt time.Time
}

// WebhookEvent is an inbound marketplace event, deduplicated on (provider, id).
type WebhookEvent struct {
	ID         string
	Provider   market.Provider
	Type       string
	CreatedAt  time.Time
	Payload    []byte
	ReceivedAt time.Time
}

// Listing is the locally cached state of a marketplace listing.
type Listing struct {
	Provider  market.Provider
	ListingID string
	ItemKey   string
	Status    string
	Price     *decimal.Decimal
	Currency  string
	UpdatedAt time.Time
}

// ListingUpdate is an out-of-band change delivered by a webhook.
type ListingUpdate struct {
	Provider  market.Provider
	ListingID string
	Status    *string
	Price     *decimal.Decimal
	Currency  string
	UpdatedAt time.Time
}
