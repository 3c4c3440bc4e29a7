package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/metrics"
)

// BestEffort fans a notification out to every channel and swallows
// delivery failures. Failures are logged and counted, never returned.
// Repeats of the same (kind, provider) inside the cooldown are dropped.
type BestEffort struct {
	channels []Notifier
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewBestEffort wraps channels in a best-effort side channel.
func NewBestEffort(logger zerolog.Logger, cooldown time.Duration, channels ...Notifier) *BestEffort {
	return &BestEffort{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "alerting").Logger(),
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}
}

// Notify delivers note and always returns nil.
func (b *BestEffort) Notify(ctx context.Context, note Notification) error {
	if note.OccurredAt.IsZero() {
		note.OccurredAt = b.now().UTC()
	}
	if b.suppressed(note) {
		b.logger.Debug().Str("kind", string(note.Kind)).Str("provider", note.Provider.String()).Msg("alert suppressed by cooldown")
		return nil
	}
	for _, ch := range b.channels {
		if err := ch.Notify(ctx, note); err != nil {
			metrics.NotifierFailures.Inc()
			b.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("alert delivery failed")
		}
	}
	return nil
}

func (b *BestEffort) suppressed(note Notification) bool {
	if b.cooldown <= 0 {
		return false
	}
	key := string(note.Kind) + "|" + note.Provider.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.sent[key]; ok && note.OccurredAt.Sub(last) < b.cooldown {
		return true
	}
	b.sent[key] = note.OccurredAt
	return false
}

var _ Notifier = (*BestEffort)(nil)
