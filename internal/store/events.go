package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint the
// caller should treat as "already exists".
var ErrDuplicate = errors.New("store: duplicate record")

// InsertRawEvent persists a provider event keyed by its provider event id.
// It reports inserted=false when the event was already recorded, which is
// the dedup signal for webhook delivery retries.
func (q *Queries) InsertRawEvent(ctx context.Context, ev *RawEvent) (inserted bool, err error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO raw_events (provider_event_id, event_type, payload, received_at, outcome, attempt_count, diagnostic)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ProviderEventID, ev.EventType, ev.Payload, ev.ReceivedAt, ev.Outcome, ev.AttemptCount, ev.Diagnostic)
	if err != nil {
		return false, fmt.Errorf("insert raw event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RawEventByProviderID returns the stored event, or (nil, nil) when absent.
func (q *Queries) RawEventByProviderID(ctx context.Context, providerEventID string) (*RawEvent, error) {
	row := q.db.QueryRow(ctx, `
		SELECT provider_event_id, event_type, payload, received_at, processed_at, outcome, attempt_count, diagnostic
		FROM raw_events WHERE provider_event_id = $1`, providerEventID)

	var ev RawEvent
	err := row.Scan(&ev.ProviderEventID, &ev.EventType, &ev.Payload, &ev.ReceivedAt,
		&ev.ProcessedAt, &ev.Outcome, &ev.AttemptCount, &ev.Diagnostic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load raw event: %w", err)
	}
	return &ev, nil
}

// MarkRawEventOutcome records the processing fate of an event. The attempt
// counter increments on every retry of a transiently failed event.
func (q *Queries) MarkRawEventOutcome(ctx context.Context, providerEventID string, outcome EventOutcome, diagnostic string, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE raw_events
		SET outcome = $2, diagnostic = $3, processed_at = $4,
		    attempt_count = attempt_count + CASE WHEN outcome = 'failed_transient' THEN 1 ELSE 0 END
		WHERE provider_event_id = $1`,
		providerEventID, outcome, diagnostic, at)
	if err != nil {
		return fmt.Errorf("mark raw event outcome: %w", err)
	}
	return nil
}
