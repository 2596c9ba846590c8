package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/database"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// OutboxEntry represents a pending event. Payload is the marshalled
// Envelope.
type OutboxEntry struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Publisher emits events to downstream transports.
type Publisher interface {
	Publish(ctx context.Context, entry OutboxEntry) error
}

// OutboxStore reads and acknowledges outbox rows.
type OutboxStore struct {
	db          database.Querier
	maxAttempts int
}

func NewOutboxStore(db database.Querier) *OutboxStore {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: db, maxAttempts: 10}
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, clinic_id, event_type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND attempts < $2
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit, s.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.ClinicID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed counts a failed attempt. Rows that reach the attempt limit stop
// being fetched and stay in the table for inspection.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`
	if _, err := s.db.Exec(ctx, query, id, cause.Error()); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// Deliverer polls the outbox and hands entries to the publisher.
type Deliverer struct {
	store     *OutboxStore
	publisher Publisher
	logger    *logging.Logger
	batchSize int32
	interval  time.Duration
}

func NewDeliverer(store *OutboxStore, publisher Publisher, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:     store,
		publisher: publisher,
		logger:    logger,
		batchSize: 25,
		interval:  2 * time.Second,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.publisher == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Deliverer) drain(ctx context.Context) {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return
	}
	for _, entry := range entries {
		if err := d.publisher.Publish(ctx, entry); err != nil {
			d.logger.Error("outbox delivery failed", "error", err, "event_id", entry.ID, "type", entry.Type, "attempts", entry.Attempts+1)
			if markErr := d.store.MarkFailed(ctx, entry.ID, err); markErr != nil {
				d.logger.Error("failed to record outbox failure", "error", markErr, "event_id", entry.ID)
			}
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
}
