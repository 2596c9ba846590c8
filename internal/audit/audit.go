// Package audit records who changed what on clinical and financial data.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// Action names an audited change.
type Action string

const (
	ActionAppointmentBooked      Action = "appointment.booked"
	ActionAppointmentRescheduled Action = "appointment.rescheduled"
	ActionAppointmentCancelled   Action = "appointment.cancelled"
	ActionAppointmentCompleted   Action = "appointment.completed"
	ActionAppointmentUpdated     Action = "appointment.updated"
	ActionInvoiceCreated         Action = "invoice.created"
	ActionInvoiceUpdated         Action = "invoice.updated"
	ActionInvoiceCancelled       Action = "invoice.cancelled"
	ActionInvoiceDeleted         Action = "invoice.deleted"
	ActionPaymentRecorded        Action = "payment.recorded"
	ActionPaymentUpdated         Action = "payment.updated"
	ActionPaymentDeleted         Action = "payment.deleted"
	ActionPaymentRefunded        Action = "payment.refunded"
	ActionRecordCreated          Action = "medical_record.created"
	ActionRecordUpdated          Action = "medical_record.updated"
	ActionRecordDeleted          Action = "medical_record.deleted"
	ActionPrescriptionIssued     Action = "prescription.issued"
	ActionPrescriptionUpdated    Action = "prescription.updated"
	ActionPrescriptionRefilled   Action = "prescription.refilled"
	ActionPrescriptionCancelled  Action = "prescription.cancelled"
	ActionPrescriptionDeleted    Action = "prescription.deleted"
	ActionDocumentUploaded       Action = "document.uploaded"
	ActionDocumentUpdated        Action = "document.updated"
	ActionDocumentDeleted        Action = "document.deleted"
)

// Event is an immutable audit record.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Action     Action          `json:"action"`
	ClinicID   uuid.UUID       `json:"clinicId"`
	ActorID    uuid.UUID       `json:"actorId"`
	ActorRole  string          `json:"actorRole,omitempty"`
	EntityType string          `json:"entityType"`
	EntityID   uuid.UUID       `json:"entityId"`
	Fields     []string        `json:"fields,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Logger writes audit events. Failures are logged, never returned to the
// business operation that triggered them.
type Logger struct {
	db     *sql.DB
	logger *logging.Logger
}

func NewLogger(db *sql.DB, logger *logging.Logger) *Logger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Logger{db: db, logger: logger}
}

// Record stores event. details may be nil or any JSON-marshalable value.
func (l *Logger) Record(ctx context.Context, event Event, details any) {
	if l == nil || l.db == nil {
		return
	}
	if err := l.insert(ctx, event, details); err != nil {
		l.logger.Warn("audit: record failed", "action", event.Action, "entity_id", event.EntityID, "error", err)
	}
}

func (l *Logger) insert(ctx context.Context, event Event, details any) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if details != nil && event.Details == nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		event.Details = data
	}
	if event.Fields == nil {
		event.Fields = []string{}
	}

	query := `
		INSERT INTO audit_events (
			id, action, clinic_id, actor_id, actor_role, entity_type, entity_id,
			fields, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := l.db.ExecContext(ctx, query,
		event.ID,
		string(event.Action),
		nullUUID(event.ClinicID),
		nullUUID(event.ActorID),
		nullString(event.ActorRole),
		event.EntityType,
		event.EntityID,
		pq.Array(event.Fields),
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Filter narrows audit queries.
type Filter struct {
	ClinicIDs  []uuid.UUID
	EntityType string
	EntityID   *uuid.UUID
	ActorID    *uuid.UUID
	Action     Action
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Query returns events newest first.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, action, clinic_id, actor_id, actor_role, entity_type, entity_id,
			   fields, details, created_at
		FROM audit_events
		WHERE 1 = 1
	`
	var args []any
	argIdx := 1

	if filter.ClinicIDs != nil {
		ids := make([]string, len(filter.ClinicIDs))
		for i, id := range filter.ClinicIDs {
			ids[i] = id.String()
		}
		query += fmt.Sprintf(" AND clinic_id = ANY($%d::uuid[])", argIdx)
		args = append(args, pq.Array(ids))
		argIdx++
	}
	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}
	if filter.EntityID != nil {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, *filter.EntityID)
		argIdx++
	}
	if filter.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, *filter.ActorID)
		argIdx++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, string(filter.Action))
		argIdx++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.To)
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e                 Event
			action            string
			clinicID, actorID uuid.NullUUID
			role              sql.NullString
			details           []byte
		)
		if err := rows.Scan(&e.ID, &action, &clinicID, &actorID, &role, &e.EntityType, &e.EntityID,
			pq.Array(&e.Fields), &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Action = Action(action)
		e.ClinicID = clinicID.UUID
		e.ActorID = actorID.UUID
		e.ActorRole = role.String
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
