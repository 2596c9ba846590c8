package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := NewLogger(db, nil)

	tests := []struct {
		name    string
		event   Event
		details any
	}{
		{
			name: "appointment booked",
			event: Event{
				Action:     ActionAppointmentBooked,
				ClinicID:   uuid.New(),
				ActorID:    uuid.New(),
				ActorRole:  "receptionist",
				EntityType: "appointment",
				EntityID:   uuid.New(),
			},
			details: map[string]string{"appointmentNumber": "APT-202406-000001"},
		},
		{
			name: "payment refunded without details",
			event: Event{
				Action:     ActionPaymentRefunded,
				ClinicID:   uuid.New(),
				EntityType: "payment",
				EntityID:   uuid.New(),
				Fields:     []string{"status", "refund"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectExec("INSERT INTO audit_events").
				WillReturnResult(sqlmock.NewResult(1, 1))

			logger.Record(context.Background(), tt.event, tt.details)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoggerRecordSwallowsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))

	NewLogger(db, nil).Record(context.Background(), Event{
		Action:     ActionInvoiceCreated,
		EntityType: "invoice",
		EntityID:   uuid.New(),
	}, nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), Event{Action: ActionInvoiceCreated}, nil)
	NewLogger(nil, nil).Record(context.Background(), Event{Action: ActionInvoiceCreated}, nil)
}

func TestLoggerQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clinicID := uuid.New()
	entityID := uuid.New()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "action", "clinic_id", "actor_id", "actor_role", "entity_type", "entity_id",
		"fields", "details", "created_at",
	}).AddRow(
		uuid.New().String(), "appointment.cancelled", clinicID.String(), nil, nil, "appointment", entityID.String(),
		"{status,cancelReason}", []byte(`{"reason":"sick"}`), now,
	)

	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE 1 = 1 AND entity_type = \\$1 AND entity_id = \\$2").
		WithArgs("appointment", entityID).
		WillReturnRows(rows)

	events, err := NewLogger(db, nil).Query(context.Background(), Filter{EntityType: "appointment", EntityID: &entityID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionAppointmentCancelled, events[0].Action)
	assert.Equal(t, clinicID, events[0].ClinicID)
	assert.Equal(t, uuid.Nil, events[0].ActorID)
	assert.Equal(t, []string{"status", "cancelReason"}, events[0].Fields)
	assert.JSONEq(t, `{"reason":"sick"}`, string(events[0].Details))
	assert.NoError(t, mock.ExpectationsWereMet())
}
