package jobs

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// Job names.
const (
	NameAppointmentReminders = "appointment-reminders"
	NameOverdueInvoices      = "overdue-invoices"
	NameNotificationCleanup  = "notification-cleanup"
)

// ReminderTolerance is how far from an exact window boundary an
// appointment may start and still get that reminder on an hourly run.
const ReminderTolerance = 30 * time.Minute

type ReminderSource interface {
	DueReminders(ctx context.Context, now time.Time, tolerance time.Duration) ([]scheduling.DueReminder, error)
	SendReminder(ctx context.Context, due scheduling.DueReminder) error
}

type OverdueReminder interface {
	RemindOverdue(ctx context.Context, now time.Time) (sent, failed int, err error)
}

type NotificationCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// AppointmentReminders sends every due 24h and 1h reminder. A failed send
// is recorded on the appointment and does not stop the run.
func AppointmentReminders(src ReminderSource, m *metrics.JobMetrics, logger *logging.Logger, now func() time.Time) Func {
	if logger == nil {
		logger = logging.Default()
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		due, err := src.DueReminders(ctx, now().UTC(), ReminderTolerance)
		if err != nil {
			return err
		}
		var sent, failed int
		for _, d := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := src.SendReminder(ctx, d); err != nil {
				failed++
				m.ObserveItem(NameAppointmentReminders, "failed")
				continue
			}
			sent++
			m.ObserveItem(NameAppointmentReminders, "sent")
		}
		logger.Info("appointment reminders processed", "due", len(due), "sent", sent, "failed", failed)
		return nil
	}
}

func OverdueInvoices(src OverdueReminder, m *metrics.JobMetrics, logger *logging.Logger, now func() time.Time) Func {
	if logger == nil {
		logger = logging.Default()
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		sent, failed, err := src.RemindOverdue(ctx, now().UTC())
		if err != nil {
			return err
		}
		m.ObserveItems(NameOverdueInvoices, "sent", sent)
		m.ObserveItems(NameOverdueInvoices, "failed", failed)
		logger.Info("overdue invoice reminders processed", "sent", sent, "failed", failed)
		return nil
	}
}

func NotificationCleanup(src NotificationCleaner, m *metrics.JobMetrics) Func {
	return func(ctx context.Context) error {
		n, err := src.Cleanup(ctx)
		if err != nil {
			return err
		}
		m.ObserveItems(NameNotificationCleanup, "deleted", int(n))
		return nil
	}
}
