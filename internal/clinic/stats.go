package clinic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// statsDB defines the database interface needed by StatsRepository
type statsDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StatsRepository aggregates dashboard counters across patients,
// appointments and invoices.
type StatsRepository struct {
	db statsDB
}

func NewStatsRepository(db statsDB) *StatsRepository {
	if db == nil {
		panic("clinic: pgx pool required for stats")
	}
	return &StatsRepository{db: db}
}

// GetStats computes the summary for a clinic. today is the UTC calendar
// day used for the "today" appointment count.
func (r *StatsRepository) GetStats(ctx context.Context, clinicID uuid.UUID, today time.Time) (*Stats, error) {
	stats := &Stats{}
	stats.Appointments.ByStatus = map[string]int64{}

	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM patients WHERE clinic_id = $1`,
		clinicID).Scan(&stats.Patients.Total, &stats.Patients.Active); err != nil {
		return nil, fmt.Errorf("clinic stats: count patients: %w", err)
	}

	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE clinic_id = $1 AND scheduled_date = $2`,
		clinicID, today).Scan(&stats.Appointments.Today); err != nil {
		return nil, fmt.Errorf("clinic stats: count today: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM appointments WHERE clinic_id = $1 GROUP BY status`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("clinic stats: appointments by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("clinic stats: scan status: %w", err)
		}
		stats.Appointments.ByStatus[status] = count
		stats.Appointments.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clinic stats: appointments by status: %w", err)
	}

	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE clinic_id = $1 AND status IN ('pending', 'partially-paid')`,
		clinicID).Scan(&stats.Invoices.Pending); err != nil {
		return nil, fmt.Errorf("clinic stats: count pending invoices: %w", err)
	}

	if err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_amount), 0)::float8 FROM invoices WHERE clinic_id = $1 AND status = 'paid'`,
		clinicID).Scan(&stats.Revenue.Total); err != nil {
		return nil, fmt.Errorf("clinic stats: sum revenue: %w", err)
	}

	return stats, nil
}
