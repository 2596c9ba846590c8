package database

import (
	"context"
	"fmt"
	"time"
)

// NextSequence atomically increments the counter for scope+period and
// returns the new value. Run it inside the transaction that inserts the
// numbered row so a rollback also releases the number.
func NextSequence(ctx context.Context, q Querier, scope, period string) (int, error) {
	const query = `
		INSERT INTO sequence_counters (scope, period, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, period)
		DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value
	`
	var value int
	if err := q.QueryRow(ctx, query, scope, period).Scan(&value); err != nil {
		return 0, fmt.Errorf("database: next sequence %s/%s: %w", scope, period, err)
	}
	return value, nil
}

// Period returns the year+month bucket used in human readable numbers.
func Period(at time.Time) string {
	return at.UTC().Format("200601")
}

// FormatNumber renders PREFIX-YYYYMM-NNNNNN.
func FormatNumber(prefix string, at time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, Period(at), seq)
}

// NextNumber allocates and formats the next number for prefix in the
// period containing at.
func NextNumber(ctx context.Context, q Querier, prefix string, at time.Time) (string, error) {
	seq, err := NextSequence(ctx, q, prefix, Period(at))
	if err != nil {
		return "", err
	}
	return FormatNumber(prefix, at, seq), nil
}
