package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-platform/internal/database"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

// InvoiceMutation edits a locked invoice. payments are the invoice's
// payments, also locked.
type InvoiceMutation func(inv *Invoice, payments []*Payment) error

// PaymentMutation edits a locked payment and its locked invoice. A non-nil
// event is appended to the outbox with the write.
type PaymentMutation func(inv *Invoice, p *Payment) (events.CanonicalEvent, error)

// Repository persists the ledger. Every write that moves money runs in one
// transaction holding the invoice row lock.
type Repository interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*Invoice, int, error)
	SummarizeInvoices(ctx context.Context, filter InvoiceFilter) (InvoiceTotals, error)
	InvoiceStats(ctx context.Context, filter InvoiceFilter, today time.Time) (*InvoiceStats, error)
	UpdateInvoice(ctx context.Context, id uuid.UUID, fn InvoiceMutation) (*Invoice, error)
	DeleteInvoice(ctx context.Context, id uuid.UUID, fn InvoiceMutation) error

	RecordPayment(ctx context.Context, invoiceID uuid.UUID, fn func(inv *Invoice) (*Payment, error)) (*Invoice, *Payment, error)
	UpdatePayment(ctx context.Context, id uuid.UUID, fn PaymentMutation) (*Invoice, *Payment, error)
	DeletePayment(ctx context.Context, id uuid.UUID, fn PaymentMutation) (*Invoice, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*Payment, int, error)
	SummarizePayments(ctx context.Context, filter PaymentFilter) (PaymentTotals, error)
	PaymentStats(ctx context.Context, filter PaymentFilter) (*PaymentStats, error)

	OverdueInvoices(ctx context.Context, today, remindedBefore time.Time, limit int) ([]*Invoice, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error
}

type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("billing: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const invoiceColumns = `
	i.id, i.clinic_id, i.patient_id, i.appointment_id, i.medical_record_id, i.invoice_number,
	i.invoice_date, i.due_date, i.items, i.subtotal, i.discount_pct, i.discount_amount,
	i.tax_pct, i.tax_amount, i.total_amount, i.amount_paid, i.balance_due, i.status,
	i.currency, i.notes, i.terms, i.insurance_claim_number, i.last_reminder_sent_at,
	i.created_by, i.cancelled_at, i.created_at, i.updated_at,
	pu.id, pu.first_name || ' ' || pu.last_name, pu.email, pu.phone, c.name`

const invoiceFrom = `
	FROM invoices i
	JOIN patients p ON p.id = i.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN clinics c ON c.id = i.clinic_id`

const paymentColumns = `
	pm.id, pm.clinic_id, pm.invoice_id, pm.patient_id, pm.payment_number, pm.amount,
	pm.method, pm.status, pm.payment_date, pm.transaction_id, pm.card_details, pm.refund,
	pm.notes, pm.received_by, pm.currency, pm.created_at, pm.updated_at,
	i.invoice_number, pu.id, pu.first_name || ' ' || pu.last_name, pu.email, pu.phone`

const paymentFrom = `
	FROM payments pm
	JOIN invoices i ON i.id = pm.invoice_id
	JOIN patients p ON p.id = pm.patient_id
	JOIN users pu ON pu.id = p.user_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row scanner) (*Invoice, error) {
	var (
		inv         Invoice
		issued, due time.Time
	)
	if err := row.Scan(
		&inv.ID, &inv.ClinicID, &inv.PatientID, &inv.AppointmentID, &inv.MedicalRecordID, &inv.InvoiceNumber,
		&issued, &due, &inv.Items, &inv.Subtotal, &inv.DiscountPct, &inv.DiscountAmount,
		&inv.TaxPct, &inv.TaxAmount, &inv.TotalAmount, &inv.AmountPaid, &inv.BalanceDue, &inv.Status,
		&inv.Currency, &inv.Notes, &inv.Terms, &inv.InsuranceClaimNumber, &inv.LastReminderSentAt,
		&inv.CreatedBy, &inv.CancelledAt, &inv.CreatedAt, &inv.UpdatedAt,
		&inv.Patient.ID, &inv.Patient.Name, &inv.Patient.Email, &inv.Patient.Phone, &inv.ClinicName,
	); err != nil {
		return nil, err
	}
	inv.InvoiceDate = dates.Date{Time: dates.Day(issued)}
	inv.DueDate = dates.Date{Time: dates.Day(due)}
	if inv.Items == nil {
		inv.Items = []Item{}
	}
	return &inv, nil
}

func scanPayment(row scanner) (*Payment, error) {
	var p Payment
	if err := row.Scan(
		&p.ID, &p.ClinicID, &p.InvoiceID, &p.PatientID, &p.PaymentNumber, &p.Amount,
		&p.Method, &p.Status, &p.PaymentDate, &p.TransactionID, &p.CardDetails, &p.Refund,
		&p.Notes, &p.ReceivedBy, &p.Currency, &p.CreatedAt, &p.UpdatedAt,
		&p.InvoiceNumber, &p.Patient.ID, &p.Patient.Name, &p.Patient.Email, &p.Patient.Phone,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func invoiceAggregate(id uuid.UUID) string {
	return "invoice:" + id.String()
}

// CreateInvoice numbers and inserts an invoice and appends invoice.created
// to the outbox in the same transaction.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		number, err := database.NextNumber(ctx, tx, "INV", inv.CreatedAt)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = number
		err = tx.QueryRow(ctx, `
			INSERT INTO invoices (
				id, clinic_id, patient_id, appointment_id, medical_record_id, invoice_number,
				invoice_date, due_date, items, subtotal, discount_pct, discount_amount,
				tax_pct, tax_amount, total_amount, amount_paid, balance_due, status,
				currency, notes, terms, insurance_claim_number, created_by, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
				$19, $20, $21, $22, $23, $24, $24)
			RETURNING updated_at`,
			inv.ID, inv.ClinicID, inv.PatientID, inv.AppointmentID, inv.MedicalRecordID, inv.InvoiceNumber,
			inv.InvoiceDate.Time, inv.DueDate.Time, inv.Items, inv.Subtotal, inv.DiscountPct, inv.DiscountAmount,
			inv.TaxPct, inv.TaxAmount, inv.TotalAmount, inv.AmountPaid, inv.BalanceDue, inv.Status,
			inv.Currency, inv.Notes, inv.Terms, inv.InsuranceClaimNumber, inv.CreatedBy, inv.CreatedAt,
		).Scan(&inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("billing: insert invoice: %w", err)
		}
		_, err = events.Append(ctx, tx, invoiceAggregate(inv.ID), inv.ClinicID, events.InvoiceCreatedV1{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.InvoiceNumber,
			ClinicID:      inv.ClinicID,
			PatientID:     inv.PatientID,
			TotalAmount:   inv.TotalAmount,
			Currency:      inv.Currency,
			DueDate:       inv.DueDate.Format(dates.Layout),
		})
		return err
	})
}

func (r *PostgresRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+invoiceFrom+` WHERE i.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("billing: select invoice: %w", err)
	}
	return inv, nil
}

// lockInvoice reads the invoice holding its row lock until the transaction
// ends.
func lockInvoice(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+invoiceFrom+` WHERE i.id = $1 FOR UPDATE OF i`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("billing: lock invoice: %w", err)
	}
	return inv, nil
}

func lockPayments(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := tx.Query(ctx, `SELECT `+paymentColumns+paymentFrom+`
		WHERE pm.invoice_id = $1 ORDER BY pm.payment_date DESC FOR UPDATE OF pm`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: lock payments: %w", err)
	}
	return collectPayments(rows)
}

func writeInvoice(ctx context.Context, tx pgx.Tx, inv *Invoice) error {
	err := tx.QueryRow(ctx, `
		UPDATE invoices SET
			due_date = $2, items = $3, subtotal = $4, discount_pct = $5, discount_amount = $6,
			tax_pct = $7, tax_amount = $8, total_amount = $9, amount_paid = $10, balance_due = $11,
			status = $12, notes = $13, terms = $14, insurance_claim_number = $15,
			cancelled_at = $16, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.DueDate.Time, inv.Items, inv.Subtotal, inv.DiscountPct, inv.DiscountAmount,
		inv.TaxPct, inv.TaxAmount, inv.TotalAmount, inv.AmountPaid, inv.BalanceDue,
		inv.Status, inv.Notes, inv.Terms, inv.InsuranceClaimNumber,
		inv.CancelledAt,
	).Scan(&inv.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrInvoiceNotFound
		}
		return fmt.Errorf("billing: update invoice: %w", err)
	}
	return nil
}

// UpdateInvoice applies fn to the locked invoice and writes the result.
func (r *PostgresRepository) UpdateInvoice(ctx context.Context, id uuid.UUID, fn InvoiceMutation) (*Invoice, error) {
	var out *Invoice
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		inv, err := lockInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		payments, err := lockPayments(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(inv, payments); err != nil {
			return err
		}
		if err := writeInvoice(ctx, tx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteInvoice removes the invoice once fn accepts it. Its payments go
// with it.
func (r *PostgresRepository) DeleteInvoice(ctx context.Context, id uuid.UUID, fn InvoiceMutation) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		inv, err := lockInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		payments, err := lockPayments(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(inv, payments); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id); err != nil {
			return fmt.Errorf("billing: delete invoice: %w", err)
		}
		return nil
	})
}

func insertPayment(ctx context.Context, tx pgx.Tx, p *Payment) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payments (
			id, clinic_id, invoice_id, patient_id, payment_number, amount, method, status,
			payment_date, transaction_id, card_details, notes, received_by, currency,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING updated_at`,
		p.ID, p.ClinicID, p.InvoiceID, p.PatientID, p.PaymentNumber, p.Amount, p.Method, p.Status,
		p.PaymentDate, p.TransactionID, p.CardDetails, p.Notes, p.ReceivedBy, p.Currency,
		p.CreatedAt,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("billing: insert payment: %w", err)
	}
	return nil
}

func writePayment(ctx context.Context, tx pgx.Tx, p *Payment) error {
	err := tx.QueryRow(ctx, `
		UPDATE payments SET
			amount = $2, method = $3, status = $4, transaction_id = $5, card_details = $6,
			refund = $7, notes = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Amount, p.Method, p.Status, p.TransactionID, p.CardDetails,
		p.Refund, p.Notes,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("billing: update payment: %w", err)
	}
	return nil
}

// RecordPayment locks the invoice, lets fn build the payment and move the
// invoice's money fields, then writes both with a payment.recorded event.
func (r *PostgresRepository) RecordPayment(ctx context.Context, invoiceID uuid.UUID, fn func(inv *Invoice) (*Payment, error)) (*Invoice, *Payment, error) {
	var (
		outInv *Invoice
		outPay *Payment
	)
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		inv, err := lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		p, err := fn(inv)
		if err != nil {
			return err
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		if p.PaymentNumber, err = database.NextNumber(ctx, tx, "PAY", p.CreatedAt); err != nil {
			return err
		}
		if err := insertPayment(ctx, tx, p); err != nil {
			return err
		}
		if err := writeInvoice(ctx, tx, inv); err != nil {
			return err
		}
		_, err = events.Append(ctx, tx, invoiceAggregate(inv.ID), inv.ClinicID, events.PaymentRecordedV1{
			PaymentID:     p.ID,
			PaymentNumber: p.PaymentNumber,
			InvoiceID:     inv.ID,
			ClinicID:      inv.ClinicID,
			PatientID:     inv.PatientID,
			Amount:        p.Amount,
			Method:        p.Method,
			BalanceDue:    inv.BalanceDue,
			InvoiceStatus: inv.Status,
		})
		if err != nil {
			return err
		}
		p.InvoiceNumber = inv.InvoiceNumber
		p.Patient = inv.Patient
		outInv, outPay = inv, p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outInv, outPay, nil
}

// lockPayment finds the payment's invoice, locks it, then locks the payment.
// Locking in invoice order keeps payment writes from deadlocking with
// RecordPayment.
func lockPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Invoice, *Payment, error) {
	var invoiceID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT invoice_id FROM payments WHERE id = $1`, id).Scan(&invoiceID); err != nil {
		if database.IsNoRows(err) {
			return nil, nil, ErrPaymentNotFound
		}
		return nil, nil, fmt.Errorf("billing: find payment: %w", err)
	}
	inv, err := lockInvoice(ctx, tx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+paymentFrom+` WHERE pm.id = $1 FOR UPDATE OF pm`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil, ErrPaymentNotFound
		}
		return nil, nil, fmt.Errorf("billing: lock payment: %w", err)
	}
	return inv, p, nil
}

func (r *PostgresRepository) UpdatePayment(ctx context.Context, id uuid.UUID, fn PaymentMutation) (*Invoice, *Payment, error) {
	var (
		outInv *Invoice
		outPay *Payment
	)
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		inv, p, err := lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		evt, err := fn(inv, p)
		if err != nil {
			return err
		}
		if err := writePayment(ctx, tx, p); err != nil {
			return err
		}
		if err := writeInvoice(ctx, tx, inv); err != nil {
			return err
		}
		if evt != nil {
			if _, err := events.Append(ctx, tx, invoiceAggregate(inv.ID), inv.ClinicID, evt); err != nil {
				return err
			}
		}
		outInv, outPay = inv, p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outInv, outPay, nil
}

func (r *PostgresRepository) DeletePayment(ctx context.Context, id uuid.UUID, fn PaymentMutation) (*Invoice, error) {
	var out *Invoice
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		inv, p, err := lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		evt, err := fn(inv, p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id); err != nil {
			return fmt.Errorf("billing: delete payment: %w", err)
		}
		if err := writeInvoice(ctx, tx, inv); err != nil {
			return err
		}
		if evt != nil {
			if _, err := events.Append(ctx, tx, invoiceAggregate(inv.ID), inv.ClinicID, evt); err != nil {
				return err
			}
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+paymentFrom+` WHERE pm.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("billing: select payment: %w", err)
	}
	return p, nil
}

type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, fmt.Sprintf(cond, len(b.args)))
}

func (b *whereBuilder) and(cond string) {
	b.conds = append(b.conds, cond)
}

func (b *whereBuilder) String() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func invoiceWhere(filter InvoiceFilter) *whereBuilder {
	b := &whereBuilder{}
	if filter.ClinicIDs != nil {
		b.add("i.clinic_id = ANY($%d)", filter.ClinicIDs)
	}
	if filter.PatientID != nil {
		b.add("i.patient_id = $%d", *filter.PatientID)
	}
	if filter.PatientUserID != nil {
		b.add("p.user_id = $%d", *filter.PatientUserID)
	}
	if filter.Status != "" {
		b.add("i.status = $%d", filter.Status)
	}
	if filter.From != nil {
		b.add("i.invoice_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		b.add("i.invoice_date <= $%d", *filter.To)
	}
	if filter.OverdueAsOf != nil {
		b.add("i.due_date < $%d", *filter.OverdueAsOf)
		b.and("i.status IN ('pending', 'partially-paid', 'overdue')")
	}
	return b
}

func (r *PostgresRepository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*Invoice, int, error) {
	b := invoiceWhere(filter)
	where := b.String()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+invoiceFrom+where, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("billing: count invoices: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args := append(b.args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s%s%s ORDER BY i.invoice_date DESC, i.created_at DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, invoiceFrom, where, len(args)-1, len(args))
	out, err := r.queryInvoices(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *PostgresRepository) queryInvoices(ctx context.Context, query string, args ...any) ([]*Invoice, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	out := []*Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const invoiceTotalsSelect = `SELECT COUNT(*), COALESCE(SUM(i.total_amount), 0),
	COALESCE(SUM(i.amount_paid), 0), COALESCE(SUM(i.balance_due), 0)`

func (r *PostgresRepository) SummarizeInvoices(ctx context.Context, filter InvoiceFilter) (InvoiceTotals, error) {
	b := invoiceWhere(filter)
	var t InvoiceTotals
	err := r.db.QueryRow(ctx, invoiceTotalsSelect+invoiceFrom+b.String(), b.args...).
		Scan(&t.TotalInvoices, &t.TotalAmount, &t.TotalPaid, &t.TotalDue)
	if err != nil {
		return t, fmt.Errorf("billing: summarize invoices: %w", err)
	}
	return t, nil
}

// InvoiceStats reports totals, a per-status breakdown and how many open
// invoices are past due on today.
func (r *PostgresRepository) InvoiceStats(ctx context.Context, filter InvoiceFilter, today time.Time) (*InvoiceStats, error) {
	overview, err := r.SummarizeInvoices(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats := &InvoiceStats{Overview: overview, ByStatus: []StatusBreakdown{}}

	b := invoiceWhere(filter)
	rows, err := r.db.Query(ctx, `SELECT i.status, COUNT(*), COALESCE(SUM(i.total_amount), 0)`+
		invoiceFrom+b.String()+` GROUP BY i.status ORDER BY i.status`, b.args...)
	if err != nil {
		return nil, fmt.Errorf("billing: invoice stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s StatusBreakdown
		if err := rows.Scan(&s.Status, &s.Count, &s.Amount); err != nil {
			return nil, fmt.Errorf("billing: scan invoice stats: %w", err)
		}
		stats.ByStatus = append(stats.ByStatus, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	day := dates.Day(today)
	filter.OverdueAsOf = &day
	b = invoiceWhere(filter)
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+invoiceFrom+b.String(), b.args...).Scan(&stats.OverdueCount); err != nil {
		return nil, fmt.Errorf("billing: overdue count: %w", err)
	}
	return stats, nil
}

func paymentWhere(filter PaymentFilter) *whereBuilder {
	b := &whereBuilder{}
	if filter.ClinicIDs != nil {
		b.add("pm.clinic_id = ANY($%d)", filter.ClinicIDs)
	}
	if filter.PatientID != nil {
		b.add("pm.patient_id = $%d", *filter.PatientID)
	}
	if filter.PatientUserID != nil {
		b.add("p.user_id = $%d", *filter.PatientUserID)
	}
	if filter.InvoiceID != nil {
		b.add("pm.invoice_id = $%d", *filter.InvoiceID)
	}
	if filter.Status != "" {
		b.add("pm.status = $%d", filter.Status)
	}
	if filter.Method != "" {
		b.add("pm.method = $%d", filter.Method)
	}
	if filter.From != nil {
		b.add("pm.payment_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		b.add("pm.payment_date < $%d", filter.To.AddDate(0, 0, 1))
	}
	return b
}

func (r *PostgresRepository) ListPayments(ctx context.Context, filter PaymentFilter) ([]*Payment, int, error) {
	b := paymentWhere(filter)
	where := b.String()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+paymentFrom+where, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("billing: count payments: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args := append(b.args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s%s%s ORDER BY pm.payment_date DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, paymentFrom, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("billing: list payments: %w", err)
	}
	out, err := collectPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func collectPayments(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()
	out := []*Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SummarizePayments counts every payment, sums the amounts still carried
// and the refunded amounts.
func (r *PostgresRepository) SummarizePayments(ctx context.Context, filter PaymentFilter) (PaymentTotals, error) {
	b := paymentWhere(filter)
	var t PaymentTotals
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(pm.amount) FILTER (WHERE pm.status <> 'refunded'), 0),
			COALESCE(SUM((pm.refund->>'amount')::numeric) FILTER (WHERE pm.status = 'refunded'), 0)`+
		paymentFrom+b.String(), b.args...).
		Scan(&t.TotalPayments, &t.TotalAmount, &t.TotalRefunded)
	if err != nil {
		return t, fmt.Errorf("billing: summarize payments: %w", err)
	}
	return t, nil
}

// PaymentStats reports completed totals, a per-method breakdown of
// completed payments and refund totals.
func (r *PostgresRepository) PaymentStats(ctx context.Context, filter PaymentFilter) (*PaymentStats, error) {
	filter.Status = ""
	b := paymentWhere(filter)
	where := b.String()
	if where == "" {
		where = " WHERE true"
	}

	stats := &PaymentStats{ByMethod: []MethodBreakdown{}}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE pm.status = 'completed'),
			COALESCE(SUM(pm.amount) FILTER (WHERE pm.status = 'completed'), 0),
			COUNT(*) FILTER (WHERE pm.status = 'refunded'),
			COALESCE(SUM((pm.refund->>'amount')::numeric) FILTER (WHERE pm.status = 'refunded'), 0)`+
		paymentFrom+where, b.args...).
		Scan(&stats.Overview.TotalPayments, &stats.Overview.TotalAmount,
			&stats.Refunds.TotalRefunds, &stats.Refunds.TotalRefundAmount)
	if err != nil {
		return nil, fmt.Errorf("billing: payment stats: %w", err)
	}

	rows, err := r.db.Query(ctx, `SELECT pm.method, COUNT(*), COALESCE(SUM(pm.amount), 0)`+
		paymentFrom+where+` AND pm.status = 'completed' GROUP BY pm.method ORDER BY pm.method`, b.args...)
	if err != nil {
		return nil, fmt.Errorf("billing: payment methods: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m MethodBreakdown
		if err := rows.Scan(&m.Method, &m.Count, &m.Amount); err != nil {
			return nil, fmt.Errorf("billing: scan payment methods: %w", err)
		}
		stats.ByMethod = append(stats.ByMethod, m)
	}
	return stats, rows.Err()
}

// OverdueInvoices returns open invoices due before today that were never
// reminded or last reminded before remindedBefore, oldest due first.
func (r *PostgresRepository) OverdueInvoices(ctx context.Context, today, remindedBefore time.Time, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.queryInvoices(ctx, `SELECT `+invoiceColumns+invoiceFrom+`
		WHERE i.status IN ('pending', 'partially-paid', 'overdue')
		  AND i.due_date < $1
		  AND (i.last_reminder_sent_at IS NULL OR i.last_reminder_sent_at < $2)
		ORDER BY i.due_date ASC
		LIMIT $3`,
		dates.Day(today), remindedBefore.UTC(), limit)
}

// MarkReminded stamps the reminder time and moves a pending invoice to
// overdue.
func (r *PostgresRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE invoices
		SET last_reminder_sent_at = $2,
		    status = CASE WHEN status = 'pending' THEN 'overdue' ELSE status END,
		    updated_at = now()
		WHERE id = $1`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("billing: mark reminded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}
