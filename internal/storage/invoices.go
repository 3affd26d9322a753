package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bursar/internal/core"
)

const invoiceColumns = `id, invoice_number, student_id, fee_structure_id, period_start, period_end,
	due_date, amount_due_cents, amount_paid_cents, status, generated_at, cancelled_at`

// InsertInvoiceIfAbsent performs the idempotent half of invoice generation.
// The insert races on the (student, structure, period) uniqueness constraint;
// losing the race is success, the existing invoice is returned with
// created=false. The invoice number is derived from the row id inside the
// same transaction so numbers stay sequential and human-readable.
func (r *Repository) InsertInvoiceIfAbsent(ctx context.Context, inv core.Invoice) (core.Invoice, bool, error) {
	var out core.Invoice
	var created bool

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO invoices (student_id, fee_structure_id, period_start, period_end, due_date,
				amount_due_cents, amount_paid_cents, status, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 'pending', ?)
			ON CONFLICT (student_id, fee_structure_id, period_start, period_end) DO NOTHING`,
			inv.StudentID, inv.FeeStructureID, fmtDay(inv.PeriodStart), fmtDay(inv.PeriodEnd),
			fmtDay(inv.DueDate), inv.AmountDue.Cents, fmtTime(inv.GeneratedAt))
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n > 0 {
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("invoice id: %w", err)
			}
			number := fmt.Sprintf("INV-%06d", id)
			if _, err := tx.ExecContext(ctx,
				`UPDATE invoices SET invoice_number = ? WHERE id = ?`, number, id); err != nil {
				return fmt.Errorf("assign invoice number: %w", err)
			}
			created = true
		}

		row := tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices
			WHERE student_id = ? AND fee_structure_id = ? AND period_start = ? AND period_end = ?`,
			inv.StudentID, inv.FeeStructureID, fmtDay(inv.PeriodStart), fmtDay(inv.PeriodEnd))
		out, err = scanInvoice(row)
		if err != nil {
			return fmt.Errorf("read back invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Invoice{}, false, err
	}
	return out, created, nil
}

func (r *Repository) GetInvoice(ctx context.Context, id int64) (core.Invoice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Invoice{}, core.ErrInvoiceNotFound
	}
	return inv, err
}

func (r *Repository) ListInvoicesByStudent(ctx context.Context, studentID string) ([]core.Invoice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE student_id = ? ORDER BY period_start DESC, id DESC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ListOpenInvoicesDueBefore feeds the overdue check: open invoices whose due
// date is strictly before the given day.
func (r *Repository) ListOpenInvoicesDueBefore(ctx context.Context, day time.Time) ([]core.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE due_date < ? AND status IN ('pending', 'partial') ORDER BY due_date, id`, fmtDay(day))
	if err != nil {
		return nil, fmt.Errorf("list overdue invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ListOpenInvoicesDueBetween feeds the due-soon check; bounds are inclusive.
func (r *Repository) ListOpenInvoicesDueBetween(ctx context.Context, from, to time.Time) ([]core.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE due_date >= ? AND due_date <= ? AND status IN ('pending', 'partial') ORDER BY due_date, id`,
		fmtDay(from), fmtDay(to))
	if err != nil {
		return nil, fmt.Errorf("list upcoming invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ListInvoicesGeneratedSince feeds the spreadsheet export with the invoices a
// generation pass just created.
func (r *Repository) ListInvoicesGeneratedSince(ctx context.Context, since time.Time) ([]core.Invoice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE generated_at >= ? ORDER BY id`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("list generated invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ApplyPayment appends a payment and updates the invoice inside one
// transaction. The invoice is re-read inside the transaction, never trusted
// from a projection, so the overpayment check is authoritative.
func (r *Repository) ApplyPayment(ctx context.Context, invoiceID int64, p core.Payment) (core.Invoice, error) {
	var out core.Invoice

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, invoiceID)
		inv, err := scanInvoice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrInvoiceNotFound
		}
		if err != nil {
			return err
		}

		if inv.Status == core.InvoiceCancelled {
			return core.ErrInvoiceCancelled
		}

		// On a settled invoice paid already equals due, so any positive
		// payment lands in the overpayment branch below.
		newPaid := inv.AmountPaid.Cents + p.Amount.Cents
		if newPaid > inv.AmountDue.Cents {
			return &core.OverpaymentError{Excess: core.Money{Cents: newPaid - inv.AmountDue.Cents}}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (invoice_id, amount_cents, paid_at, method, collected_by, reference)
			VALUES (?, ?, ?, ?, ?, ?)`,
			invoiceID, p.Amount.Cents, fmtTime(p.PaidAt), p.Method, p.CollectedBy, p.Reference); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		status := core.InvoicePartial
		if newPaid == inv.AmountDue.Cents {
			status = core.InvoicePaid
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE invoices SET amount_paid_cents = ?, status = ? WHERE id = ?`,
			newPaid, string(status), invoiceID); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}

		inv.AmountPaid.Cents = newPaid
		inv.Status = status
		out = inv
		return nil
	})
	if err != nil {
		return core.Invoice{}, err
	}
	return out, nil
}

// CancelInvoice marks a non-paid invoice cancelled. Paid invoices are
// immutable history.
func (r *Repository) CancelInvoice(ctx context.Context, invoiceID int64) (core.Invoice, error) {
	var out core.Invoice

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, invoiceID)
		inv, err := scanInvoice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrInvoiceNotFound
		}
		if err != nil {
			return err
		}
		if inv.Status == core.InvoicePaid {
			return core.ErrInvoicePaid
		}
		if inv.Status == core.InvoiceCancelled {
			out = inv
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE invoices SET status = 'cancelled', cancelled_at = ? WHERE id = ?`,
			fmtTime(now), invoiceID); err != nil {
			return fmt.Errorf("cancel invoice: %w", err)
		}
		inv.Status = core.InvoiceCancelled
		inv.CancelledAt = &now
		out = inv
		return nil
	})
	if err != nil {
		return core.Invoice{}, err
	}
	return out, nil
}

func (r *Repository) ListPayments(ctx context.Context, invoiceID int64) ([]core.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, invoice_id, amount_cents, paid_at, method, collected_by, reference
		FROM payments WHERE invoice_id = ? ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []core.Payment
	for rows.Next() {
		var p core.Payment
		var paidAt string
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount.Cents, &paidAt, &p.Method, &p.CollectedBy, &p.Reference); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.PaidAt, err = parseTime(paidAt); err != nil {
			return nil, fmt.Errorf("parse paid_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanInvoice(row rowScanner) (core.Invoice, error) {
	var inv core.Invoice
	var number sql.NullString
	var periodStart, periodEnd, dueDate, generatedAt string
	var status string
	var cancelledAt sql.NullString

	err := row.Scan(&inv.ID, &number, &inv.StudentID, &inv.FeeStructureID, &periodStart, &periodEnd,
		&dueDate, &inv.AmountDue.Cents, &inv.AmountPaid.Cents, &status, &generatedAt, &cancelledAt)
	if err != nil {
		return core.Invoice{}, err
	}

	inv.Number = number.String
	inv.Status = core.InvoiceStatus(status)
	if inv.PeriodStart, err = parseDay(periodStart); err != nil {
		return core.Invoice{}, fmt.Errorf("parse period_start: %w", err)
	}
	if inv.PeriodEnd, err = parseDay(periodEnd); err != nil {
		return core.Invoice{}, fmt.Errorf("parse period_end: %w", err)
	}
	if inv.DueDate, err = parseDay(dueDate); err != nil {
		return core.Invoice{}, fmt.Errorf("parse due_date: %w", err)
	}
	if inv.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return core.Invoice{}, fmt.Errorf("parse generated_at: %w", err)
	}
	if inv.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return core.Invoice{}, fmt.Errorf("parse cancelled_at: %w", err)
	}
	return inv, nil
}

func collectInvoices(rows *sql.Rows) ([]core.Invoice, error) {
	var out []core.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
