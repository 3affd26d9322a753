package storage

import (
	"context"
	"fmt"
	"time"

	"bursar/internal/core"
)

// FeeSummary aggregates the student's invoice ledger in one query. The
// overdue count applies the same derived rule as Invoice.EffectiveStatus:
// open and due strictly before the given day.
func (r *Repository) FeeSummary(ctx context.Context, studentID string, asOf time.Time) (core.FeeSummary, error) {
	s := core.FeeSummary{StudentID: studentID}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('pending', 'partial') THEN 1 END),
			COUNT(CASE WHEN status IN ('pending', 'partial') AND due_date < ? THEN 1 END),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'partial') THEN amount_due_cents - amount_paid_cents END), 0),
			COALESCE(SUM(CASE WHEN status != 'cancelled' THEN amount_paid_cents END), 0)
		FROM invoices WHERE student_id = ?`,
		fmtDay(asOf), studentID).
		Scan(&s.PendingInvoices, &s.OverdueInvoices, &s.Outstanding.Cents, &s.TotalPaid.Cents)
	if err != nil {
		return core.FeeSummary{}, fmt.Errorf("fee summary: %w", err)
	}
	return s, nil
}

func (r *Repository) FineSummary(ctx context.Context, studentID string) (core.FineSummary, error) {
	s := core.FineSummary{StudentID: studentID}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN amount_cents END), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'paid' THEN amount_cents END), 0)
		FROM fines WHERE student_id = ?`, studentID).
		Scan(&s.PendingFines, &s.PendingAmount.Cents, &s.TotalFines, &s.PaidAmount.Cents)
	if err != nil {
		return core.FineSummary{}, fmt.Errorf("fine summary: %w", err)
	}
	return s, nil
}
