// Package billing holds the write-side services for the invoice and fine
// ledgers. It owns generation idempotency semantics and payment validation;
// durability and atomicity live one layer down in storage.
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bursar/internal/core"
	"bursar/internal/log"
)

// InvoiceStore is the slice of the repository the invoice ledger needs.
type InvoiceStore interface {
	GetFeeStructure(ctx context.Context, id int64) (core.FeeStructure, error)
	ListActiveAssignments(ctx context.Context) ([]core.FeeAssignment, error)
	InsertInvoiceIfAbsent(ctx context.Context, inv core.Invoice) (core.Invoice, bool, error)
	GetInvoice(ctx context.Context, id int64) (core.Invoice, error)
	ListInvoicesByStudent(ctx context.Context, studentID string) ([]core.Invoice, error)
	ApplyPayment(ctx context.Context, invoiceID int64, p core.Payment) (core.Invoice, error)
	CancelInvoice(ctx context.Context, invoiceID int64) (core.Invoice, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]core.Payment, error)
}

// BatchResult reports one generation pass. Failed items never abort the pass;
// the external scheduler simply runs it again.
type BatchResult struct {
	Created        int
	AlreadyExisted int
	Failed         int
	Errors         []error
}

type InvoiceLedger struct {
	store    InvoiceStore
	logger   *log.Logger
	parallel int
}

func NewInvoiceLedger(store InvoiceStore, logger *log.Logger, parallel int) *InvoiceLedger {
	if parallel < 1 {
		parallel = 1
	}
	return &InvoiceLedger{store: store, logger: logger.WithComponent(log.ComponentBilling), parallel: parallel}
}

// EnsureInvoice creates the invoice for the structure's billing period
// containing ref, or returns the existing one. Safe to call any number of
// times for the same (student, structure, period).
func (l *InvoiceLedger) EnsureInvoice(ctx context.Context, studentID string, structureID int64, ref time.Time) (core.Invoice, bool, error) {
	fs, err := l.store.GetFeeStructure(ctx, structureID)
	if err != nil {
		return core.Invoice{}, false, err
	}
	if !fs.IsActive {
		return core.Invoice{}, false, core.ErrStructureInactive
	}

	period, err := core.CalcPeriod(fs.Frequency, fs.DueDay, ref)
	if err != nil {
		return core.Invoice{}, false, err
	}

	inv, created, err := l.store.InsertInvoiceIfAbsent(ctx, core.Invoice{
		StudentID:      studentID,
		FeeStructureID: fs.ID,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		DueDate:        period.Due.AddDate(0, 0, fs.GracePeriodDays),
		AmountDue:      fs.Amount,
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		return core.Invoice{}, false, fmt.Errorf("ensure invoice: %w", err)
	}

	if created {
		l.logger.InfoContext(ctx, "invoice created",
			log.FieldStudentID, studentID,
			log.FieldInvoiceID, inv.ID,
			log.FieldInvoiceNumber, inv.Number,
			log.FieldAmountCents, inv.AmountDue.Cents)
	}
	return inv, created, nil
}

// GenerateDue runs one generation pass over every active assignment for the
// period containing ref. Re-running with the same ref is a no-op thanks to
// the idempotency key.
func (l *InvoiceLedger) GenerateDue(ctx context.Context, ref time.Time) (BatchResult, error) {
	assignments, err := l.store.ListActiveAssignments(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list assignments: %w", err)
	}

	var (
		mu     sync.Mutex
		result BatchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)
	for _, a := range assignments {
		a := a
		g.Go(func() error {
			_, created, err := l.EnsureInvoice(gctx, a.StudentID, a.FeeStructureID, ref)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, fmt.Errorf("student %s structure %d: %w", a.StudentID, a.FeeStructureID, err))
				l.logger.ErrorContext(gctx, "invoice generation failed",
					log.FieldStudentID, a.StudentID,
					log.FieldStructureID, a.FeeStructureID,
					log.FieldError, err.Error())
			case created:
				result.Created++
			default:
				result.AlreadyExisted++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	l.logger.InfoContext(ctx, "generation pass complete",
		"created", result.Created,
		"already_existed", result.AlreadyExisted,
		"failed", result.Failed)
	return result, nil
}

// ApplyPayment validates and records a payment against an invoice. The
// overpayment check happens inside the storage transaction against the
// authoritative row.
func (l *InvoiceLedger) ApplyPayment(ctx context.Context, invoiceID int64, p core.Payment) (core.Invoice, error) {
	if p.Amount.Cents <= 0 {
		return core.Invoice{}, core.ErrInvalidAmount
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}

	inv, err := l.store.ApplyPayment(ctx, invoiceID, p)
	if err != nil {
		return core.Invoice{}, err
	}

	l.logger.InfoContext(ctx, "payment applied",
		log.FieldInvoiceID, inv.ID,
		log.FieldAmountCents, p.Amount.Cents,
		"status", string(inv.Status))
	return inv, nil
}

func (l *InvoiceLedger) Cancel(ctx context.Context, invoiceID int64) (core.Invoice, error) {
	inv, err := l.store.CancelInvoice(ctx, invoiceID)
	if err != nil {
		return core.Invoice{}, err
	}
	l.logger.InfoContext(ctx, "invoice cancelled", log.FieldInvoiceID, inv.ID)
	return inv, nil
}

func (l *InvoiceLedger) Invoice(ctx context.Context, invoiceID int64) (core.Invoice, error) {
	return l.store.GetInvoice(ctx, invoiceID)
}

func (l *InvoiceLedger) StudentInvoices(ctx context.Context, studentID string) ([]core.Invoice, error) {
	return l.store.ListInvoicesByStudent(ctx, studentID)
}

func (l *InvoiceLedger) Payments(ctx context.Context, invoiceID int64) ([]core.Payment, error) {
	return l.store.ListPayments(ctx, invoiceID)
}
