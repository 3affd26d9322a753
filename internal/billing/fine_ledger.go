package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bursar/internal/core"
	"bursar/internal/log"
)

// FineStore is the slice of the repository the fine ledger needs.
type FineStore interface {
	CreateFine(ctx context.Context, f core.Fine) (core.Fine, error)
	GetFine(ctx context.Context, id int64) (core.Fine, error)
	ResolveFine(ctx context.Context, id int64, status core.FineStatus, paidAt *time.Time, waiveReason string) (core.Fine, error)
	ListFinesByStudent(ctx context.Context, studentID string) ([]core.Fine, error)
	GuardiansForStudent(ctx context.Context, studentID string) ([]core.Guardian, error)
}

// Notifier creates the durable notification record and handles any
// out-of-band delivery. Implemented by the notify service.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) error
}

type FineLedger struct {
	store    FineStore
	notifier Notifier
	logger   *log.Logger
}

func NewFineLedger(store FineStore, notifier Notifier, logger *log.Logger) *FineLedger {
	return &FineLedger{store: store, notifier: notifier, logger: logger.WithComponent(log.ComponentBilling)}
}

// Issue records a fine and notifies the student's guardians. The fine write
// is the transaction; notification failures are logged, never rolled back
// into the caller.
func (l *FineLedger) Issue(ctx context.Context, f core.Fine) (core.Fine, error) {
	if err := f.Validate(); err != nil {
		return core.Fine{}, err
	}
	if f.IssuedAt.IsZero() {
		f.IssuedAt = time.Now().UTC()
	}

	created, err := l.store.CreateFine(ctx, f)
	if err != nil {
		return core.Fine{}, fmt.Errorf("issue fine: %w", err)
	}

	l.logger.InfoContext(ctx, "fine issued",
		log.FieldStudentID, created.StudentID,
		log.FieldFineID, created.ID,
		log.FieldAmountCents, created.Amount.Cents,
		"fine_type", created.Type)

	l.notifyGuardians(ctx, created)
	return created, nil
}

// Pay resolves a pending fine as paid in full. Fines have no partial
// payments.
func (l *FineLedger) Pay(ctx context.Context, fineID int64, paidAt time.Time) (core.Fine, error) {
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	f, err := l.store.ResolveFine(ctx, fineID, core.FinePaid, &paidAt, "")
	if err != nil {
		return core.Fine{}, err
	}
	l.logger.InfoContext(ctx, "fine paid", log.FieldFineID, f.ID, log.FieldAmountCents, f.Amount.Cents)
	return f, nil
}

// Waive resolves a pending fine without payment. The reason is mandatory and
// kept on the record.
func (l *FineLedger) Waive(ctx context.Context, fineID int64, reason string) (core.Fine, error) {
	if strings.TrimSpace(reason) == "" {
		return core.Fine{}, core.ErrEmptyWaiveReason
	}
	f, err := l.store.ResolveFine(ctx, fineID, core.FineWaived, nil, reason)
	if err != nil {
		return core.Fine{}, err
	}
	l.logger.InfoContext(ctx, "fine waived", log.FieldFineID, f.ID, "reason", reason)
	return f, nil
}

func (l *FineLedger) Fine(ctx context.Context, fineID int64) (core.Fine, error) {
	return l.store.GetFine(ctx, fineID)
}

func (l *FineLedger) StudentFines(ctx context.Context, studentID string) ([]core.Fine, error) {
	return l.store.ListFinesByStudent(ctx, studentID)
}

func (l *FineLedger) notifyGuardians(ctx context.Context, f core.Fine) {
	guardians, err := l.store.GuardiansForStudent(ctx, f.StudentID)
	if err != nil {
		l.logger.ErrorContext(ctx, "guardian lookup failed",
			log.FieldStudentID, f.StudentID, log.FieldError, err.Error())
		return
	}

	for _, g := range guardians {
		n := core.Notification{
			RecipientUserID: g.UserID,
			Type:            core.NotifFine,
			Priority:        core.PriorityUrgent,
			Title:           "Fine issued",
			Body:            fmt.Sprintf("A %s fine of %s has been issued for %s.", f.Type, f.Amount, f.StudentID),
			LinkType:        "fine",
			LinkID:          strconv.FormatInt(f.ID, 10),
		}
		if err := l.notifier.Notify(ctx, n); err != nil {
			l.logger.ErrorContext(ctx, "fine notification failed",
				log.FieldFineID, f.ID,
				log.FieldRecipient, g.UserID,
				log.FieldError, err.Error())
		}
	}
}
