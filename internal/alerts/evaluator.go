// Package alerts evaluates the billing and attendance rules that turn ledger
// state into notifications. Every alert fires through the alert log first, so
// re-running a check is always safe.
package alerts

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bursar/internal/core"
	"bursar/internal/log"
)

// Store is the slice of the repository the evaluator reads and the alert log
// it claims dedup keys against.
type Store interface {
	ListOpenInvoicesDueBefore(ctx context.Context, day time.Time) ([]core.Invoice, error)
	ListOpenInvoicesDueBetween(ctx context.Context, from, to time.Time) ([]core.Invoice, error)
	ListStudentsWithAttendanceOn(ctx context.Context, day time.Time) ([]string, error)
	ListAttendance(ctx context.Context, studentID string, limit int) ([]core.AttendanceRecord, error)
	GuardiansForStudent(ctx context.Context, studentID string) ([]core.Guardian, error)
	RecordAlert(ctx context.Context, kind, dedupKey string) (bool, error)
	FineExistsForAttendance(ctx context.Context, attendanceRecordID int64) (bool, error)
}

// Notifier creates notifications for fired alerts.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) error
}

// FineIssuer lets the absence rule raise an automatic fine. Implemented by
// the fine ledger.
type FineIssuer interface {
	Issue(ctx context.Context, f core.Fine) (core.Fine, error)
}

// Config tunes the evaluator's rules.
type Config struct {
	DueSoonWindowDays     int // upcoming-fee window, inclusive of the last day
	AbsenceAlertThreshold int // consecutive absences before guardians are alerted
	AbsenceFineThreshold  int // consecutive absences before a fine is issued
	AbsenceFineCents      int64
	Parallelism           int
}

// Result reports one rule's pass: how many alerts fired, how many were
// suppressed by the alert log, and the per-item failures.
type Result struct {
	Fired   int
	Deduped int
	Errors  []error
}

// AllResults bundles one CheckAll pass.
type AllResults struct {
	Overdue  Result
	Upcoming Result
	Absences Result
}

type Evaluator struct {
	store    Store
	notifier Notifier
	fines    FineIssuer
	cfg      Config
	logger   *log.Logger
}

func NewEvaluator(store Store, notifier Notifier, fines FineIssuer, cfg Config, logger *log.Logger) *Evaluator {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Evaluator{
		store:    store,
		notifier: notifier,
		fines:    fines,
		cfg:      cfg,
		logger:   logger.WithComponent(log.ComponentAlerts),
	}
}

// CheckAll runs every rule for the given day. Rules are independent; one
// failing never stops the others.
func (e *Evaluator) CheckAll(ctx context.Context, asOf time.Time) AllResults {
	return AllResults{
		Overdue:  e.CheckOverdue(ctx, asOf),
		Upcoming: e.CheckUpcoming(ctx, asOf),
		Absences: e.CheckAbsences(ctx, asOf),
	}
}

// CheckOverdue alerts guardians about open invoices past their due date.
// The dedup key is per invoice per day: re-running the check the same day is
// silent, the next day it reminds again while the invoice stays unpaid.
func (e *Evaluator) CheckOverdue(ctx context.Context, asOf time.Time) Result {
	var res Result

	invoices, err := e.store.ListOpenInvoicesDueBefore(ctx, asOf)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list overdue: %w", err))
		return res
	}

	for _, inv := range invoices {
		key := fmt.Sprintf("overdue:%d:%s", inv.ID, core.DayKey(asOf))
		fired, err := e.store.RecordAlert(ctx, "overdue", key)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("invoice %d: %w", inv.ID, err))
			continue
		}
		if !fired {
			res.Deduped++
			continue
		}

		days := int(asOf.UTC().Truncate(24*time.Hour).Sub(inv.DueDate) / (24 * time.Hour))
		e.notifyGuardians(ctx, &res, inv.StudentID, core.Notification{
			Type:     core.NotifFeeAlert,
			Priority: core.PriorityUrgent,
			Title:    "Fee payment overdue",
			Body: fmt.Sprintf("Invoice %s for %s is %d day(s) overdue. Outstanding: %s.",
				inv.Number, inv.StudentID, days, inv.Outstanding()),
			LinkType: "invoice",
			LinkID:   strconv.FormatInt(inv.ID, 10),
		}, key)
	}

	e.logResult(ctx, "overdue", res)
	return res
}

// CheckUpcoming reminds guardians about open invoices due within the
// configured window, today included.
func (e *Evaluator) CheckUpcoming(ctx context.Context, asOf time.Time) Result {
	var res Result

	from := asOf.UTC().Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, e.cfg.DueSoonWindowDays)
	invoices, err := e.store.ListOpenInvoicesDueBetween(ctx, from, to)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list upcoming: %w", err))
		return res
	}

	for _, inv := range invoices {
		key := fmt.Sprintf("upcoming:%d:%s", inv.ID, core.DayKey(asOf))
		fired, err := e.store.RecordAlert(ctx, "upcoming", key)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("invoice %d: %w", inv.ID, err))
			continue
		}
		if !fired {
			res.Deduped++
			continue
		}

		e.notifyGuardians(ctx, &res, inv.StudentID, core.Notification{
			Type:     core.NotifFeeAlert,
			Priority: core.PriorityNormal,
			Title:    "Fee payment due soon",
			Body: fmt.Sprintf("Invoice %s for %s is due on %s. Outstanding: %s.",
				inv.Number, inv.StudentID, inv.DueDate.Format("02 Jan 2006"), inv.Outstanding()),
			LinkType: "invoice",
			LinkID:   strconv.FormatInt(inv.ID, 10),
		}, key)
	}

	e.logResult(ctx, "upcoming", res)
	return res
}

// CheckAbsences walks each student with an attendance record on the given
// day and measures their run of consecutive absent days ending there. At the
// alert threshold guardians are notified; the dedup key carries the streak
// length, so the alert re-fires as the streak grows but never twice for the
// same day. At the fine threshold exactly one automatic fine is issued,
// anchored to the day's attendance record.
func (e *Evaluator) CheckAbsences(ctx context.Context, asOf time.Time) Result {
	var res Result

	students, err := e.store.ListStudentsWithAttendanceOn(ctx, asOf)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list students: %w", err))
		return res
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, studentID := range students {
		studentID := studentID
		g.Go(func() error {
			sub := e.checkStudentAbsence(gctx, studentID, asOf)
			mu.Lock()
			res.Fired += sub.Fired
			res.Deduped += sub.Deduped
			res.Errors = append(res.Errors, sub.Errors...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.logResult(ctx, "absence", res)
	return res
}

func (e *Evaluator) checkStudentAbsence(ctx context.Context, studentID string, asOf time.Time) Result {
	var res Result

	lookback := e.cfg.AbsenceFineThreshold + e.cfg.AbsenceAlertThreshold + 8
	recs, err := e.store.ListAttendance(ctx, studentID, lookback)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("student %s: %w", studentID, err))
		return res
	}

	streak, anchor := absenceStreak(recs, asOf)
	if streak == 0 {
		return res
	}

	if streak >= e.cfg.AbsenceAlertThreshold {
		key := fmt.Sprintf("absence:%s:%s:streak:%d", studentID, core.DayKey(asOf), streak)
		fired, err := e.store.RecordAlert(ctx, "absence", key)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("student %s: %w", studentID, err))
		} else if !fired {
			res.Deduped++
		} else {
			e.notifyGuardians(ctx, &res, studentID, core.Notification{
				Type:     core.NotifAttendance,
				Priority: core.PriorityUrgent,
				Title:    "Repeated absences",
				Body:     fmt.Sprintf("%s has been absent for %d consecutive school days.", studentID, streak),
				LinkType: "student",
				LinkID:   studentID,
			}, key)
		}
	}

	if e.fines != nil && streak == e.cfg.AbsenceFineThreshold && e.cfg.AbsenceFineCents > 0 {
		exists, err := e.store.FineExistsForAttendance(ctx, anchor.ID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("student %s: %w", studentID, err))
			return res
		}
		if !exists {
			if _, err := e.fines.Issue(ctx, core.Fine{
				StudentID:          studentID,
				Type:               "absence",
				Amount:             core.Money{Cents: e.cfg.AbsenceFineCents},
				IssuedAt:           asOf,
				AttendanceRecordID: &anchor.ID,
			}); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("student %s fine: %w", studentID, err))
			}
		}
	}

	return res
}

// absenceStreak counts consecutive absent records ending on asOf, walking
// recorded school days newest first. Weekends and holidays leave no record
// and therefore do not break a streak. Returns the streak length and the
// record for asOf itself.
func absenceStreak(recs []core.AttendanceRecord, asOf time.Time) (int, core.AttendanceRecord) {
	if len(recs) == 0 {
		return 0, core.AttendanceRecord{}
	}
	if core.DayKey(recs[0].Date) != core.DayKey(asOf) || recs[0].Status != core.AttendanceAbsent {
		return 0, core.AttendanceRecord{}
	}

	streak := 0
	for _, r := range recs {
		if r.Status != core.AttendanceAbsent {
			break
		}
		streak++
	}
	return streak, recs[0]
}

func (e *Evaluator) notifyGuardians(ctx context.Context, res *Result, studentID string, n core.Notification, dedupKey string) {
	guardians, err := e.store.GuardiansForStudent(ctx, studentID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("guardians for %s: %w", studentID, err))
		return
	}

	res.Fired++
	for _, g := range guardians {
		n := n
		n.RecipientUserID = g.UserID
		if err := e.notifier.Notify(ctx, n); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("notify %s: %w", g.UserID, err))
			e.logger.ErrorContext(ctx, "alert notification failed",
				log.FieldDedupKey, dedupKey,
				log.FieldRecipient, g.UserID,
				log.FieldError, err.Error())
		}
	}
}

func (e *Evaluator) logResult(ctx context.Context, kind string, res Result) {
	e.logger.InfoContext(ctx, "alert check complete",
		"kind", kind,
		"fired", res.Fired,
		"deduped", res.Deduped,
		"errors", len(res.Errors))
}
