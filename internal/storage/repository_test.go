package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bursar/internal/core"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "bursar.db"))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedInvoice(t *testing.T, repo *Repository, studentID string, structureID int64, due time.Time, amountCents int64) core.Invoice {
	t.Helper()
	inv, created, err := repo.InsertInvoiceIfAbsent(context.Background(), core.Invoice{
		StudentID:      studentID,
		FeeStructureID: structureID,
		PeriodStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		DueDate:        due,
		AmountDue:      core.Money{Cents: amountCents},
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	if !created {
		t.Fatalf("seed invoice: expected fresh insert")
	}
	return inv
}

func seedStructure(t *testing.T, repo *Repository) core.FeeStructure {
	t.Helper()
	fs, err := repo.CreateFeeStructure(context.Background(), core.FeeStructure{
		Name:      "Monthly Tuition",
		Amount:    core.Money{Cents: 5000},
		Frequency: core.Monthly,
		DueDay:    5,
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("seed structure: %v", err)
	}
	return fs
}

func TestInsertInvoiceIfAbsentIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)

	inv := core.Invoice{
		StudentID:      "stu-1",
		FeeStructureID: fs.ID,
		PeriodStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		DueDate:        time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		AmountDue:      core.Money{Cents: 5000},
		GeneratedAt:    time.Now().UTC(),
	}

	first, created, err := repo.InsertInvoiceIfAbsent(ctx, inv)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created {
		t.Fatal("first insert should create")
	}
	if first.Number == "" {
		t.Fatal("created invoice should carry a number")
	}

	second, created, err := repo.InsertInvoiceIfAbsent(ctx, inv)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("second insert must not create a duplicate")
	}
	if second.ID != first.ID || second.Number != first.Number {
		t.Fatalf("second insert returned a different invoice: %+v vs %+v", second, first)
	}

	list, err := repo.ListInvoicesByStudent(ctx, "stu-1")
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("want exactly one invoice, got %d", len(list))
	}
}

func TestInsertInvoiceIfAbsentConcurrentSameKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)

	inv := core.Invoice{
		StudentID:      "stu-1",
		FeeStructureID: fs.ID,
		PeriodStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		DueDate:        time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		AmountDue:      core.Money{Cents: 5000},
		GeneratedAt:    time.Now().UTC(),
	}

	// Race N writers on the same (student, structure, period) key. Exactly
	// one may win the insert; everyone must read back the same row.
	const writers = 16
	type result struct {
		inv     core.Invoice
		created bool
		err     error
	}
	results := make([]result, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, created, err := repo.InsertInvoiceIfAbsent(ctx, inv)
			results[i] = result{inv: got, created: created, err: err}
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i, r := range results {
		if r.err != nil {
			t.Fatalf("writer %d: %v", i, r.err)
		}
		if r.created {
			createdCount++
		}
		if r.inv.ID != results[0].inv.ID || r.inv.Number != results[0].inv.Number {
			t.Fatalf("writer %d saw a different invoice: %+v vs %+v", i, r.inv, results[0].inv)
		}
	}
	if createdCount != 1 {
		t.Fatalf("want exactly one winning insert, got %d", createdCount)
	}

	list, err := repo.ListInvoicesByStudent(ctx, "stu-1")
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("want exactly one stored invoice, got %d", len(list))
	}
}

func TestApplyPayment(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)
	inv := seedInvoice(t, repo, "stu-1", fs.ID, time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC), 5000)

	pay := func(cents int64) (core.Invoice, error) {
		return repo.ApplyPayment(ctx, inv.ID, core.Payment{
			Amount: core.Money{Cents: cents},
			PaidAt: time.Now().UTC(),
			Method: "cash",
		})
	}

	got, err := pay(2000)
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if got.Status != core.InvoicePartial {
		t.Fatalf("status after partial: got %s", got.Status)
	}
	if got.Outstanding().Cents != 3000 {
		t.Fatalf("outstanding after partial: got %d", got.Outstanding().Cents)
	}

	if _, err := pay(4000); err == nil {
		t.Fatal("overpayment should be rejected")
	} else {
		var over *core.OverpaymentError
		if !errors.As(err, &over) {
			t.Fatalf("want OverpaymentError, got %v", err)
		}
		if over.Excess.Cents != 1000 {
			t.Fatalf("excess: got %d", over.Excess.Cents)
		}
	}

	got, err = pay(3000)
	if err != nil {
		t.Fatalf("settling payment: %v", err)
	}
	if got.Status != core.InvoicePaid {
		t.Fatalf("status after settle: got %s", got.Status)
	}

	// A settled invoice has paid == due, so even one more cent is an
	// overpayment.
	if _, err := pay(1); err == nil {
		t.Fatal("payment on paid invoice should be rejected")
	} else {
		var over *core.OverpaymentError
		if !errors.As(err, &over) {
			t.Fatalf("want OverpaymentError on paid invoice, got %v", err)
		}
		if over.Excess.Cents != 1 {
			t.Fatalf("excess on paid invoice: got %d", over.Excess.Cents)
		}
	}

	payments, err := repo.ListPayments(ctx, inv.ID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("want 2 payments recorded, got %d", len(payments))
	}
}

func TestCancelInvoice(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)
	inv := seedInvoice(t, repo, "stu-1", fs.ID, time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC), 5000)

	got, err := repo.CancelInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != core.InvoiceCancelled || got.CancelledAt == nil {
		t.Fatalf("cancel result: %+v", got)
	}

	// Cancelling again is a no-op, not an error.
	if _, err := repo.CancelInvoice(ctx, inv.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}

	if _, err := repo.ApplyPayment(ctx, inv.ID, core.Payment{Amount: core.Money{Cents: 100}, PaidAt: time.Now()}); !errors.Is(err, core.ErrInvoiceCancelled) {
		t.Fatalf("payment on cancelled invoice: got %v", err)
	}
}

func TestDueDateQueries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)

	mk := func(student string, due time.Time) {
		t.Helper()
		if _, _, err := repo.InsertInvoiceIfAbsent(ctx, core.Invoice{
			StudentID:      student,
			FeeStructureID: fs.ID,
			PeriodStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
			DueDate:        due,
			AmountDue:      core.Money{Cents: 5000},
			GeneratedAt:    time.Now().UTC(),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	today := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	mk("stu-past", today.AddDate(0, 0, -3))
	mk("stu-today", today)
	mk("stu-soon", today.AddDate(0, 0, 2))
	mk("stu-far", today.AddDate(0, 0, 20))

	overdue, err := repo.ListOpenInvoicesDueBefore(ctx, today)
	if err != nil {
		t.Fatalf("due before: %v", err)
	}
	if len(overdue) != 1 || overdue[0].StudentID != "stu-past" {
		t.Fatalf("overdue query: %+v", overdue)
	}

	upcoming, err := repo.ListOpenInvoicesDueBetween(ctx, today, today.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("due between: %v", err)
	}
	if len(upcoming) != 2 {
		t.Fatalf("want invoices due today and in 2 days, got %+v", upcoming)
	}
}

func TestResolveFine(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	f, err := repo.CreateFine(ctx, core.Fine{
		StudentID: "stu-1",
		Type:      "late_attendance",
		Amount:    core.Money{Cents: 500},
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create fine: %v", err)
	}

	now := time.Now().UTC()
	paid, err := repo.ResolveFine(ctx, f.ID, core.FinePaid, &now, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paid.Status != core.FinePaid || paid.PaidAt == nil {
		t.Fatalf("resolved fine: %+v", paid)
	}

	if _, err := repo.ResolveFine(ctx, f.ID, core.FineWaived, nil, "duplicate"); !errors.Is(err, core.ErrFineResolved) {
		t.Fatalf("re-resolve: got %v", err)
	}

	if _, err := repo.ResolveFine(ctx, 9999, core.FinePaid, &now, ""); !errors.Is(err, core.ErrFineNotFound) {
		t.Fatalf("missing fine: got %v", err)
	}
}

func TestRecordAlertDedup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fired, err := repo.RecordAlert(ctx, "overdue", "overdue:42:2025-01-10")
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if !fired {
		t.Fatal("first claim should fire")
	}

	fired, err = repo.RecordAlert(ctx, "overdue", "overdue:42:2025-01-10")
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if fired {
		t.Fatal("repeat claim must be suppressed")
	}

	fired, err = repo.RecordAlert(ctx, "overdue", "overdue:42:2025-01-11")
	if err != nil {
		t.Fatalf("next-day record: %v", err)
	}
	if !fired {
		t.Fatal("new key should fire")
	}
}

func TestNotificationLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n := core.Notification{
		ID:              "11111111-1111-1111-1111-111111111111",
		RecipientUserID: "guardian-1",
		Type:            core.NotifFeeAlert,
		Priority:        core.PriorityUrgent,
		Title:           "Fee overdue",
		Body:            "Invoice INV-000001 is overdue.",
		LinkType:        "invoice",
		LinkID:          "1",
		EmailState:      core.EmailQueued,
		CreatedAt:       time.Now().UTC(),
	}
	if err := repo.CreateNotification(ctx, n); err != nil {
		t.Fatalf("create: %v", err)
	}

	unread, err := repo.ListNotifications(ctx, "guardian-1", core.NotificationFilter{UnreadOnly: true})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != n.ID {
		t.Fatalf("unread list: %+v", unread)
	}

	if err := repo.MarkNotificationRead(ctx, "guardian-1", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Idempotent second read.
	if err := repo.MarkNotificationRead(ctx, "guardian-1", n.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	// A different recipient cannot touch it.
	if err := repo.MarkNotificationRead(ctx, "guardian-2", n.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign mark read: got %v", err)
	}

	count, err := repo.UnreadCount(ctx, "guardian-1")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("unread count after read: %d", count)
	}

	if err := repo.SetNotificationEmailState(ctx, n.ID, core.EmailSent); err != nil {
		t.Fatalf("email state: %v", err)
	}
	got, err := repo.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EmailState != core.EmailSent || !got.IsRead || got.ReadAt == nil {
		t.Fatalf("final state: %+v", got)
	}
}

func TestAttendanceUpsertAndStreakOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	days := []struct {
		date   time.Time
		status core.AttendanceStatus
	}{
		{time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), core.AttendancePresent},
		{time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC), core.AttendanceAbsent},
		{time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC), core.AttendanceAbsent},
	}
	for _, d := range days {
		if _, err := repo.AddAttendance(ctx, core.AttendanceRecord{StudentID: "stu-1", Date: d.date, Status: d.status}); err != nil {
			t.Fatalf("add attendance: %v", err)
		}
	}

	// Correcting a day replaces the record instead of duplicating it.
	if _, err := repo.AddAttendance(ctx, core.AttendanceRecord{
		StudentID: "stu-1",
		Date:      time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		Status:    core.AttendanceLate,
	}); err != nil {
		t.Fatalf("correct attendance: %v", err)
	}

	recs, err := repo.ListAttendance(ctx, "stu-1", 0)
	if err != nil {
		t.Fatalf("list attendance: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("want 3 records, got %d", len(recs))
	}
	if recs[0].Date.Day() != 8 || recs[2].Status != core.AttendanceLate {
		t.Fatalf("order or correction wrong: %+v", recs)
	}

	ids, err := repo.ListStudentsWithAttendanceOn(ctx, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("students on day: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stu-1" {
		t.Fatalf("students on day: %+v", ids)
	}
}

func TestSummaries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)

	today := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	mk := func(period time.Month, due time.Time) core.Invoice {
		t.Helper()
		inv, _, err := repo.InsertInvoiceIfAbsent(ctx, core.Invoice{
			StudentID:      "stu-1",
			FeeStructureID: fs.ID,
			PeriodStart:    time.Date(2025, period, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:      time.Date(2025, period, 28, 0, 0, 0, 0, time.UTC),
			DueDate:        due,
			AmountDue:      core.Money{Cents: 5000},
			GeneratedAt:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return inv
	}

	overdue := mk(time.January, today.AddDate(0, 0, -5))
	mk(time.February, today.AddDate(0, 0, 20))
	if _, err := repo.ApplyPayment(ctx, overdue.ID, core.Payment{Amount: core.Money{Cents: 2000}, PaidAt: today}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	fees, err := repo.FeeSummary(ctx, "stu-1", today)
	if err != nil {
		t.Fatalf("fee summary: %v", err)
	}
	if fees.PendingInvoices != 2 || fees.OverdueInvoices != 1 {
		t.Fatalf("invoice counts: %+v", fees)
	}
	if fees.Outstanding.Cents != 8000 || fees.TotalPaid.Cents != 2000 {
		t.Fatalf("invoice amounts: %+v", fees)
	}

	f, err := repo.CreateFine(ctx, core.Fine{StudentID: "stu-1", Type: "absence", Amount: core.Money{Cents: 300}, IssuedAt: today})
	if err != nil {
		t.Fatalf("create fine: %v", err)
	}
	if _, err := repo.CreateFine(ctx, core.Fine{StudentID: "stu-1", Type: "absence", Amount: core.Money{Cents: 400}, IssuedAt: today}); err != nil {
		t.Fatalf("create fine: %v", err)
	}
	if _, err := repo.ResolveFine(ctx, f.ID, core.FinePaid, &today, ""); err != nil {
		t.Fatalf("resolve fine: %v", err)
	}

	fines, err := repo.FineSummary(ctx, "stu-1")
	if err != nil {
		t.Fatalf("fine summary: %v", err)
	}
	if fines.PendingFines != 1 || fines.PendingAmount.Cents != 400 {
		t.Fatalf("pending fines: %+v", fines)
	}
	if fines.TotalFines != 2 || fines.PaidAmount.Cents != 300 {
		t.Fatalf("fine totals: %+v", fines)
	}
}

func TestAssignments(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fs := seedStructure(t, repo)

	if _, err := repo.CreateAssignment(ctx, "stu-1", fs.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := repo.CreateAssignment(ctx, "stu-1", fs.ID); !errors.Is(err, core.ErrDuplicateAssign) {
		t.Fatalf("duplicate assign: got %v", err)
	}

	active, err := repo.ListActiveAssignments(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active assignments: %+v", active)
	}

	// Disabling the structure removes its assignments from the active set.
	if err := repo.SetFeeStructureActive(ctx, fs.ID, false); err != nil {
		t.Fatalf("disable structure: %v", err)
	}
	active, err = repo.ListActiveAssignments(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active assignments after disable: %+v", active)
	}
}
