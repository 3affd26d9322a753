package summary

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bursar/internal/core"
	"bursar/internal/storage"
)

func newFixture(t *testing.T) (*Service, *storage.Repository) {
	t.Helper()
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "summary.db"))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return New(repo, 128, time.Minute), repo
}

func TestStudentSummaryReflectsLedgers(t *testing.T) {
	svc, repo := newFixture(t)
	ctx := context.Background()
	today := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	fs, err := repo.CreateFeeStructure(ctx, core.FeeStructure{
		Name: "Tuition", Amount: core.Money{Cents: 5000}, Frequency: core.Monthly, DueDay: 5, IsActive: true,
	})
	if err != nil {
		t.Fatalf("structure: %v", err)
	}
	inv, _, err := repo.InsertInvoiceIfAbsent(ctx, core.Invoice{
		StudentID:      "stu-1",
		FeeStructureID: fs.ID,
		PeriodStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		DueDate:        today.AddDate(0, 0, -5),
		AmountDue:      core.Money{Cents: 5000},
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if _, err := repo.CreateFine(ctx, core.Fine{
		StudentID: "stu-1", Type: "absence", Amount: core.Money{Cents: 300}, IssuedAt: today,
	}); err != nil {
		t.Fatalf("fine: %v", err)
	}

	got, err := svc.StudentSummary(ctx, "stu-1", today)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.Fees.PendingInvoices != 1 || got.Fees.OverdueInvoices != 1 || got.Fees.Outstanding.Cents != 5000 {
		t.Fatalf("fees: %+v", got.Fees)
	}
	if got.Fines.PendingFines != 1 || got.Fines.PendingAmount.Cents != 300 {
		t.Fatalf("fines: %+v", got.Fines)
	}

	// A payment made behind the cache is invisible until invalidation.
	if _, err := repo.ApplyPayment(ctx, inv.ID, core.Payment{Amount: core.Money{Cents: 5000}, PaidAt: today}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	stale, err := svc.StudentSummary(ctx, "stu-1", today)
	if err != nil {
		t.Fatalf("stale summary: %v", err)
	}
	if stale.Fees.Outstanding.Cents != 5000 {
		t.Fatalf("expected cached value, got %+v", stale.Fees)
	}

	svc.Invalidate("stu-1", today)
	fresh, err := svc.StudentSummary(ctx, "stu-1", today)
	if err != nil {
		t.Fatalf("fresh summary: %v", err)
	}
	if fresh.Fees.Outstanding.Cents != 0 || fresh.Fees.PendingInvoices != 0 || fresh.Fees.TotalPaid.Cents != 5000 {
		t.Fatalf("fresh fees: %+v", fresh.Fees)
	}
}

func TestStudentSummaryEmptyLedgers(t *testing.T) {
	svc, _ := newFixture(t)

	got, err := svc.StudentSummary(context.Background(), "stu-nobody", time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.Fees.PendingInvoices != 0 || got.Fees.Outstanding.Cents != 0 || got.Fines.TotalFines != 0 {
		t.Fatalf("empty summary: %+v", got)
	}
}
