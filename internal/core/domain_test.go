package core

import (
	"errors"
	"testing"
	"time"
)

func TestInvoiceEffectiveStatus(t *testing.T) {
	due := date(2025, time.January, 5)
	tests := []struct {
		name   string
		status InvoiceStatus
		asOf   time.Time
		want   InvoiceStatus
	}{
		{"pending before due", InvoicePending, date(2025, time.January, 4), InvoicePending},
		{"pending on due day", InvoicePending, date(2025, time.January, 5), InvoicePending},
		{"pending past due reads overdue", InvoicePending, date(2025, time.January, 6), InvoiceOverdue},
		{"partial past due reads overdue", InvoicePartial, date(2025, time.February, 1), InvoiceOverdue},
		{"paid never overdue", InvoicePaid, date(2025, time.February, 1), InvoicePaid},
		{"cancelled never overdue", InvoiceCancelled, date(2025, time.February, 1), InvoiceCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := Invoice{DueDate: due, Status: tt.status}
			if got := inv.EffectiveStatus(tt.asOf); got != tt.want {
				t.Errorf("EffectiveStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFeeStructureValidate(t *testing.T) {
	valid := FeeStructure{Name: "Tuition", Amount: Money{Cents: 5000}, Frequency: Monthly, DueDay: 5}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid structure = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*FeeStructure)
		wantErr error
	}{
		{"empty name", func(fs *FeeStructure) { fs.Name = "  " }, ErrEmptyName},
		{"negative amount", func(fs *FeeStructure) { fs.Amount.Cents = -1 }, ErrInvalidAmount},
		{"bad frequency", func(fs *FeeStructure) { fs.Frequency = "weekly" }, ErrInvalidFrequency},
		{"due day zero", func(fs *FeeStructure) { fs.DueDay = 0 }, ErrInvalidDueDay},
		{"due day 32", func(fs *FeeStructure) { fs.DueDay = 32 }, ErrInvalidDueDay},
		{"negative grace", func(fs *FeeStructure) { fs.GracePeriodDays = -1 }, ErrInvalidGracePeriod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := valid
			tt.mutate(&fs)
			if err := fs.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFineValidate(t *testing.T) {
	valid := Fine{StudentID: "s1", Type: "late_pickup", Amount: Money{Cents: 500}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid fine = %v", err)
	}
	zero := valid
	zero.Amount.Cents = 0
	if err := zero.Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero-amount fine: Validate() = %v, want ErrInvalidAmount", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsValidation(ErrInvalidFrequency) {
		t.Error("ErrInvalidFrequency should classify as validation")
	}
	if !IsConflict(&OverpaymentError{Excess: Money{Cents: 100}}) {
		t.Error("OverpaymentError should classify as conflict")
	}
	if !IsConflict(ErrFineResolved) {
		t.Error("ErrFineResolved should classify as conflict")
	}
	if !IsNotFound(ErrInvoiceNotFound) {
		t.Error("ErrInvoiceNotFound should classify as not found")
	}
	if IsValidation(ErrInvoiceNotFound) || IsConflict(ErrInvalidAmount) {
		t.Error("classes must not overlap")
	}
	if !IsTransient(errors.New("database is locked")) {
		t.Error("unclassified errors should be transient")
	}
	if IsTransient(ErrInvalidAmount) || IsTransient(nil) {
		t.Error("classified errors and nil are not transient")
	}
}

func TestOverpaymentErrorMessage(t *testing.T) {
	err := &OverpaymentError{Excess: Money{Cents: 150}}
	if got, want := err.Error(), "payment exceeds amount due by £1.50"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
