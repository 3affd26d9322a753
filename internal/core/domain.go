package core

import (
	"strings"
	"time"
)

const (
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Annual    Frequency = "annual"
	OneTime   Frequency = "one_time"
)

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"

	// InvoiceOverdue is a derived read-time label, never stored.
	InvoiceOverdue InvoiceStatus = "overdue"
)

const (
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
	FineWaived  FineStatus = "waived"
)

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceLate    AttendanceStatus = "late"
)

type (
	Frequency        string
	InvoiceStatus    string
	FineStatus       string
	AttendanceStatus string

	// FeeStructure is a recurring-billing template. Amount, frequency and due
	// rule are frozen once an invoice references the structure; only IsActive
	// may be toggled after that.
	FeeStructure struct {
		ID              int64
		Name            string
		Amount          Money
		Frequency       Frequency
		DueDay          int // 1-31, clamped to month length at period calculation
		GracePeriodDays int
		IsActive        bool
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// FeeAssignment links a student to a fee structure. A student may hold
	// several concurrent assignments (tuition + transport and so on).
	FeeAssignment struct {
		ID             int64
		StudentID      string
		FeeStructureID int64
		IsActive       bool
		CreatedAt      time.Time
	}

	// Invoice is one billed period's obligation for one student under one fee
	// structure. The (StudentID, FeeStructureID, PeriodStart, PeriodEnd) tuple
	// is the generation idempotency key, enforced by a storage uniqueness
	// constraint. Invoices are never deleted, only cancelled.
	Invoice struct {
		ID             int64
		Number         string
		StudentID      string
		FeeStructureID int64
		PeriodStart    time.Time
		PeriodEnd      time.Time
		DueDate        time.Time
		AmountDue      Money
		AmountPaid     Money
		Status         InvoiceStatus
		GeneratedAt    time.Time
		CancelledAt    *time.Time
	}

	// Payment is an append-only record of money applied to an invoice.
	Payment struct {
		ID          int64
		InvoiceID   int64
		Amount      Money
		PaidAt      time.Time
		Method      string
		CollectedBy string
		Reference   string
	}

	// Fine is a discrete attendance- or staff-issued penalty. No partial
	// payments; pending resolves to exactly one of paid or waived.
	Fine struct {
		ID                 int64
		StudentID          string
		Type               string
		Amount             Money
		Status             FineStatus
		IssuedAt           time.Time
		PaidAt             *time.Time
		WaiveReason        string
		AttendanceRecordID *int64
		CreatedAt          time.Time
	}

	AttendanceRecord struct {
		ID        int64
		StudentID string
		Date      time.Time
		Status    AttendanceStatus
	}

	Student struct {
		ID   string
		Name string
	}

	// Guardian is a notification fan-out target linked to a student.
	Guardian struct {
		ID        int64
		StudentID string
		UserID    string
		Name      string
		Email     string
		Phone     string
	}
)

// Outstanding returns the unpaid remainder of the invoice.
func (inv Invoice) Outstanding() Money {
	return Money{Cents: inv.AmountDue.Cents - inv.AmountPaid.Cents}
}

// EffectiveStatus resolves the derived overdue label: a pending or partial
// invoice past its due date reads as overdue without any stored transition.
func (inv Invoice) EffectiveStatus(asOf time.Time) InvoiceStatus {
	if inv.IsOpen() && inv.DueDate.Before(truncateToDay(asOf)) {
		return InvoiceOverdue
	}
	return inv.Status
}

// IsOpen reports whether the invoice can still accept payments.
func (inv Invoice) IsOpen() bool {
	return inv.Status == InvoicePending || inv.Status == InvoicePartial
}

func (f Frequency) Valid() bool {
	switch f {
	case Monthly, Quarterly, Annual, OneTime:
		return true
	}
	return false
}

func (fs FeeStructure) Validate() error {
	if len(strings.TrimSpace(fs.Name)) == 0 {
		return ErrEmptyName
	}
	if fs.Amount.Cents < 0 {
		return ErrInvalidAmount
	}
	if !fs.Frequency.Valid() {
		return ErrInvalidFrequency
	}
	if fs.DueDay < 1 || fs.DueDay > 31 {
		return ErrInvalidDueDay
	}
	if fs.GracePeriodDays < 0 {
		return ErrInvalidGracePeriod
	}
	return nil
}

func (f Fine) Validate() error {
	if strings.TrimSpace(f.StudentID) == "" {
		return ErrEmptyStudent
	}
	if strings.TrimSpace(f.Type) == "" {
		return ErrEmptyFineType
	}
	if f.Amount.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DayKey formats an instant as the calendar-day component of an alert dedup
// key. Dedup is calendar-day granular in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
