package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation errors are rejected before any write; conflict
// errors carry the existing state where meaningful; transient errors are
// retryable by the caller or the external scheduler.
var (
	// Validation
	ErrInvalidFrequency   = errors.New("unknown billing frequency")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDueDay      = errors.New("due day must be between 1 and 31")
	ErrInvalidGracePeriod = errors.New("grace period cannot be negative")
	ErrEmptyName          = errors.New("empty name")
	ErrEmptyStudent       = errors.New("empty student id")
	ErrEmptyFineType      = errors.New("empty fine type")
	ErrEmptyRecipient     = errors.New("empty recipient id")
	ErrInvalidNotifType   = errors.New("unknown notification type")
	ErrInvalidPriority    = errors.New("unknown notification priority")
	ErrEmptyWaiveReason   = errors.New("waive reason is required")

	// Not found
	ErrNotFound           = errors.New("not found")
	ErrInvoiceNotFound    = fmt.Errorf("invoice %w", ErrNotFound)
	ErrFineNotFound       = fmt.Errorf("fine %w", ErrNotFound)
	ErrStructureNotFound  = fmt.Errorf("fee structure %w", ErrNotFound)
	ErrAssignmentNotFound = fmt.Errorf("fee assignment %w", ErrNotFound)

	// Conflict
	ErrInvoiceCancelled  = errors.New("invoice is cancelled")
	ErrInvoicePaid       = errors.New("invoice is already fully paid")
	ErrFineResolved      = errors.New("fine is already resolved")
	ErrStructureInUse    = errors.New("fee structure is referenced by invoices")
	ErrDuplicateAssign   = errors.New("student already holds this fee assignment")
	ErrStructureInactive = errors.New("fee structure is inactive")
)

// OverpaymentError rejects a payment that would push amount_paid past
// amount_due. Excess is the amount by which the payment overshoots, so the
// caller can surface an actionable message.
type OverpaymentError struct {
	Excess Money
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment exceeds amount due by %s", e.Excess)
}

var validationErrs = []error{
	ErrInvalidFrequency, ErrInvalidAmount, ErrInvalidDueDay, ErrInvalidGracePeriod,
	ErrEmptyName, ErrEmptyStudent, ErrEmptyFineType, ErrEmptyRecipient,
	ErrInvalidNotifType, ErrInvalidPriority, ErrEmptyWaiveReason,
}

var conflictErrs = []error{
	ErrInvoiceCancelled, ErrInvoicePaid, ErrFineResolved,
	ErrStructureInUse, ErrDuplicateAssign, ErrStructureInactive,
}

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	for _, e := range validationErrs {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsConflict reports whether err belongs to the conflict class. Overpayment
// is a conflict: the authoritative invoice disagrees with the request.
func IsConflict(err error) bool {
	var op *OverpaymentError
	if errors.As(err, &op) {
		return true
	}
	for _, e := range conflictErrs {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means the target entity is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is worth retrying: anything outside the
// validation, conflict and not-found classes (storage or transport failures).
func IsTransient(err error) bool {
	return err != nil && !IsValidation(err) && !IsConflict(err) && !IsNotFound(err)
}
