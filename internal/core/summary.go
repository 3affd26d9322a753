package core

// FeeSummary is a read-optimized per-student aggregate over the invoice
// ledger. It is recomputed from the ledger, never authoritative.
type FeeSummary struct {
	StudentID       string
	PendingInvoices int
	OverdueInvoices int
	Outstanding     Money
	TotalPaid       Money
}

// FineSummary is the fine-ledger counterpart.
type FineSummary struct {
	StudentID     string
	PendingFines  int
	PendingAmount Money
	TotalFines    int
	PaidAmount    Money
}

// StudentSummary bundles both projections for the read interface.
type StudentSummary struct {
	Fees  FeeSummary
	Fines FineSummary
}
