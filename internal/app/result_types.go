package app

import "ledger-audit/internal/core"

// ValidationResult is returned by RunValidation.
type ValidationResult struct {
	TenantID int
	Report   *core.ValidationReport
}

// RepairResult is returned by RepairInvoice.
type RepairResult struct {
	TenantID      int
	InvoiceNumber string
	Summary       *core.RepairSummary
}
