package app

import (
	"context"

	"ledger-audit/internal/ai"
	"ledger-audit/internal/core"
)

// ApplicationService is the single interface all adapters (web, CLI) call.
// It decouples presentation from the consistency and repair logic; no
// implementation may contain display logic.
type ApplicationService interface {
	// RunValidation runs the full invariant check battery for a tenant.
	// One check's internal failure degrades to a reported failed result;
	// the batch itself only errors on store-level problems.
	RunValidation(ctx context.Context, tenantID int) (*ValidationResult, error)

	// RepairInvoice runs the five-phase compensating engine for one invoice
	// number. Concurrent invocations for the same (tenant, number) coalesce
	// onto a single execution; sequential re-invocation is always safe.
	// The returned summary is partial when err is non-nil: it reports the
	// phases that completed before the failure.
	RepairInvoice(ctx context.Context, req RepairInvoiceRequest) (*RepairResult, error)

	// AdviseOnFailures asks the remediation advisor for a prioritized plan
	// covering the failed checks of a validation report. Returns an error
	// when the advisor is not configured.
	AdviseOnFailures(ctx context.Context, report *core.ValidationReport) (*ai.RemediationPlan, error)

	// LoadDefaultTenant resolves the tenant CLI tools operate on. Uses the
	// TENANT_ID env var if set; otherwise expects exactly one tenant row.
	LoadDefaultTenant(ctx context.Context) (*core.Tenant, error)
}
