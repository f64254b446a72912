package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"ledger-audit/internal/ai"
	"ledger-audit/internal/core"
)

type appService struct {
	pool       *pgxpool.Pool
	validation core.ValidationService
	repair     core.RepairService
	advisor    ai.AdvisorService

	// repairs serializes same-document engine invocations: the phases'
	// existence checks are not safe against a concurrent twin, so duplicate
	// in-flight calls for one (tenant, number) key coalesce here.
	repairs singleflight.Group
}

// NewAppService wires the core services into the ApplicationService facade.
// advisor may be nil when no API key is configured.
func NewAppService(pool *pgxpool.Pool, validation core.ValidationService, repair core.RepairService, advisor ai.AdvisorService) ApplicationService {
	return &appService{pool: pool, validation: validation, repair: repair, advisor: advisor}
}

func (s *appService) RunValidation(ctx context.Context, tenantID int) (*ValidationResult, error) {
	report, err := s.validation.RunAll(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{TenantID: tenantID, Report: report}, nil
}

// repairOutcome carries both the (possibly partial) summary and the error
// through singleflight, so coalesced callers see the same partial state.
type repairOutcome struct {
	summary *core.RepairSummary
	err     error
}

func (s *appService) RepairInvoice(ctx context.Context, req RepairInvoiceRequest) (*RepairResult, error) {
	if req.InvoiceNumber == "" {
		return nil, core.ErrMissingInvoiceNumber
	}

	key := fmt.Sprintf("%d:%s", req.TenantID, req.InvoiceNumber)
	v, _, _ := s.repairs.Do(key, func() (any, error) {
		summary, err := s.repair.RepairInvoice(ctx, req.TenantID, req.InvoiceNumber, req.DeleteOriginalSales)
		return repairOutcome{summary: summary, err: err}, nil
	})

	outcome := v.(repairOutcome)
	result := &RepairResult{
		TenantID:      req.TenantID,
		InvoiceNumber: req.InvoiceNumber,
		Summary:       outcome.summary,
	}
	return result, outcome.err
}

func (s *appService) AdviseOnFailures(ctx context.Context, report *core.ValidationReport) (*ai.RemediationPlan, error) {
	if s.advisor == nil {
		return nil, errors.New("remediation advisor is not configured (set OPENAI_API_KEY)")
	}

	var failed []core.CheckResult
	for _, t := range report.Tests {
		if !t.Passed {
			failed = append(failed, t)
		}
	}
	if len(failed) == 0 {
		return &ai.RemediationPlan{Overview: "All checks passed; nothing to remediate."}, nil
	}
	return s.advisor.Advise(ctx, failed)
}

func (s *appService) LoadDefaultTenant(ctx context.Context) (*core.Tenant, error) {
	if raw := os.Getenv("TENANT_ID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TENANT_ID %q: %w", raw, err)
		}
		var t core.Tenant
		err = s.pool.QueryRow(ctx, "SELECT id, name FROM tenants WHERE id = $1", id).Scan(&t.ID, &t.Name)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %d not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load tenant %d: %w", id, err)
		}
		return &t, nil
	}

	rows, err := s.pool.Query(ctx, "SELECT id, name FROM tenants ORDER BY id LIMIT 2")
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []core.Tenant
	for rows.Next() {
		var t core.Tenant
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant iteration error: %w", err)
	}

	switch len(tenants) {
	case 0:
		return nil, errors.New("no tenants found — seed the tenants table or set TENANT_ID")
	case 1:
		return &tenants[0], nil
	default:
		return nil, errors.New("multiple tenants found — set TENANT_ID to pick one")
	}
}
