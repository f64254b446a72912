package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type CheckSeverity string

const (
	SeverityCritical CheckSeverity = "critical"
	SeverityWarning  CheckSeverity = "warning"
	SeverityInfo     CheckSeverity = "info"
)

// CheckResult is the outcome of one invariant check.
type CheckResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Severity CheckSeverity  `json:"severity"`
	Details  string         `json:"details"`
	Data     map[string]any `json:"data,omitempty"`
}

// ValidationSummary aggregates a full check run. IsProductionReady is true
// when no critical check failed; warnings alone do not block.
type ValidationSummary struct {
	TotalTests        int  `json:"totalTests"`
	Passed            int  `json:"passed"`
	Failed            int  `json:"failed"`
	CriticalFailed    int  `json:"criticalFailed"`
	WarningFailed     int  `json:"warningFailed"`
	IsProductionReady bool `json:"isProductionReady"`
}

type ValidationReport struct {
	Summary ValidationSummary `json:"summary"`
	Tests   []CheckResult     `json:"tests"`
}

// ValidationService runs the invariant check battery against the live ledger.
// All checks are read-only, independent, and safe to run concurrently and
// repeatedly. They are not a single atomic snapshot: a check racing a
// concurrent posting may transiently mismatch, so one failing aggregate run
// means "re-check", not ground truth.
type ValidationService interface {
	RunAll(ctx context.Context, tenantID int) (*ValidationReport, error)
}

type validationService struct {
	pool *pgxpool.Pool
}

func NewValidationService(pool *pgxpool.Pool) ValidationService {
	return &validationService{pool: pool}
}

// balanceTolerance absorbs accumulated rounding on aggregate identities.
var balanceTolerance = decimal.RequireFromString("0.01")

// coverageChunkSize bounds the id lists sent to the store per coverage query.
const coverageChunkSize = 100

// perEntrySampleSize bounds the per-entry balance check to the first N posted
// entries; enough to catch systematic imbalance without scanning everything.
const perEntrySampleSize = 1000

type checkFn func(ctx context.Context, tenantID int) (CheckResult, error)

// RunAll executes every check in order. A single check's internal failure
// (error or panic) degrades to a reported failed result; it never aborts the
// batch.
func (s *validationService) RunAll(ctx context.Context, tenantID int) (*ValidationReport, error) {
	checks := []struct {
		id       string
		name     string
		severity CheckSeverity
		run      checkFn
	}{
		{"trial_balance", "Trial balance", SeverityCritical, s.checkTrialBalance},
		{"balance_sheet_equation", "Balance sheet equation", SeverityCritical, s.checkBalanceSheetEquation},
		{"no_draft_entries", "No draft journal entries", SeverityWarning, s.checkNoDraftEntries},
		{"invoice_coverage", "Invoice journal coverage", SeverityCritical, s.checkInvoiceCoverage},
		{"cogs_coverage", "COGS journal coverage", SeverityCritical, s.checkCOGSCoverage},
		{"return_coverage", "Sales return journal coverage", SeverityWarning, s.checkReturnCoverage},
		{"per_entry_balance", "Per-entry debit/credit balance", SeverityCritical, s.checkPerEntryBalance},
		{"cancelled_invoice_exclusion", "Cancelled invoice exclusion", SeverityWarning, s.checkCancelledInvoiceExclusion},
	}

	report := &ValidationReport{Tests: make([]CheckResult, 0, len(checks))}
	for _, c := range checks {
		res := safeRun(ctx, tenantID, c.run)
		res.ID = c.id
		res.Name = c.name
		res.Severity = c.severity
		report.Tests = append(report.Tests, res)
	}
	report.Summary = buildSummary(report.Tests)
	return report, nil
}

// safeRun contains a single check: an error or panic becomes a failed result
// instead of a request-level failure.
func safeRun(ctx context.Context, tenantID int, run checkFn) (res CheckResult) {
	defer func() {
		if rv := recover(); rv != nil {
			res = CheckResult{Passed: false, Details: fmt.Sprintf("check panicked: %v", rv)}
		}
	}()
	res, err := run(ctx, tenantID)
	if err != nil {
		return CheckResult{Passed: false, Details: "check failed to run: " + err.Error()}
	}
	return res
}

func buildSummary(tests []CheckResult) ValidationSummary {
	sum := ValidationSummary{TotalTests: len(tests)}
	for _, t := range tests {
		if t.Passed {
			sum.Passed++
			continue
		}
		sum.Failed++
		switch t.Severity {
		case SeverityCritical:
			sum.CriticalFailed++
		case SeverityWarning:
			sum.WarningFailed++
		}
	}
	sum.IsProductionReady = sum.CriticalFailed == 0
	return sum
}

// ── Check 1: trial balance ────────────────────────────────────────────────────

func (s *validationService) checkTrialBalance(ctx context.Context, tenantID int) (CheckResult, error) {
	var totalDebit, totalCredit decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(ll.debit), 0), COALESCE(SUM(ll.credit), 0)
		FROM ledger_lines ll
		JOIN ledger_entries le ON le.id = ll.entry_id
		WHERE le.tenant_id = $1 AND le.status = 'posted' AND le.deleted_at IS NULL
	`, tenantID).Scan(&totalDebit, &totalCredit)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to sum posted ledger lines: %w", err)
	}

	diff := totalDebit.Sub(totalCredit)
	passed := diff.Abs().LessThanOrEqual(balanceTolerance)
	return CheckResult{
		Passed: passed,
		Details: fmt.Sprintf("total debits %s, total credits %s, difference %s",
			totalDebit.StringFixed(2), totalCredit.StringFixed(2), diff.StringFixed(2)),
		Data: map[string]any{
			"totalDebits":  totalDebit.StringFixed(2),
			"totalCredits": totalCredit.StringFixed(2),
			"difference":   diff.StringFixed(2),
		},
	}, nil
}

// ── Check 2: balance sheet equation ───────────────────────────────────────────

// checkBalanceSheetEquation verifies Assets = Liabilities + Equity + NetIncome
// with each account balance computed as opening plus its signed posted
// movement (asset/expense: debit-credit; liability/equity/income:
// credit-debit).
func (s *validationService) checkBalanceSheetEquation(ctx context.Context, tenantID int) (CheckResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.type, a.opening_balance,
		       COALESCE(s.debit_total, 0), COALESCE(s.credit_total, 0)
		FROM accounts a
		LEFT JOIN (
		    SELECT ll.account_id,
		           SUM(ll.debit)  AS debit_total,
		           SUM(ll.credit) AS credit_total
		    FROM ledger_lines ll
		    JOIN ledger_entries le ON le.id = ll.entry_id
		    WHERE le.tenant_id = $1 AND le.status = 'posted' AND le.deleted_at IS NULL
		    GROUP BY ll.account_id
		) s ON s.account_id = a.id
		WHERE a.tenant_id = $1
	`, tenantID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to query account balances: %w", err)
	}
	defer rows.Close()

	var assets, liabilities, equity, income, expense decimal.Decimal
	for rows.Next() {
		var accType AccountType
		var opening, debit, credit decimal.Decimal
		if err := rows.Scan(&accType, &opening, &debit, &credit); err != nil {
			return CheckResult{}, fmt.Errorf("failed to scan account balance: %w", err)
		}
		switch accType {
		case Asset:
			assets = assets.Add(opening).Add(debit).Sub(credit)
		case Expense:
			expense = expense.Add(opening).Add(debit).Sub(credit)
		case Liability:
			liabilities = liabilities.Add(opening).Add(credit).Sub(debit)
		case Equity:
			equity = equity.Add(opening).Add(credit).Sub(debit)
		case Income:
			income = income.Add(opening).Add(credit).Sub(debit)
		}
	}
	if err := rows.Err(); err != nil {
		return CheckResult{}, fmt.Errorf("account balance iteration error: %w", err)
	}

	netIncome := income.Sub(expense)
	rhs := liabilities.Add(equity).Add(netIncome)
	diff := assets.Sub(rhs)
	return CheckResult{
		Passed: diff.Abs().LessThanOrEqual(balanceTolerance),
		Details: fmt.Sprintf("assets %s vs liabilities+equity+net income %s (difference %s)",
			assets.StringFixed(2), rhs.StringFixed(2), diff.StringFixed(2)),
		Data: map[string]any{
			"assets":      assets.StringFixed(2),
			"liabilities": liabilities.StringFixed(2),
			"equity":      equity.StringFixed(2),
			"netIncome":   netIncome.StringFixed(2),
			"difference":  diff.StringFixed(2),
		},
	}, nil
}

// ── Check 3: no draft entries ─────────────────────────────────────────────────

// Drafts are excluded from reports elsewhere, so leftovers signal an
// incomplete posting workflow rather than broken numbers; warning only.
func (s *validationService) checkNoDraftEntries(ctx context.Context, tenantID int) (CheckResult, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE tenant_id = $1 AND status = 'draft' AND deleted_at IS NULL
	`, tenantID).Scan(&count)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to count draft entries: %w", err)
	}
	return CheckResult{
		Passed:  count == 0,
		Details: fmt.Sprintf("%d draft journal entries found", count),
		Data:    map[string]any{"draftEntries": count},
	}, nil
}

// ── Checks 4-6: document→ledger coverage ──────────────────────────────────────

func (s *validationService) checkInvoiceCoverage(ctx context.Context, tenantID int) (CheckResult, error) {
	ids, err := s.documentIDs(ctx, `
		SELECT id FROM invoices
		WHERE tenant_id = $1 AND status IN ('sent', 'paid', 'partially_paid')
		ORDER BY id
	`, tenantID)
	if err != nil {
		return CheckResult{}, err
	}
	uncovered, err := s.countUncovered(ctx, tenantID, RefInvoice, ids)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Passed:  uncovered == 0,
		Details: fmt.Sprintf("%d of %d active invoices have no posted invoice journal entry", uncovered, len(ids)),
		Data:    map[string]any{"invoicesChecked": len(ids), "invoicesWithoutJournals": uncovered},
	}, nil
}

// Missing COGS entries overstate profit: revenue is booked but cost is not.
func (s *validationService) checkCOGSCoverage(ctx context.Context, tenantID int) (CheckResult, error) {
	ids, err := s.documentIDs(ctx, `
		SELECT id FROM invoices
		WHERE tenant_id = $1 AND status IN ('sent', 'paid', 'partially_paid')
		ORDER BY id
	`, tenantID)
	if err != nil {
		return CheckResult{}, err
	}
	uncovered, err := s.countUncovered(ctx, tenantID, RefInvoiceCOGS, ids)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Passed:  uncovered == 0,
		Details: fmt.Sprintf("%d of %d active invoices have no posted COGS journal entry", uncovered, len(ids)),
		Data:    map[string]any{"invoicesChecked": len(ids), "invoicesWithoutCOGS": uncovered},
	}, nil
}

func (s *validationService) checkReturnCoverage(ctx context.Context, tenantID int) (CheckResult, error) {
	ids, err := s.documentIDs(ctx, `
		SELECT id FROM sales_returns
		WHERE tenant_id = $1 AND status = 'completed'
		ORDER BY id
	`, tenantID)
	if err != nil {
		return CheckResult{}, err
	}
	uncovered, err := s.countUncovered(ctx, tenantID, RefSalesReturn, ids)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Passed:  uncovered == 0,
		Details: fmt.Sprintf("%d of %d completed returns have no posted return journal entry", uncovered, len(ids)),
		Data:    map[string]any{"returnsChecked": len(ids), "returnsWithoutJournals": uncovered},
	}, nil
}

func (s *validationService) documentIDs(ctx context.Context, query string, tenantID int) ([]int, error) {
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document ids: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// countUncovered returns how many of the given document ids have no posted
// ledger entry of the given reference type. Ids are checked in chunks so the
// id lists stay bounded regardless of tenant size.
func (s *validationService) countUncovered(ctx context.Context, tenantID int, refType string, ids []int) (int, error) {
	covered := make(map[int]bool, len(ids))
	for start := 0; start < len(ids); start += coverageChunkSize {
		end := start + coverageChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		rows, err := s.pool.Query(ctx, `
			SELECT DISTINCT reference_id FROM ledger_entries
			WHERE tenant_id = $1 AND reference_type = $2
			  AND status = 'posted' AND deleted_at IS NULL
			  AND reference_id = ANY($3)
		`, tenantID, refType, ids[start:end])
		if err != nil {
			return 0, fmt.Errorf("failed to query %s coverage: %w", refType, err)
		}
		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan covered id: %w", err)
			}
			covered[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("%s coverage iteration error: %w", refType, err)
		}
	}

	uncovered := 0
	for _, id := range ids {
		if !covered[id] {
			uncovered++
		}
	}
	return uncovered, nil
}

// ── Check 7: per-entry balance ────────────────────────────────────────────────

func (s *validationService) checkPerEntryBalance(ctx context.Context, tenantID int) (CheckResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT le.id, COALESCE(SUM(ll.debit), 0), COALESCE(SUM(ll.credit), 0)
		FROM ledger_entries le
		JOIN ledger_lines ll ON ll.entry_id = le.id
		WHERE le.tenant_id = $1 AND le.status = 'posted' AND le.deleted_at IS NULL
		GROUP BY le.id
		ORDER BY le.id
		LIMIT $2
	`, tenantID, perEntrySampleSize)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to query per-entry totals: %w", err)
	}
	defer rows.Close()

	checked := 0
	var offenders []int
	for rows.Next() {
		var id int
		var debit, credit decimal.Decimal
		if err := rows.Scan(&id, &debit, &credit); err != nil {
			return CheckResult{}, fmt.Errorf("failed to scan entry totals: %w", err)
		}
		checked++
		if debit.Sub(credit).Abs().GreaterThan(balanceTolerance) {
			offenders = append(offenders, id)
		}
	}
	if err := rows.Err(); err != nil {
		return CheckResult{}, fmt.Errorf("per-entry iteration error: %w", err)
	}

	reported := offenders
	if len(reported) > 5 {
		reported = reported[:5]
	}
	return CheckResult{
		Passed:  len(offenders) == 0,
		Details: fmt.Sprintf("%d of %d sampled entries are unbalanced", len(offenders), checked),
		Data: map[string]any{
			"entriesChecked":    checked,
			"unbalancedEntries": len(offenders),
			"offendingIDs":      reported,
		},
	}, nil
}

// ── Check 8: cancelled invoice exclusion ──────────────────────────────────────

// A cancelled invoice whose posted invoice entry was never compensated
// silently inflates revenue; warning severity because the fix is a targeted
// repair, not a data rebuild.
func (s *validationService) checkCancelledInvoiceExclusion(ctx context.Context, tenantID int) (CheckResult, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT i.id)
		FROM invoices i
		JOIN ledger_entries le ON le.tenant_id = i.tenant_id
		  AND le.reference_type = 'invoice' AND le.reference_id = i.id
		  AND le.status = 'posted' AND le.deleted_at IS NULL
		WHERE i.tenant_id = $1 AND i.status = 'cancelled'
	`, tenantID).Scan(&count)
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to count cancelled invoices with journals: %w", err)
	}
	return CheckResult{
		Passed:  count == 0,
		Details: fmt.Sprintf("%d cancelled invoices still have posted invoice journal entries", count),
		Data:    map[string]any{"cancelledWithJournals": count},
	}, nil
}
