package core_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ledger-audit/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func newRepairService(t *testing.T, pool *pgxpool.Pool) core.RepairService {
	t.Helper()
	svc, err := core.NewRepairService(pool, core.DefaultRepairConfig())
	if err != nil {
		t.Fatalf("NewRepairService failed: %v", err)
	}
	return svc
}

func onHand(t *testing.T, pool *pgxpool.Pool, productID int) decimal.Decimal {
	t.Helper()
	var qty decimal.Decimal
	err := pool.QueryRow(context.Background(), `
		SELECT quantity_on_hand FROM products WHERE id = $1
	`, productID).Scan(&qty)
	if err != nil {
		t.Fatalf("Failed to read on-hand quantity for product %d: %v", productID, err)
	}
	return qty
}

func TestRepair_MissingInvoiceNumber(t *testing.T) {
	// The precondition check runs before any store access.
	svc, err := core.NewRepairService(nil, core.DefaultRepairConfig())
	if err != nil {
		t.Fatalf("NewRepairService failed: %v", err)
	}

	summary, err := svc.RepairInvoice(context.Background(), testTenantID, "", false)
	if !errors.Is(err, core.ErrMissingInvoiceNumber) {
		t.Fatalf("expected ErrMissingInvoiceNumber, got %v", err)
	}
	if summary == nil || !summary.IsZero() {
		t.Errorf("expected an empty summary, got %+v", summary)
	}
}

func TestRepair_FullLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	invoiceID := seedInvoice(t, pool, "INV-1001", "sent", "115.00")
	productID := seedProduct(t, pool, "WIDGET", "10")

	invoiceEntryID := seedEntry(t, pool, "posted", core.RefInvoice, invoiceID, "Invoice INV-1001", []seedLine{
		{accAR, "115.00", "0"},
		{accRevenue, "0", "100.00"},
		{accVAT, "0", "15.00"},
	})
	cogsEntryID := seedEntry(t, pool, "posted", core.RefInvoiceCOGS, invoiceID, "COGS for invoice INV-1001", []seedLine{
		{accCOGS, "60.00", "0"},
		{accInventory, "0", "60.00"},
	})
	seedMovement(t, pool, productID, core.MovementSale, "-5", "Sale for invoice INV-1001")

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-1001", false)
	if err != nil {
		t.Fatalf("RepairInvoice failed: %v", err)
	}

	if summary.ReversedPaymentEntries != 0 {
		t.Errorf("expected 0 payment reversals, got %d", summary.ReversedPaymentEntries)
	}
	if summary.ReversedInvoiceEntries != 1 {
		t.Errorf("expected 1 invoice reversal, got %d", summary.ReversedInvoiceEntries)
	}
	if summary.ReversedCOGSEntries != 1 {
		t.Errorf("expected 1 COGS reversal, got %d", summary.ReversedCOGSEntries)
	}
	if summary.SaleReversalTransactions != 1 || summary.UpdatedProducts != 1 {
		t.Errorf("expected 1 sale reversal and 1 updated product, got %d/%d",
			summary.SaleReversalTransactions, summary.UpdatedProducts)
	}

	if got := onHand(t, pool, productID); !got.Equal(decimal.RequireFromString("15")) {
		t.Errorf("expected on-hand quantity 15 after reversal, got %s", got)
	}

	// The reversal entries reference their originals.
	var count int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3 AND status = 'posted'
	`, testTenantID, core.RefInvoiceReversal, invoiceEntryID).Scan(&count)
	if err != nil || count != 1 {
		t.Errorf("expected 1 invoice reversal entry referencing %d, got %d (err %v)", invoiceEntryID, count, err)
	}
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3 AND status = 'posted'
	`, testTenantID, core.RefInvoiceCOGSReversal, cogsEntryID).Scan(&count)
	if err != nil || count != 1 {
		t.Errorf("expected 1 COGS reversal entry referencing %d, got %d (err %v)", cogsEntryID, count, err)
	}

	// Compensation keeps the books balanced.
	report, err := core.NewValidationService(pool).RunAll(ctx, testTenantID)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if tb := findCheck(t, report, "trial_balance"); !tb.Passed {
		t.Errorf("trial balance broken after repair: %s", tb.Details)
	}
	if pe := findCheck(t, report, "per_entry_balance"); !pe.Passed {
		t.Errorf("unbalanced reversal entry created: %s", pe.Details)
	}

	// A second sequential run finds every guard satisfied.
	again, err := svc.RepairInvoice(ctx, testTenantID, "INV-1001", false)
	if err != nil {
		t.Fatalf("Second RepairInvoice failed: %v", err)
	}
	if !again.IsZero() {
		t.Errorf("expected an all-zero summary on the second run, got %+v", again)
	}
	if got := onHand(t, pool, productID); !got.Equal(decimal.RequireFromString("15")) {
		t.Errorf("second run moved on-hand quantity to %s", got)
	}
}

func TestRepair_PaymentReversalPrefersCustomerAdvance(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	paymentEntryID := seedEntry(t, pool, "posted", core.RefInvoicePayment, 0, "Payment for invoice INV-2002", []seedLine{
		{accCash, "115.00", "0"},
		{accAR, "0", "115.00"},
	})

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-2002", false)
	if err != nil {
		t.Fatalf("RepairInvoice failed: %v", err)
	}
	if summary.ReversedPaymentEntries != 1 {
		t.Fatalf("expected 1 payment reversal, got %d", summary.ReversedPaymentEntries)
	}

	// With a resolved customer-advance role the reversal re-debits AR and
	// credits advances, not cash.
	var arDebit, advanceCredit decimal.Decimal
	err = pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(ll.debit) FILTER (WHERE ll.account_id = $2), 0),
			COALESCE(SUM(ll.credit) FILTER (WHERE ll.account_id = $3), 0)
		FROM ledger_lines ll
		JOIN ledger_entries le ON le.id = ll.entry_id
		WHERE le.reference_type = $1 AND le.reference_id = $4
	`, core.RefInvoicePaymentReversal, accAR, accAdvance, paymentEntryID).Scan(&arDebit, &advanceCredit)
	if err != nil {
		t.Fatalf("Failed to inspect reversal lines: %v", err)
	}
	if !arDebit.Equal(decimal.RequireFromString("115")) {
		t.Errorf("expected AR debit 115, got %s", arDebit)
	}
	if !advanceCredit.Equal(decimal.RequireFromString("115")) {
		t.Errorf("expected customer advance credit 115, got %s", advanceCredit)
	}

	again, err := svc.RepairInvoice(ctx, testTenantID, "INV-2002", false)
	if err != nil {
		t.Fatalf("Second RepairInvoice failed: %v", err)
	}
	if again.ReversedPaymentEntries != 0 {
		t.Errorf("expected the existence guard to skip the reversed payment, got %d", again.ReversedPaymentEntries)
	}
}

func TestRepair_LegacyDuplicateCleanup(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "WIDGET", "10")
	seedMovement(t, pool, productID, core.MovementSale, "-5", "Sale for invoice INV-3003")
	// Untagged reversal written by the old code path.
	legacyID := seedMovement(t, pool, productID, core.MovementSaleReversal, "5", "Reversal of sale")

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-3003", false)
	if err != nil {
		t.Fatalf("RepairInvoice failed: %v", err)
	}

	// The untagged row does not count toward the delta, so a tagged reversal
	// is still created; the cleanup then removes the legacy row and takes its
	// quantity back out of stock.
	if summary.SaleReversalTransactions != 1 {
		t.Errorf("expected 1 sale reversal, got %d", summary.SaleReversalTransactions)
	}
	if summary.CleanupReversalDuplicatesDeleted != 1 {
		t.Errorf("expected 1 deleted duplicate, got %d", summary.CleanupReversalDuplicatesDeleted)
	}
	if summary.ProductsAdjustedDown != 1 {
		t.Errorf("expected 1 product adjusted down, got %d", summary.ProductsAdjustedDown)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM inventory_movements WHERE id = $1", legacyID).Scan(&count); err != nil {
		t.Fatalf("Failed to check legacy row: %v", err)
	}
	if count != 0 {
		t.Error("expected the legacy duplicate to be deleted")
	}

	// +5 from the new reversal, -5 from the cleanup: quantity is conserved.
	if got := onHand(t, pool, productID); !got.Equal(decimal.RequireFromString("10")) {
		t.Errorf("expected on-hand quantity 10 after cleanup, got %s", got)
	}
}

func TestRepair_AmbiguousReversalIsFlaggedNotDeleted(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "WIDGET", "10")
	seedMovement(t, pool, productID, core.MovementSale, "-3", "Sale for invoice INV-4004")
	// Reversal for a different document sharing the product.
	otherID := seedMovement(t, pool, productID, core.MovementSaleReversal, "2", "Reversal of sale for invoice INV-9999")

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-4004", false)
	if err != nil {
		t.Fatalf("RepairInvoice failed: %v", err)
	}

	if summary.CleanupReversalDuplicatesDeleted != 0 {
		t.Errorf("a reversal carrying another document number must never be deleted, got %d deletions",
			summary.CleanupReversalDuplicatesDeleted)
	}
	if summary.FlaggedForReview != 1 {
		t.Errorf("expected 1 row flagged for review, got %d", summary.FlaggedForReview)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM inventory_movements WHERE id = $1", otherID).Scan(&count); err != nil {
		t.Fatalf("Failed to check flagged row: %v", err)
	}
	if count != 1 {
		t.Error("expected the ambiguous reversal to survive cleanup")
	}
}

func TestRepair_DeleteOriginalSales(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "WIDGET", "10")
	saleID := seedMovement(t, pool, productID, core.MovementSale, "-5", "Sale for invoice INV-5005")

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-5005", true)
	if err != nil {
		t.Fatalf("RepairInvoice failed: %v", err)
	}

	if summary.DeletedOriginalSales != 1 {
		t.Errorf("expected 1 deleted sale movement, got %d", summary.DeletedOriginalSales)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM inventory_movements WHERE id = $1", saleID).Scan(&count); err != nil {
		t.Fatalf("Failed to check sale row: %v", err)
	}
	if count != 0 {
		t.Error("expected the original sale movement to be hard-deleted")
	}

	// The delete never touches on-hand; the reversal already restored it.
	if got := onHand(t, pool, productID); !got.Equal(decimal.RequireFromString("15")) {
		t.Errorf("expected on-hand quantity 15, got %s", got)
	}
}

func TestRepair_UnresolvedRoleSkipsPhaseOnly(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	// Remove the only expense account: the cogs role has no sub-type, keyword,
	// code, or type fallback left, so phase 3 must skip while the others run.
	if _, err := pool.Exec(ctx, "DELETE FROM accounts WHERE id = $1", accCOGS); err != nil {
		t.Fatalf("Failed to remove COGS account: %v", err)
	}

	invoiceID := seedInvoice(t, pool, "INV-8008", "sent", "115.00")
	productID := seedProduct(t, pool, "WIDGET", "10")
	seedEntry(t, pool, "posted", core.RefInvoice, invoiceID, "Invoice INV-8008", []seedLine{
		{accAR, "115.00", "0"},
		{accRevenue, "0", "100.00"},
		{accVAT, "0", "15.00"},
	})
	seedEntry(t, pool, "posted", core.RefInvoiceCOGS, invoiceID, "COGS for invoice INV-8008", []seedLine{
		{accInventory, "0", "60.00"},
	})
	seedMovement(t, pool, productID, core.MovementSale, "-5", "Sale for invoice INV-8008")

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-8008", false)
	if err != nil {
		t.Fatalf("expected a best-effort partial repair, got error: %v", err)
	}

	if summary.ReversedCOGSEntries != 0 {
		t.Errorf("expected the COGS phase to be skipped, got %d reversals", summary.ReversedCOGSEntries)
	}
	if len(summary.SkippedPhases) != 1 || !strings.Contains(summary.SkippedPhases[0], "cogs") {
		t.Errorf("expected the skipped COGS phase to be reported, got %v", summary.SkippedPhases)
	}

	// The remaining phases still complete.
	if summary.ReversedInvoiceEntries != 1 {
		t.Errorf("expected 1 invoice reversal, got %d", summary.ReversedInvoiceEntries)
	}
	if summary.SaleReversalTransactions != 1 {
		t.Errorf("expected 1 sale reversal, got %d", summary.SaleReversalTransactions)
	}
	if got := onHand(t, pool, productID); !got.Equal(decimal.RequireFromString("15")) {
		t.Errorf("expected on-hand quantity 15, got %s", got)
	}
}

func TestRepair_PaymentReversalCreditsOriginalCashLine(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	// Remove every liability account so the customer-advance role stays
	// unresolved and the credit preference falls through to the original's
	// cash line; add a fee account so the cash debit is not the first line.
	_, err := pool.Exec(ctx, `
		DELETE FROM accounts WHERE id IN ($1, $2);
		INSERT INTO accounts (id, tenant_id, code, name, type) VALUES (8, 1, '6100', 'Transaction Fees', 'expense');
	`, accVAT, accAdvance)
	if err != nil {
		t.Fatalf("Failed to reshape chart of accounts: %v", err)
	}
	const accFees = 8

	seedEntry(t, pool, "posted", core.RefInvoicePayment, 0, "Payment for invoice INV-7007", []seedLine{
		{accFees, "5.00", "0"},
		{accCash, "110.00", "0"},
		{accAR, "0", "115.00"},
	})

	svc := newRepairService(t, pool)
	summary, err := svc.RepairInvoice(ctx, testTenantID, "INV-7007", false)
	if err != nil {
		t.Fatalf("RepairInvoice failed: %v", err)
	}
	if summary.ReversedPaymentEntries != 1 {
		t.Fatalf("expected 1 payment reversal, got %d", summary.ReversedPaymentEntries)
	}

	// The reversal must credit the cash-role debit line, not the fee line
	// that happens to come first.
	var cashCredit, feeCredit decimal.Decimal
	err = pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(ll.credit) FILTER (WHERE ll.account_id = $2), 0),
			COALESCE(SUM(ll.credit) FILTER (WHERE ll.account_id = $3), 0)
		FROM ledger_lines ll
		JOIN ledger_entries le ON le.id = ll.entry_id
		WHERE le.reference_type = $1
	`, core.RefInvoicePaymentReversal, accCash, accFees).Scan(&cashCredit, &feeCredit)
	if err != nil {
		t.Fatalf("Failed to inspect reversal lines: %v", err)
	}
	if !cashCredit.Equal(decimal.RequireFromString("115")) {
		t.Errorf("expected cash credit 115, got %s", cashCredit)
	}
	if !feeCredit.IsZero() {
		t.Errorf("expected no credit against the fee account, got %s", feeCredit)
	}
}

func TestRepair_BackfillConverges(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	invoiceID := seedInvoice(t, pool, "INV-6006", "paid", "100.00")
	productID := seedProduct(t, pool, "WIDGET", "10")
	cogsEntryID := seedEntry(t, pool, "posted", core.RefInvoiceCOGS, invoiceID, "COGS for invoice INV-6006", []seedLine{
		{accCOGS, "40.00", "0"},
		{accInventory, "0", "40.00"},
	})
	_, err := pool.Exec(ctx, `
		INSERT INTO invoice_items (invoice_id, product_id, quantity, unit_price)
		VALUES ($1, $2, 4, '25.00')
	`, invoiceID, productID)
	if err != nil {
		t.Fatalf("Failed to seed invoice item: %v", err)
	}

	svc := newRepairService(t, pool)

	// Run 1: no movements exist, so the backfill synthesizes the missing sale
	// linked to the COGS entry.
	first, err := svc.RepairInvoice(ctx, testTenantID, "INV-6006", false)
	if err != nil {
		t.Fatalf("First RepairInvoice failed: %v", err)
	}
	if first.BackfilledSaleMovements != 1 {
		t.Errorf("expected 1 backfilled sale movement, got %d", first.BackfilledSaleMovements)
	}
	if first.SaleReversalTransactions != 0 {
		t.Errorf("expected no sale reversal before any sale exists, got %d", first.SaleReversalTransactions)
	}

	var qty decimal.Decimal
	var linkedEntry int
	err = pool.QueryRow(ctx, `
		SELECT quantity, ledger_entry_id FROM inventory_movements
		WHERE tenant_id = $1 AND product_id = $2 AND movement_type = 'sale'
	`, testTenantID, productID).Scan(&qty, &linkedEntry)
	if err != nil {
		t.Fatalf("Failed to read backfilled movement: %v", err)
	}
	if !qty.Equal(decimal.RequireFromString("-4")) {
		t.Errorf("expected backfilled quantity -4, got %s", qty)
	}
	if linkedEntry != cogsEntryID {
		t.Errorf("expected movement linked to COGS entry %d, got %d", cogsEntryID, linkedEntry)
	}

	// Run 2: the upsert key makes the backfill a no-op; the now-visible sale
	// gets its compensating reversal.
	second, err := svc.RepairInvoice(ctx, testTenantID, "INV-6006", false)
	if err != nil {
		t.Fatalf("Second RepairInvoice failed: %v", err)
	}
	if second.BackfilledSaleMovements != 0 {
		t.Errorf("expected no further backfill, got %d", second.BackfilledSaleMovements)
	}
	if second.SaleReversalTransactions != 1 {
		t.Errorf("expected the backfilled sale to be reversed, got %d", second.SaleReversalTransactions)
	}

	// Run 3: fixed point.
	third, err := svc.RepairInvoice(ctx, testTenantID, "INV-6006", false)
	if err != nil {
		t.Fatalf("Third RepairInvoice failed: %v", err)
	}
	if !third.IsZero() {
		t.Errorf("expected convergence by the third run, got %+v", third)
	}
}
