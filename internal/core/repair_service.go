package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrMissingInvoiceNumber is a precondition failure: nothing was attempted.
var ErrMissingInvoiceNumber = errors.New("invoice number is required")

// RepairSummary reports what each phase created or deleted. A second
// sequential run for the same document yields an all-zero summary.
type RepairSummary struct {
	ReversedPaymentEntries           int      `json:"reversed_payment_entries"`
	ReversedInvoiceEntries           int      `json:"reversed_invoice_entries"`
	ReversedCOGSEntries              int      `json:"reversed_cogs_entries"`
	SaleReversalTransactions         int      `json:"sale_reversal_transactions"`
	UpdatedProducts                  int      `json:"updated_products"`
	DeletedOriginalSales             int      `json:"deleted_original_sales"`
	CleanupReversalDuplicatesDeleted int      `json:"cleanup_reversal_duplicates_deleted,omitempty"`
	ProductsAdjustedDown             int      `json:"products_adjusted_down,omitempty"`
	FlaggedForReview                 int      `json:"flagged_for_review,omitempty"`
	BackfilledSaleMovements          int      `json:"backfilled_sale_movements,omitempty"`
	SkippedPhases                    []string `json:"skipped_phases,omitempty"`
}

// IsZero reports whether the run changed nothing.
func (s *RepairSummary) IsZero() bool {
	return s.ReversedPaymentEntries == 0 && s.ReversedInvoiceEntries == 0 &&
		s.ReversedCOGSEntries == 0 && s.SaleReversalTransactions == 0 &&
		s.UpdatedProducts == 0 && s.DeletedOriginalSales == 0 &&
		s.CleanupReversalDuplicatesDeleted == 0 && s.ProductsAdjustedDown == 0 &&
		s.BackfilledSaleMovements == 0
}

// RepairService undoes everything tied to one invoice number by posting
// compensating entries and reversal movements until the document's net ledger
// effect is zero.
//
// The five phases are strictly ordered and independently idempotent. No
// cross-phase transaction exists: a store failure aborts the remaining phases
// of the current call, and re-invocation lets the per-phase guards finish
// what remains. Concurrent invocations for the same document are a known
// race; callers must serialize per document (the app facade does).
type RepairService interface {
	RepairInvoice(ctx context.Context, tenantID int, invoiceNumber string, deleteOriginalSales bool) (*RepairSummary, error)
}

type repairService struct {
	pool          *pgxpool.Pool
	cfg           RepairConfig
	numberPattern *regexp.Regexp
}

func NewRepairService(pool *pgxpool.Pool, cfg RepairConfig) (RepairService, error) {
	re, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	return &repairService{pool: pool, cfg: cfg, numberPattern: re}, nil
}

func (s *repairService) RepairInvoice(ctx context.Context, tenantID int, invoiceNumber string, deleteOriginalSales bool) (*RepairSummary, error) {
	summary := &RepairSummary{}
	if invoiceNumber == "" {
		return summary, ErrMissingInvoiceNumber
	}

	roles, err := s.loadRoles(ctx, tenantID)
	if err != nil {
		return summary, err
	}

	if err := s.reversePayments(ctx, tenantID, invoiceNumber, roles, summary); err != nil {
		return summary, err
	}
	if err := s.reverseInvoiceEntries(ctx, tenantID, invoiceNumber, roles, summary); err != nil {
		return summary, err
	}
	if err := s.reverseCOGSEntries(ctx, tenantID, invoiceNumber, roles, summary); err != nil {
		return summary, err
	}
	affected, err := s.reverseInventory(ctx, tenantID, invoiceNumber, deleteOriginalSales, summary)
	if err != nil {
		return summary, err
	}
	if err := s.cleanupLegacyReversals(ctx, tenantID, invoiceNumber, affected, summary); err != nil {
		return summary, err
	}

	// Backfill is a convenience, not a correctness requirement for the
	// invoked reversal: log and swallow.
	if err := s.backfillSaleMovements(ctx, tenantID, invoiceNumber, summary); err != nil {
		log.Printf("repair %s: sale movement backfill skipped: %v", invoiceNumber, err)
	}

	return summary, nil
}

func (s *repairService) loadRoles(ctx context.Context, tenantID int) (RoleMap, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, code, name, type, COALESCE(sub_type, ''), opening_balance
		FROM accounts
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart of accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Type, &a.SubType, &a.OpeningBalance); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account iteration error: %w", err)
	}
	return ResolveRoles(accounts), nil
}

// matchedEntry is one posted original entry tied to the document.
type matchedEntry struct {
	id    int
	lines []LedgerLine
}

// matchedEntries finds posted, non-deleted entries of the given reference
// type whose description carries the document number.
func (s *repairService) matchedEntries(ctx context.Context, tenantID int, refType, invoiceNumber string) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM ledger_entries
		WHERE tenant_id = $1 AND reference_type = $2
		  AND status = 'posted' AND deleted_at IS NULL
		  AND description ILIKE '%' || $3 || '%'
		ORDER BY id
	`, tenantID, refType, invoiceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s entries for %s: %w", refType, invoiceNumber, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entry id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func loadLinesTx(ctx context.Context, tx pgx.Tx, entryID int) ([]LedgerLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, entry_id, account_id, debit, credit
		FROM ledger_lines WHERE entry_id = $1 ORDER BY id
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lines for entry %d: %w", entryID, err)
	}
	defer rows.Close()

	var lines []LedgerLine
	for rows.Next() {
		var l LedgerLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &l.Debit, &l.Credit); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// reversalExistsTx is the idempotency guard: a reversal entry of the given
// type already pointing at the original means this original is done.
func reversalExistsTx(ctx context.Context, tx pgx.Tx, tenantID int, reversalType string, originalID int) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3
			  AND deleted_at IS NULL
		)
	`, tenantID, reversalType, originalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing %s of entry %d: %w", reversalType, originalID, err)
	}
	return exists, nil
}

// insertReversalEntryTx creates a posted reversal entry referencing the
// original plus its balanced lines. Amounts are copied from the original's
// lines, never recomputed, so the new entry balances exactly.
func insertReversalEntryTx(ctx context.Context, tx pgx.Tx, tenantID int, reversalType string, originalID int, description string, lines []LedgerLine) error {
	var entryID int
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (tenant_id, reference_type, reference_id, status, entry_date, description)
		VALUES ($1, $2, $3, 'posted', $4, $5)
		RETURNING id
	`, tenantID, reversalType, originalID, time.Now().Format("2006-01-02"), description).Scan(&entryID)
	if err != nil {
		return fmt.Errorf("failed to insert %s entry for %d: %w", reversalType, originalID, err)
	}

	for _, line := range lines {
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_lines (entry_id, account_id, debit, credit)
			VALUES ($1, $2, $3, $4)
		`, entryID, line.AccountID, line.Debit, line.Credit)
		if err != nil {
			return fmt.Errorf("failed to insert reversal line: %w", err)
		}
	}
	return nil
}

// ── Phase 1: reverse payments ─────────────────────────────────────────────────

// reversePayments posts, per original payment entry, a balanced entry
// debiting AR and crediting the best available counter-account: the resolved
// customer-advance role, then the original cash line's concrete account, then
// the cash role, then the bank role.
func (s *repairService) reversePayments(ctx context.Context, tenantID int, invoiceNumber string, roles RoleMap, sum *RepairSummary) error {
	arID, ok := roles.AccountID(RoleAR)
	if !ok {
		sum.SkippedPhases = append(sum.SkippedPhases, "payments: accounts-receivable role unresolved")
		return nil
	}

	ids, err := s.matchedEntries(ctx, tenantID, RefInvoicePayment, invoiceNumber)
	if err != nil {
		return err
	}

	for _, originalID := range ids {
		// Each original's check+insert pair runs in its own transaction.
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin payment reversal tx: %w", err)
		}

		created, err := s.reverseOnePayment(ctx, tx, tenantID, invoiceNumber, originalID, arID, roles)
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		if !created {
			tx.Rollback(ctx)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit payment reversal for entry %d: %w", originalID, err)
		}
		sum.ReversedPaymentEntries++
	}
	return nil
}

func (s *repairService) reverseOnePayment(ctx context.Context, tx pgx.Tx, tenantID int, invoiceNumber string, originalID, arID int, roles RoleMap) (bool, error) {
	exists, err := reversalExistsTx(ctx, tx, tenantID, RefInvoicePaymentReversal, originalID)
	if err != nil || exists {
		return false, err
	}

	lines, err := loadLinesTx(ctx, tx, originalID)
	if err != nil {
		return false, err
	}

	// Amount: the AR credit line first, total debits as fallback. The cash
	// line is the debit against the resolved cash or bank account; fee or
	// rounding debits may precede it, so first-debit is only a last resort.
	cashRoleID, _ := roles.AccountID(RoleCash)
	bankRoleID, _ := roles.AccountID(RoleBank)
	amount := decimal.Zero
	var cashAccountID, firstDebitID int
	for _, l := range lines {
		if l.AccountID == arID && l.Credit.IsPositive() {
			amount = amount.Add(l.Credit)
		}
		if l.Debit.IsPositive() {
			if firstDebitID == 0 {
				firstDebitID = l.AccountID
			}
			if cashAccountID == 0 && (l.AccountID == cashRoleID || l.AccountID == bankRoleID) {
				cashAccountID = l.AccountID
			}
		}
	}
	if cashAccountID == 0 {
		cashAccountID = firstDebitID
	}
	if amount.IsZero() {
		for _, l := range lines {
			amount = amount.Add(l.Debit)
		}
	}
	if amount.IsZero() {
		return false, nil
	}

	creditAccountID := 0
	if id, ok := roles.AccountID(RoleCustomerAdvance); ok {
		creditAccountID = id
	} else if cashAccountID != 0 {
		creditAccountID = cashAccountID
	} else if id, ok := roles.AccountID(RoleCash); ok {
		creditAccountID = id
	} else if id, ok := roles.AccountID(RoleBank); ok {
		creditAccountID = id
	}
	if creditAccountID == 0 {
		return false, nil
	}

	desc := fmt.Sprintf("Reversal of payment for invoice %s (entry %d)", invoiceNumber, originalID)
	err = insertReversalEntryTx(ctx, tx, tenantID, RefInvoicePaymentReversal, originalID, desc, []LedgerLine{
		{AccountID: arID, Debit: amount, Credit: decimal.Zero},
		{AccountID: creditAccountID, Debit: decimal.Zero, Credit: amount},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ── Phase 2: reverse invoice revenue ──────────────────────────────────────────

// reverseInvoiceEntries credits AR and debits revenue (plus VAT-payable when
// the role is resolved and the original carries a VAT amount) for each posted
// invoice entry tied to the document.
func (s *repairService) reverseInvoiceEntries(ctx context.Context, tenantID int, invoiceNumber string, roles RoleMap, sum *RepairSummary) error {
	arID, arOK := roles.AccountID(RoleAR)
	revenueID, revOK := roles.AccountID(RoleRevenue)
	if !arOK || !revOK {
		sum.SkippedPhases = append(sum.SkippedPhases, "invoice: accounts-receivable or revenue role unresolved")
		return nil
	}
	vatID, vatOK := roles.AccountID(RoleVATPayable)

	ids, err := s.matchedEntries(ctx, tenantID, RefInvoice, invoiceNumber)
	if err != nil {
		return err
	}

	for _, originalID := range ids {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin invoice reversal tx: %w", err)
		}

		created, err := func() (bool, error) {
			exists, err := reversalExistsTx(ctx, tx, tenantID, RefInvoiceReversal, originalID)
			if err != nil || exists {
				return false, err
			}
			lines, err := loadLinesTx(ctx, tx, originalID)
			if err != nil {
				return false, err
			}

			var revenueAmt, vatAmt, arTotal decimal.Decimal
			for _, l := range lines {
				if l.AccountID == revenueID {
					revenueAmt = revenueAmt.Add(l.Credit)
				}
				if vatOK && l.AccountID == vatID {
					vatAmt = vatAmt.Add(l.Credit)
				}
				if l.AccountID == arID {
					arTotal = arTotal.Add(l.Debit)
				}
			}
			if revenueAmt.IsZero() {
				// No recognizable revenue line: fall back to the AR total and
				// skip the VAT split, since the total already includes it.
				revenueAmt = arTotal
				vatAmt = decimal.Zero
			}
			if revenueAmt.IsZero() {
				return false, nil
			}

			reversal := []LedgerLine{
				{AccountID: revenueID, Debit: revenueAmt, Credit: decimal.Zero},
			}
			if vatAmt.IsPositive() {
				reversal = append(reversal, LedgerLine{AccountID: vatID, Debit: vatAmt, Credit: decimal.Zero})
			}
			reversal = append(reversal, LedgerLine{
				AccountID: arID, Debit: decimal.Zero, Credit: revenueAmt.Add(vatAmt),
			})

			desc := fmt.Sprintf("Reversal of invoice %s (entry %d)", invoiceNumber, originalID)
			if err := insertReversalEntryTx(ctx, tx, tenantID, RefInvoiceReversal, originalID, desc, reversal); err != nil {
				return false, err
			}
			return true, nil
		}()
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		if !created {
			tx.Rollback(ctx)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit invoice reversal for entry %d: %w", originalID, err)
		}
		sum.ReversedInvoiceEntries++
	}
	return nil
}

// ── Phase 3: reverse COGS ─────────────────────────────────────────────────────

func (s *repairService) reverseCOGSEntries(ctx context.Context, tenantID int, invoiceNumber string, roles RoleMap, sum *RepairSummary) error {
	inventoryID, invOK := roles.AccountID(RoleInventory)
	cogsID, cogsOK := roles.AccountID(RoleCOGS)
	if !invOK || !cogsOK {
		sum.SkippedPhases = append(sum.SkippedPhases, "cogs: inventory or cogs role unresolved")
		return nil
	}

	ids, err := s.matchedEntries(ctx, tenantID, RefInvoiceCOGS, invoiceNumber)
	if err != nil {
		return err
	}

	for _, originalID := range ids {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin cogs reversal tx: %w", err)
		}

		created, err := func() (bool, error) {
			exists, err := reversalExistsTx(ctx, tx, tenantID, RefInvoiceCOGSReversal, originalID)
			if err != nil || exists {
				return false, err
			}
			lines, err := loadLinesTx(ctx, tx, originalID)
			if err != nil {
				return false, err
			}

			// The original COGS debit amount; total debits when the original
			// was posted against a differently-resolved account.
			amount := decimal.Zero
			for _, l := range lines {
				if l.AccountID == cogsID {
					amount = amount.Add(l.Debit)
				}
			}
			if amount.IsZero() {
				for _, l := range lines {
					amount = amount.Add(l.Debit)
				}
			}
			if amount.IsZero() {
				return false, nil
			}

			desc := fmt.Sprintf("Reversal of COGS for invoice %s (entry %d)", invoiceNumber, originalID)
			err = insertReversalEntryTx(ctx, tx, tenantID, RefInvoiceCOGSReversal, originalID, desc, []LedgerLine{
				{AccountID: inventoryID, Debit: amount, Credit: decimal.Zero},
				{AccountID: cogsID, Debit: decimal.Zero, Credit: amount},
			})
			if err != nil {
				return false, err
			}
			return true, nil
		}()
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		if !created {
			tx.Rollback(ctx)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit cogs reversal for entry %d: %w", originalID, err)
		}
		sum.ReversedCOGSEntries++
	}
	return nil
}

// ── Phase 4: reverse inventory at quantity granularity ────────────────────────

// reverseInventory computes, per product, needed = max(0, saleQty −
// reversedQty) and inserts one sale_reversal of exactly that delta. The delta
// formulation is the idempotent fixed point: a second run computes zero.
// Returns the ids of every product touched by the document's movements.
func (s *repairService) reverseInventory(ctx context.Context, tenantID int, invoiceNumber string, deleteOriginalSales bool, sum *RepairSummary) ([]int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin inventory reversal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	saleQty, err := movementTotalsTx(ctx, tx, tenantID, MovementSale, invoiceNumber, true)
	if err != nil {
		return nil, err
	}
	reversedQty, err := movementTotalsTx(ctx, tx, tenantID, MovementSaleReversal, invoiceNumber, false)
	if err != nil {
		return nil, err
	}

	affected := make(map[int]bool, len(saleQty))
	for id := range saleQty {
		affected[id] = true
	}
	for id := range reversedQty {
		affected[id] = true
	}

	productIDs := make([]int, 0, len(affected))
	for id := range affected {
		productIDs = append(productIDs, id)
	}
	sort.Ints(productIDs)

	note := saleReversalNote(invoiceNumber)
	for _, productID := range productIDs {
		needed := saleQty[productID].Sub(reversedQty[productID])
		if !needed.IsPositive() {
			continue
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO inventory_movements (tenant_id, product_id, movement_type, quantity, note)
			VALUES ($1, $2, 'sale_reversal', $3, $4)
		`, tenantID, productID, needed, note)
		if err != nil {
			return nil, fmt.Errorf("failed to insert sale reversal for product %d: %w", productID, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE products SET quantity_on_hand = quantity_on_hand + $1
			WHERE id = $2 AND tenant_id = $3
		`, needed, productID, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to restore on-hand quantity for product %d: %w", productID, err)
		}

		sum.SaleReversalTransactions++
		sum.UpdatedProducts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit inventory reversal: %w", err)
	}

	// Hard delete of the original sale rows happens only after the reversal
	// rows are committed. On-hand is untouched: the reversal above already
	// restored it.
	if deleteOriginalSales {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM inventory_movements
			WHERE tenant_id = $1 AND movement_type = 'sale'
			  AND note ILIKE '%' || $2 || '%'
		`, tenantID, invoiceNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to delete original sale movements: %w", err)
		}
		sum.DeletedOriginalSales = int(tag.RowsAffected())
	}

	return productIDs, nil
}

// movementTotalsTx sums per-product quantities of the given movement type
// whose note carries the document number. negate flips sale quantities
// (stored negative) into positive magnitudes.
func movementTotalsTx(ctx context.Context, tx pgx.Tx, tenantID int, movementType, invoiceNumber string, negate bool) (map[int]decimal.Decimal, error) {
	rows, err := tx.Query(ctx, `
		SELECT product_id, COALESCE(SUM(quantity), 0)
		FROM inventory_movements
		WHERE tenant_id = $1 AND movement_type = $2
		  AND note ILIKE '%' || $3 || '%'
		GROUP BY product_id
	`, tenantID, movementType, invoiceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to sum %s movements: %w", movementType, err)
	}
	defer rows.Close()

	totals := make(map[int]decimal.Decimal)
	for rows.Next() {
		var productID int
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan movement total: %w", err)
		}
		if negate {
			qty = qty.Neg()
		}
		totals[productID] = qty
	}
	return totals, rows.Err()
}

// ── Phase 4b: legacy duplicate cleanup ────────────────────────────────────────

// cleanupLegacyReversals deletes sale_reversal rows for the affected products
// that match the generic note template but carry no document number at all —
// a historical bug class that wrote untagged reversals. Rows carrying any
// document number, even a different one, are never touched; template-matching
// rows with other number-like text are flagged for manual review.
func (s *repairService) cleanupLegacyReversals(ctx context.Context, tenantID int, invoiceNumber string, productIDs []int, sum *RepairSummary) error {
	if len(productIDs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin duplicate cleanup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, product_id, quantity, note
		FROM inventory_movements
		WHERE tenant_id = $1 AND movement_type = 'sale_reversal'
		  AND product_id = ANY($2)
		ORDER BY id
	`, tenantID, productIDs)
	if err != nil {
		return fmt.Errorf("failed to query sale reversals for cleanup: %w", err)
	}

	type reversalRow struct {
		id        int
		productID int
		quantity  decimal.Decimal
	}
	var toDelete []reversalRow
	for rows.Next() {
		var r reversalRow
		var note string
		if err := rows.Scan(&r.id, &r.productID, &r.quantity, &note); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan sale reversal row: %w", err)
		}
		switch classifyReversalNote(note, invoiceNumber, s.cfg.LegacyReversalNotePrefix, s.numberPattern) {
		case noteLegacyDuplicate:
			toDelete = append(toDelete, r)
		case noteAmbiguous:
			sum.FlaggedForReview++
			log.Printf("repair %s: ambiguous sale reversal %d left for manual review (note %q)", invoiceNumber, r.id, note)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cleanup iteration error: %w", err)
	}

	adjusted := make(map[int]bool)
	for _, r := range toDelete {
		if _, err := tx.Exec(ctx, "DELETE FROM inventory_movements WHERE id = $1", r.id); err != nil {
			return fmt.Errorf("failed to delete duplicate reversal %d: %w", r.id, err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE products SET quantity_on_hand = quantity_on_hand - $1
			WHERE id = $2 AND tenant_id = $3
		`, r.quantity, r.productID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to adjust product %d after cleanup: %w", r.productID, err)
		}
		sum.CleanupReversalDuplicatesDeleted++
		adjusted[r.productID] = true
	}
	sum.ProductsAdjustedDown += len(adjusted)

	return tx.Commit(ctx)
}

// ── Phase 5: backfill missing sale movement linkage ───────────────────────────

// backfillSaleMovements synthesizes sale movements for invoice line items
// that have a posted COGS entry but no movement linked to it. The upsert key
// (ledger_entry_id, product_id, movement_type) makes re-runs no-ops.
func (s *repairService) backfillSaleMovements(ctx context.Context, tenantID int, invoiceNumber string, sum *RepairSummary) error {
	var invoiceID int
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM invoices WHERE tenant_id = $1 AND number = $2
	`, tenantID, invoiceNumber).Scan(&invoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up invoice %s: %w", invoiceNumber, err)
	}

	var cogsEntryID int
	err = s.pool.QueryRow(ctx, `
		SELECT id FROM ledger_entries
		WHERE tenant_id = $1 AND reference_type = 'invoice_cogs' AND reference_id = $2
		  AND status = 'posted' AND deleted_at IS NULL
		ORDER BY id
		LIMIT 1
	`, tenantID, invoiceID).Scan(&cogsEntryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up COGS entry for invoice %s: %w", invoiceNumber, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT product_id, quantity FROM invoice_items WHERE invoice_id = $1 ORDER BY id
	`, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice items: %w", err)
	}
	defer rows.Close()

	type item struct {
		productID int
		quantity  decimal.Decimal
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.productID, &it.quantity); err != nil {
			return fmt.Errorf("failed to scan invoice item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("invoice item iteration error: %w", err)
	}

	note := backfillSaleNote(invoiceNumber)
	for _, it := range items {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO inventory_movements (tenant_id, product_id, movement_type, quantity, note, reference_id, ledger_entry_id)
			VALUES ($1, $2, 'sale', $3, $4, $5, $6)
			ON CONFLICT (ledger_entry_id, product_id, movement_type) WHERE ledger_entry_id IS NOT NULL DO NOTHING
		`, tenantID, it.productID, it.quantity.Neg(), note, invoiceID, cogsEntryID)
		if err != nil {
			return fmt.Errorf("failed to backfill sale movement for product %d: %w", it.productID, err)
		}
		sum.BackfilledSaleMovements += int(tag.RowsAffected())
	}
	return nil
}
