package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	Asset     AccountType = "asset"
	Liability AccountType = "liability"
	Equity    AccountType = "equity"
	Income    AccountType = "income"
	Expense   AccountType = "expense"
)

// Account is one chart-of-accounts row. The account type is immutable once
// postings exist; this subsystem only ever reads accounts.
type Account struct {
	ID             int             `json:"id"`
	TenantID       int             `json:"tenant_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Type           AccountType     `json:"type"`
	SubType        string          `json:"sub_type,omitempty"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type Tenant struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type EntryStatus string

const (
	EntryDraft  EntryStatus = "draft"
	EntryPosted EntryStatus = "posted"
)

// Reference types a LedgerEntry can carry. The engine only ever creates the
// *_reversal variants; the forward types are written by the host application.
const (
	RefInvoice                = "invoice"
	RefInvoicePayment         = "invoice_payment"
	RefInvoiceCOGS            = "invoice_cogs"
	RefSalesReturn            = "sales_return"
	RefInvoiceReversal        = "invoice_reversal"
	RefInvoicePaymentReversal = "invoice_payment_reversal"
	RefInvoiceCOGSReversal    = "invoice_cogs_reversal"
)

// LedgerEntry is one atomic accounting event. A posted, non-deleted entry's
// lines must net to zero.
type LedgerEntry struct {
	ID            int          `json:"id"`
	TenantID      int          `json:"tenant_id"`
	ReferenceType string       `json:"reference_type"`
	ReferenceID   *int         `json:"reference_id,omitempty"`
	Status        EntryStatus  `json:"status"`
	EntryDate     time.Time    `json:"entry_date"`
	Description   string       `json:"description"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	Lines         []LedgerLine `json:"lines,omitempty"`
}

// LedgerLine is one debit/credit row. Exactly one of Debit/Credit is non-zero
// by convention.
type LedgerLine struct {
	ID        int             `json:"id"`
	EntryID   int             `json:"entry_id"`
	AccountID int             `json:"account_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}

// Movement types observed by this subsystem. Sale quantities are negative,
// sale reversals positive; the sign always matches the type.
const (
	MovementSale         = "sale"
	MovementSaleReversal = "sale_reversal"
)

// InventoryMovement is one signed quantity change. Note carries the business
// document number; LedgerEntryID is a weak back-reference used for lookup only.
type InventoryMovement struct {
	ID            int             `json:"id"`
	TenantID      int             `json:"tenant_id"`
	ProductID     int             `json:"product_id"`
	Type          string          `json:"movement_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Note          string          `json:"note"`
	ReferenceID   *int            `json:"reference_id,omitempty"`
	LedgerEntryID *int            `json:"ledger_entry_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Product struct {
	ID             int             `json:"id"`
	TenantID       int             `json:"tenant_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	QuantityOnHand decimal.Decimal `json:"quantity_on_hand"`
}

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePaid          InvoiceStatus = "paid"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

// Invoice status is owned by the host application; read-only here.
type Invoice struct {
	ID       int             `json:"id"`
	TenantID int             `json:"tenant_id"`
	Number   string          `json:"number"`
	Status   InvoiceStatus   `json:"status"`
	Total    decimal.Decimal `json:"total"`
}

type InvoiceItem struct {
	ID        int             `json:"id"`
	InvoiceID int             `json:"invoice_id"`
	ProductID int             `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SalesReturn struct {
	ID        int    `json:"id"`
	TenantID  int    `json:"tenant_id"`
	InvoiceID *int   `json:"invoice_id,omitempty"`
	Number    string `json:"number"`
	Status    string `json:"status"`
}
