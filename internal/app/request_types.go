package app

// RepairInvoiceRequest is the input to RepairInvoice. TenantID comes from the
// resolved authentication context, never from the request body.
type RepairInvoiceRequest struct {
	TenantID            int    `json:"-"`
	InvoiceNumber       string `json:"invoice_number"`
	DeleteOriginalSales bool   `json:"delete_original_sales"`
}
