package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"ledger-audit/internal/app"
	"ledger-audit/internal/core"
	"ledger-audit/internal/db"
)

// repair-invoice runs the five-phase compensating engine for one invoice
// number from the terminal. The intended operator flow is verify-ledger →
// repair-invoice → verify-ledger to confirm convergence.
func main() {
	_ = godotenv.Load()

	tenantFlag := flag.Int("tenant", 0, "tenant id (default: the single configured tenant)")
	invoice := flag.String("invoice", "", "invoice number to repair (required)")
	deleteSales := flag.Bool("delete-sales", false, "hard-delete original sale movements after reversal")
	flag.Parse()

	if *invoice == "" {
		fmt.Fprintln(os.Stderr, "usage: repair-invoice -invoice <number> [-tenant <id>] [-delete-sales]")
		os.Exit(2)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	validation := core.NewValidationService(pool)
	repair, err := core.NewRepairService(pool, core.RepairConfigFromEnv())
	if err != nil {
		log.Fatalf("repair config: %v", err)
	}

	svc := app.NewAppService(pool, validation, repair, nil)

	tenantID := *tenantFlag
	if tenantID == 0 {
		tenant, err := svc.LoadDefaultTenant(ctx)
		if err != nil {
			log.Fatalf("tenant: %v", err)
		}
		tenantID = tenant.ID
	}

	result, err := svc.RepairInvoice(ctx, app.RepairInvoiceRequest{
		TenantID:            tenantID,
		InvoiceNumber:       *invoice,
		DeleteOriginalSales: *deleteSales,
	})
	if result != nil && result.Summary != nil {
		out, _ := json.MarshalIndent(result.Summary, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		log.Fatalf("repair aborted (completed phases are kept; re-run to finish): %v", err)
	}

	if result.Summary.IsZero() {
		fmt.Printf("nothing to do for %s — prior repair already converged\n", *invoice)
	}
}
