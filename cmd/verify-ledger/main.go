package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"ledger-audit/internal/ai"
	"ledger-audit/internal/app"
	"ledger-audit/internal/core"
	"ledger-audit/internal/db"
)

// verify-ledger runs the full invariant check battery from the terminal.
// Exit code 1 when any critical check fails, so it can gate deploys.
func main() {
	_ = godotenv.Load()

	tenantFlag := flag.Int("tenant", 0, "tenant id to check (default: the single configured tenant)")
	advise := flag.Bool("advise", false, "ask the remediation advisor for a plan when checks fail")
	flag.Parse()

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

	var advisor ai.AdvisorService
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		advisor = ai.NewAdvisor(apiKey)
	}

	svc := app.NewAppService(pool, validation, repair, advisor)

	tenantID := *tenantFlag
	if tenantID == 0 {
		tenant, err := svc.LoadDefaultTenant(ctx)
		if err != nil {
			log.Fatalf("tenant: %v", err)
		}
		tenantID = tenant.ID
	}

	result, err := svc.RunValidation(ctx, tenantID)
	if err != nil {
		log.Fatalf("validation: %v", err)
	}

	for _, t := range result.Report.Tests {
		status := "PASS"
		if !t.Passed {
			status = "FAIL"
		}
		fmt.Printf("[%s] %-8s %-35s %s\n", status, t.Severity, t.Name, t.Details)
	}

	s := result.Report.Summary
	fmt.Printf("\n%d checks: %d passed, %d failed (%d critical, %d warning)\n",
		s.TotalTests, s.Passed, s.Failed, s.CriticalFailed, s.WarningFailed)
	if s.IsProductionReady {
		fmt.Println("ledger is production ready")
	} else {
		fmt.Println("ledger is NOT production ready")
	}

	if *advise && s.Failed > 0 {
		plan, err := svc.AdviseOnFailures(ctx, result.Report)
		if err != nil {
			log.Printf("advisor: %v", err)
		} else {
			fmt.Printf("\n%s\n", plan.Overview)
			for _, step := range plan.Steps {
				fmt.Printf("%d. [%s] %s\n   %s\n", step.Priority, step.CheckID, step.Action, step.Rationale)
			}
		}
	}

	if s.CriticalFailed > 0 {
		os.Exit(1)
	}
}
