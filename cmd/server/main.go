package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	webAdapter "ledger-audit/internal/adapters/web"
	"ledger-audit/internal/ai"
	"ledger-audit/internal/app"
	"ledger-audit/internal/core"
	"ledger-audit/internal/db"
)

func main() {
	_ = godotenv.Load()

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
	} else {
		log.Println("OPENAI_API_KEY not set — remediation advisor disabled")
	}

	svc := app.NewAppService(pool, validation, repair, advisor)

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable not set")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	handler := webAdapter.NewHandler(svc, os.Getenv("ALLOWED_ORIGINS"), jwtSecret)

	log.Printf("server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("server: %v", err)
	}
}
