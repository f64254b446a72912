package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ledger-audit/internal/app"
	"ledger-audit/internal/core"
)

// Handler holds the ApplicationService and the chi router.
type Handler struct {
	svc       app.ApplicationService
	jwtSecret string
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc app.ApplicationService, allowedOrigins, jwtSecret string) http.Handler {
	h := &Handler{svc: svc, jwtSecret: jwtSecret}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recoverer)
	r.Use(CORS(allowedOrigins))

	r.Get("/api/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Use(RequestBodyLimit(1 << 20)) // 1 MB

		r.Get("/accounting-validation", h.accountingValidation)
		r.Get("/repair-invoice", h.repairInvoice)
		r.Post("/repair-invoice", h.repairInvoice)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accountingValidation handles GET /accounting-validation: runs all invariant
// checks for the caller's tenant. A single check's failure is reported inside
// the batch, never as a request-level 500.
func (h *Handler) accountingValidation(w http.ResponseWriter, r *http.Request) {
	claims := authFromContext(r.Context())

	result, err := h.svc.RunValidation(r.Context(), claims.TenantID)
	if err != nil {
		writeError(w, r, err.Error(), "INTERNAL", http.StatusInternalServerError)
		return
	}

	type response struct {
		Success bool                   `json:"success"`
		Summary core.ValidationSummary `json:"summary"`
		Tests   []core.CheckResult     `json:"tests"`
	}
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Summary: result.Report.Summary,
		Tests:   result.Report.Tests,
	})
}

// repairRequest is the JSON body for POST /repair-invoice. GET callers pass
// the same fields as query parameters.
type repairRequest struct {
	InvoiceNumber       string `json:"invoice_number"`
	DeleteOriginalSales bool   `json:"delete_original_sales"`
}

type repairResponse struct {
	OK      bool                `json:"ok"`
	Summary *core.RepairSummary `json:"summary,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// repairInvoice handles GET|POST /repair-invoice: runs the five-phase engine
// for one invoice number. Fails fast on bad input; on a store failure it
// still returns the partial summary of whatever completed.
func (h *Handler) repairInvoice(w http.ResponseWriter, r *http.Request) {
	claims := authFromContext(r.Context())

	req, err := parseRepairRequest(r)
	if err != nil {
		writeError(w, r, err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	result, err := h.svc.RepairInvoice(r.Context(), app.RepairInvoiceRequest{
		TenantID:            claims.TenantID,
		InvoiceNumber:       req.InvoiceNumber,
		DeleteOriginalSales: req.DeleteOriginalSales,
	})
	if errors.Is(err, core.ErrMissingInvoiceNumber) {
		writeError(w, r, err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if err != nil {
		var summary *core.RepairSummary
		if result != nil {
			summary = result.Summary
		}
		writeJSON(w, http.StatusInternalServerError, repairResponse{
			OK:      false,
			Error:   err.Error(),
			Summary: summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, repairResponse{OK: true, Summary: result.Summary})
}

func parseRepairRequest(r *http.Request) (repairRequest, error) {
	var req repairRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return req, errors.New("request body too large")
			}
			return req, errors.New("invalid JSON body: " + err.Error())
		}
	} else {
		req.InvoiceNumber = r.URL.Query().Get("invoice_number")
		if raw := r.URL.Query().Get("delete_original_sales"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return req, errors.New("delete_original_sales must be a boolean")
			}
			req.DeleteOriginalSales = v
		}
	}
	if req.InvoiceNumber == "" {
		return req, core.ErrMissingInvoiceNumber
	}
	return req, nil
}
