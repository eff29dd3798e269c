package leads

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Handler handles HTTP requests for leads
type Handler struct {
	repo   Repository
	logger *logging.Logger
}

// NewHandler creates a new leads handler
func NewHandler(repo Repository, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

type captureResponse struct {
	Lead    *Lead `json:"lead"`
	Created bool  `json:"created"`
}

// CaptureLead handles POST /api/leads. Repeat submissions for the same
// national id or email return the original lead.
func (h *Handler) CaptureLead(w http.ResponseWriter, r *http.Request) {
	var req CreateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	lead, created, err := Capture(r.Context(), h.repo, &req)
	if err != nil {
		if errors.Is(err, ErrInvalidName) || errors.Is(err, ErrMissingContact) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to capture lead", "error", err)
		http.Error(w, "failed to save lead", http.StatusInternalServerError)
		return
	}

	h.logger.Info("lead captured", "lead_id", lead.ID, "created", created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(captureResponse{Lead: lead, Created: created})
}

// ListLeadsResponse is the response for listing leads
type ListLeadsResponse struct {
	Leads  []*Lead `json:"leads"`
	Count  int     `json:"count"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}

// ListLeads handles GET /admin/leads requests
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	leads, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list leads", "error", err)
		http.Error(w, "failed to list leads", http.StatusInternalServerError)
		return
	}
	if leads == nil {
		leads = []*Lead{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ListLeadsResponse{
		Leads:  leads,
		Count:  len(leads),
		Offset: filter.Offset,
		Limit:  filter.Limit,
	})
}

// ExportLeads handles GET /admin/leads/export.xlsx
func (h *Handler) ExportLeads(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	filter.Limit = 1000
	leads, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list leads for export", "error", err)
		http.Error(w, "failed to export leads", http.StatusInternalServerError)
		return
	}
	data, err := ExportXLSX(leads)
	if err != nil {
		h.logger.Error("failed to render lead export", "error", err)
		http.Error(w, "failed to export leads", http.StatusInternalServerError)
		return
	}
	filename := "leads-" + time.Now().UTC().Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Write(data)
}

func parseFilter(r *http.Request) ListLeadsFilter {
	filter := ListLeadsFilter{Limit: 50}
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 500 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		filter.Offset = v
	}
	filter.Stage = Stage(q.Get("stage"))
	return filter
}
