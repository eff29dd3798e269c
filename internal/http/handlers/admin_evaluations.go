package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/observability/metrics"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// ImageURLs resolves stored image references to links staff can open.
type ImageURLs interface {
	URL(ctx context.Context, ref string) (string, error)
}

// AdminEvaluationsHandler serves the staff view of the funnel.
type AdminEvaluationsHandler struct {
	repo     evaluation.Repository
	images   ImageURLs
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

// NewAdminEvaluationsHandler creates a new admin evaluations handler.
func NewAdminEvaluationsHandler(repo evaluation.Repository, images ImageURLs, gatherer prometheus.Gatherer, logger *logging.Logger) *AdminEvaluationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminEvaluationsHandler{
		repo:     repo,
		images:   images,
		gatherer: gatherer,
		logger:   logger,
	}
}

// ListEvaluationsResponse is the paginated evaluation list.
type ListEvaluationsResponse struct {
	Evaluations []*evaluation.Evaluation `json:"evaluations"`
	Count       int                      `json:"count"`
}

// EvaluationDetail adds resolved image links to an evaluation.
type EvaluationDetail struct {
	*evaluation.Evaluation
	ImageURLs []string `json:"image_urls,omitempty"`
}

// DashboardResponse summarises recent funnel activity.
type DashboardResponse struct {
	Window       int                      `json:"window"`
	ByStage      map[evaluation.Stage]int `json:"by_stage"`
	Paid         int                      `json:"paid"`
	Booked       int                      `json:"booked"`
	RevenueCLP   int                      `json:"revenue_clp"`
	Screening    metrics.ScreeningSummary `json:"screening"`
	FallbackRate float64                  `json:"fallback_rate"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func parseLimit(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ListEvaluations returns the most recent evaluations.
// GET /admin/evaluations
func (h *AdminEvaluationsHandler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	evs, err := h.repo.ListRecent(r.Context(), parseLimit(r, defaultListLimit))
	if err != nil {
		h.logger.Error("failed to list evaluations", "error", err)
		http.Error(w, "failed to list evaluations", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []*evaluation.Evaluation{}
	}
	writeJSON(w, http.StatusOK, ListEvaluationsResponse{Evaluations: evs, Count: len(evs)})
}

// GetEvaluation returns one evaluation with presigned image links.
// GET /admin/evaluations/{id}
func (h *AdminEvaluationsHandler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, evaluation.ErrNotFound) {
			http.Error(w, "evaluation not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load evaluation", "evaluation_id", id, "error", err)
		http.Error(w, "failed to load evaluation", http.StatusInternalServerError)
		return
	}
	detail := EvaluationDetail{Evaluation: ev}
	if h.images != nil {
		for _, ref := range ev.ImageRefs {
			url, err := h.images.URL(r.Context(), ref)
			if err != nil {
				h.logger.Warn("image link failed", "evaluation_id", id, "ref", ref, "error", err)
				continue
			}
			detail.ImageURLs = append(detail.ImageURLs, url)
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetDashboard counts recent evaluations by stage and reports how often the
// screening fell back to the keyword classifier.
// GET /admin/dashboard
func (h *AdminEvaluationsHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	window := parseLimit(r, maxListLimit)
	evs, err := h.repo.ListRecent(r.Context(), window)
	if err != nil {
		h.logger.Error("failed to build dashboard", "error", err)
		http.Error(w, "failed to build dashboard", http.StatusInternalServerError)
		return
	}
	resp := DashboardResponse{Window: window, ByStage: make(map[evaluation.Stage]int)}
	for _, ev := range evs {
		resp.ByStage[ev.Stage]++
		if ev.PaymentStatus == evaluation.PaymentApproved {
			resp.Paid++
			resp.RevenueCLP += ev.PaymentAmount
		}
		if ev.AppointmentAt != nil {
			resp.Booked++
		}
	}
	resp.Screening = metrics.SnapshotScreening(h.gatherer)
	resp.FallbackRate = resp.Screening.FallbackRate()
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
