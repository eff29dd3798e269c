package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// maxUploadBytes bounds a questionnaire submission including images.
const maxUploadBytes = 40 << 20

// Handler exposes the wizard over HTTP. Every action answers with the
// session snapshot.
type Handler struct {
	sessions *Sessions
	logger   *logging.Logger
}

func NewHandler(sessions *Sessions, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// Routes mounts under /api/wizard.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/route", h.action(h.selectRoute))
		r.Post("/login", h.action(h.login))
		r.Post("/control", h.action(h.control))
		r.Post("/treatment", h.action(h.treatment))
		r.Post("/treatment-request", h.action(h.treatmentRequest))
		r.Post("/questionnaire", h.action(h.questionnaire))
		r.Post("/screening", h.action(h.screening))
		r.Post("/continue", h.action(h.continueFromPath))
		r.Post("/confirm", h.action(h.confirm))
		r.Get("/checkout", h.Checkout)
		r.Post("/payment-status", h.action(h.paymentStatus))
		r.Get("/slots", h.action(h.slots))
		r.Post("/appointment", h.action(h.appointment))
		r.Post("/reset", h.action(h.reset))
		r.Post("/resume", h.action(h.resume))
		r.Post("/cancel", h.action(h.cancel))
	})
	return r
}

type actionFunc func(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error)

// errBadBody marks a request that could not be decoded.
var errBadBody = errors.New("wizard: invalid request body")

func (h *Handler) action(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wiz, ok := h.load(w, r)
		if !ok {
			return
		}
		snap, err := fn(r.Context(), wiz, r)
		if errors.Is(err, errBadBody) {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		h.sessions.Save(r.Context(), wiz)
		if err != nil {
			status := ErrorStatus(err)
			if status >= 500 {
				h.logger.Error("wizard action failed", "session_id", wiz.ID(), "path", r.URL.Path, "error", err)
			}
			writeJSON(w, status, snap)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*Wizard, bool) {
	wiz, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("session load failed", "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return nil, false
	}
	return wiz, true
}

// ErrorStatus maps wizard errors to HTTP status codes.
func ErrorStatus(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrActionInFlight), errors.Is(err, ErrInvalidStep), errors.Is(err, ErrNoCheckout):
		return http.StatusConflict
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Create handles POST /api/wizard.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	wiz := h.sessions.Create(r.Context())
	writeJSON(w, http.StatusCreated, wiz.Snapshot())
}

// Get handles GET /api/wizard/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	wiz, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

// Checkout handles GET /api/wizard/{id}/checkout by redirecting to the
// payment page.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	wiz, ok := h.load(w, r)
	if !ok {
		return
	}
	url, snap, err := wiz.OpenCheckout(r.Context())
	if err != nil {
		writeJSON(w, ErrorStatus(err), snap)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errBadBody
	}
	return nil
}

func (h *Handler) selectRoute(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var body struct {
		Route evaluation.RouteType `json:"route_type"`
	}
	if err := decode(r, &body); err != nil {
		return Snapshot{}, err
	}
	return w.SelectRoute(ctx, body.Route)
}

func (h *Handler) login(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var body struct {
		NationalID string `json:"rut"`
		Email      string `json:"email"`
	}
	if err := decode(r, &body); err != nil {
		return Snapshot{}, err
	}
	return w.LoginExisting(ctx, body.NationalID, body.Email)
}

func (h *Handler) control(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.ChooseControl(ctx)
}

func (h *Handler) treatment(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.ChooseTreatment(ctx)
}

func (h *Handler) treatmentRequest(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var body struct {
		Motive string `json:"motive"`
	}
	if err := decode(r, &body); err != nil {
		return Snapshot{}, err
	}
	return w.SubmitTreatmentRequest(ctx, body.Motive)
}

// questionnaire accepts JSON or a multipart form with "images" file parts.
func (h *Handler) questionnaire(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var in QuestionnaireInput
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := decode(r, &in); err != nil {
			return Snapshot{}, err
		}
		return w.SubmitQuestionnaire(ctx, in)
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return Snapshot{}, errBadBody
	}
	form := r.MultipartForm
	field := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	in = QuestionnaireInput{
		Name:              field("name"),
		Email:             field("email"),
		Phone:             field("phone"),
		NationalID:        field("rut"),
		BirthDate:         field("birth_date"),
		Motive:            field("motive"),
		PainLevel:         field("pain_level"),
		LastVisit:         field("last_visit"),
		MedicalConditions: field("medical_conditions"),
		UTMSource:         field("utm_source"),
		UTMMedium:         field("utm_medium"),
		UTMCampaign:       field("utm_campaign"),
	}
	for _, fh := range form.File["images"] {
		f, err := fh.Open()
		if err != nil {
			return Snapshot{}, errBadBody
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return Snapshot{}, errBadBody
		}
		in.Images = append(in.Images, ImageUpload{
			Name:        fh.Filename,
			ContentType: strings.TrimSpace(fh.Header.Get("Content-Type")),
			Data:        data,
		})
	}
	return w.SubmitQuestionnaire(ctx, in)
}

func (h *Handler) screening(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.RunScreening(ctx)
}

func (h *Handler) continueFromPath(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.ContinueFromPath(ctx)
}

func (h *Handler) confirm(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.ConfirmEvaluation(ctx)
}

// paymentStatus accepts the gateway's return outcome as ?outcome= or in the body.
func (h *Handler) paymentStatus(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := decode(r, &body); err != nil {
		return Snapshot{}, err
	}
	if body.Outcome == "" {
		body.Outcome = r.URL.Query().Get("outcome")
	}
	return w.CheckPaymentStatus(ctx, strings.ToLower(strings.TrimSpace(body.Outcome)))
}

func (h *Handler) slots(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.LoadSlots(ctx)
}

func (h *Handler) appointment(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var body struct {
		Date string `json:"date"`
		Time string `json:"time"`
	}
	if err := decode(r, &body); err != nil {
		return Snapshot{}, err
	}
	return w.ScheduleAppointment(ctx, body.Date, body.Time)
}

func (h *Handler) reset(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.Reset(ctx)
}

func (h *Handler) resume(ctx context.Context, w *Wizard, r *http.Request) (Snapshot, error) {
	var body struct {
		EvaluationID string `json:"evaluation_id"`
	}
	if err := decode(r, &body); err != nil {
		return Snapshot{}, err
	}
	return w.Resume(ctx, body.EvaluationID)
}

func (h *Handler) cancel(ctx context.Context, w *Wizard, _ *http.Request) (Snapshot, error) {
	return w.Cancel(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
