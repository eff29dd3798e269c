package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Handler exposes the patient login endpoints.
type Handler struct {
	service  *Service
	sessions *SessionIssuer
	logger   *logging.Logger
}

func NewHandler(service *Service, sessions *SessionIssuer, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, sessions: sessions, logger: logger}
}

// Routes mounts under /api/auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/request-code", h.RequestCode)
	r.Post("/verify", h.Verify)
	r.Post("/signup", h.Signup)
	r.With(SessionMiddleware(h.sessions)).Get("/me", h.Me)
	return r
}

type requestCodeBody struct {
	NationalID string `json:"rut"`
	Email      string `json:"email"`
}

type verifyBody struct {
	NationalID string `json:"rut"`
	Code       string `json:"code"`
}

type errorBody struct {
	Error        string `json:"error"`
	IsNewPatient bool   `json:"is_new_patient,omitempty"`
}

func (h *Handler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var body requestCodeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	challenge, err := h.service.RequestCode(r.Context(), body.NationalID, body.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	session, err := h.service.VerifyCode(r.Context(), body.NationalID, body.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body SignupInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	challenge, err := h.service.Signup(r.Context(), body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, challenge)
}

// Me returns the patient carried by the session token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := PatientFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, Patient{
		LeadID:     claims.LeadID,
		Name:       claims.Name,
		Email:      claims.Email,
		NationalID: claims.NationalID,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := ErrorStatus(err)
	if status >= 500 {
		h.logger.Error("auth request failed", "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), IsNewPatient: errors.Is(err, ErrNewPatient)})
}

// ErrorStatus maps auth errors onto HTTP status codes.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidIdentifier), errors.Is(err, ErrEmailRequired),
		errors.Is(err, ErrInvalidCode), errors.Is(err, ErrCodeExpired), errors.Is(err, ErrInvalidSignup):
		return http.StatusBadRequest
	case errors.Is(err, ErrNewPatient):
		return http.StatusNotFound
	case errors.Is(err, ErrCodeMismatch), errors.Is(err, ErrInvalidSession):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTooManyAttempts):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

type contextKey string

const patientKey contextKey = "auth.patient"

// SessionMiddleware requires a valid patient bearer token.
func SessionMiddleware(sessions *SessionIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || sessions == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := sessions.Parse(strings.TrimSpace(token))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), patientKey, claims)))
		})
	}
}

// PatientFromContext returns the session claims set by SessionMiddleware.
func PatientFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(patientKey).(*Claims)
	return claims, ok && claims != nil
}
