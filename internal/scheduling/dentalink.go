package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

var dentalinkTracer = otel.Tracer("dental.internal.scheduling.dentalink")

const defaultDentalinkURL = "https://api.dentalink.healthatom.com/api/v1"

// DentalinkConfig controls the Dentalink client.
type DentalinkConfig struct {
	BaseURL  string
	APIToken string
	// BranchID is used when the resolved dentist carries no branch.
	BranchID   int
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	Logger     *logging.Logger
}

// DentalinkClient talks to the Dentalink practice management API.
type DentalinkClient struct {
	http     *resty.Client
	branchID int
	logger   *logging.Logger
}

// NewDentalinkClient creates a client. The token is required.
func NewDentalinkClient(cfg DentalinkConfig) (*DentalinkClient, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultDentalinkURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	branch := cfg.BranchID
	if branch <= 0 {
		branch = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(4*wait).
		SetHeader("Authorization", "Token "+cfg.APIToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &DentalinkClient{http: client, branchID: branch, logger: logger.Component("dentalink")}, nil
}

type dlPatient struct {
	ID        numericID `json:"id"`
	Nombre    string    `json:"nombre"`
	Apellidos string    `json:"apellidos"`
	Email     string    `json:"email"`
	Telefono  string    `json:"telefono"`
	RUT       string    `json:"rut"`
}

type dlPatientList struct {
	Data []dlPatient `json:"data"`
}

type dlCreated struct {
	Data *struct {
		ID numericID `json:"id"`
	} `json:"data"`
	ID numericID `json:"id"`
}

func (c dlCreated) id() string {
	if c.Data != nil && c.Data.ID != "" {
		return string(c.Data.ID)
	}
	return string(c.ID)
}

type dlDentist struct {
	ID         numericID `json:"id"`
	Habilitado int       `json:"habilitado"`
	IDSucursal numericID `json:"id_sucursal"`
}

type dlDentistList struct {
	Data []dlDentist `json:"data"`
}

type dlSlotList struct {
	Data []DaySlots `json:"data"`
}

// APIError is a non-2xx response from Dentalink.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scheduling: dentalink status %d: %s", e.StatusCode, e.Body)
}

func apiError(resp *resty.Response) error {
	return &APIError{StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
}

// FindPatient searches by national id, then by email.
func (c *DentalinkClient) FindPatient(ctx context.Context, id Identity) (string, error) {
	ctx, span := dentalinkTracer.Start(ctx, "dentalink.find_patient")
	defer span.End()

	if rut := strings.TrimSpace(id.NationalID); rut != "" {
		pid, err := c.searchPatient(ctx, "rut", NormalizeRUT(rut))
		if err == nil || !errors.Is(err, ErrPatientNotFound) {
			return pid, err
		}
	}
	if email := strings.TrimSpace(id.Email); email != "" {
		return c.searchPatient(ctx, "email", strings.ToLower(email))
	}
	return "", ErrPatientNotFound
}

func (c *DentalinkClient) searchPatient(ctx context.Context, field, value string) (string, error) {
	var out dlPatientList
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam(field, value).
		SetResult(&out).
		Get("/pacientes")
	if err != nil {
		return "", fmt.Errorf("scheduling: search patient: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", ErrPatientNotFound
	}
	if resp.IsError() {
		return "", apiError(resp)
	}
	if len(out.Data) == 0 || out.Data[0].ID == "" {
		return "", ErrPatientNotFound
	}
	return string(out.Data[0].ID), nil
}

// FindOrCreatePatient returns the existing patient id or registers a new
// patient. Calling it twice with the same identity yields the same id.
func (c *DentalinkClient) FindOrCreatePatient(ctx context.Context, id Identity) (string, error) {
	if pid, err := c.FindPatient(ctx, id); err == nil {
		return pid, nil
	} else if !errors.Is(err, ErrPatientNotFound) {
		return "", err
	}

	ctx, span := dentalinkTracer.Start(ctx, "dentalink.create_patient")
	defer span.End()

	first, last := SplitName(id.Name)
	body := map[string]any{
		"nombre":    first,
		"apellidos": last,
		"email":     strings.ToLower(strings.TrimSpace(id.Email)),
	}
	if id.Phone != "" {
		body["telefono"] = id.Phone
	}
	if id.NationalID != "" {
		body["rut"] = NormalizeRUT(id.NationalID)
	}
	if id.BirthDate != "" {
		body["fecha_nacimiento"] = id.BirthDate
	}

	var created dlCreated
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&created).
		Post("/pacientes")
	if err != nil {
		return "", fmt.Errorf("scheduling: create patient: %w", err)
	}
	if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusConflict {
		// Usually a duplicate that the search did not surface; search again.
		c.logger.Warn("dentalink rejected patient create, searching again", "status", resp.StatusCode())
		if pid, err := c.FindPatient(ctx, id); err == nil {
			return pid, nil
		}
		return "", apiError(resp)
	}
	if resp.IsError() {
		return "", apiError(resp)
	}
	pid := created.id()
	if pid == "" {
		return "", errors.New("scheduling: dentalink create patient returned no id")
	}
	span.SetAttributes(attribute.String("dental.patient_id", pid))
	return pid, nil
}

// ListAvailableSlots reads the availability endpoint.
func (c *DentalinkClient) ListAvailableSlots(ctx context.Context, from, to time.Time) ([]DaySlots, error) {
	ctx, span := dentalinkTracer.Start(ctx, "dentalink.list_slots")
	defer span.End()

	var out dlSlotList
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fecha_inicio": from.In(ClinicLocation).Format(dateLayout),
			"fecha_fin":    to.In(ClinicLocation).Format(dateLayout),
		}).
		SetResult(&out).
		Get("/agenda/disponibilidad")
	if err != nil {
		return nil, fmt.Errorf("scheduling: list slots: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out.Data, nil
}

// resolveDentist returns the first enabled dentist and its branch.
func (c *DentalinkClient) resolveDentist(ctx context.Context) (string, string, error) {
	var out dlDentistList
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/dentistas")
	if err != nil {
		return "", "", fmt.Errorf("scheduling: list dentists: %w", err)
	}
	if resp.IsError() {
		return "", "", apiError(resp)
	}
	if len(out.Data) == 0 {
		return "", "", ErrManualSchedulingRequired
	}
	chosen := out.Data[0]
	for _, d := range out.Data {
		if d.Habilitado == 1 {
			chosen = d
			break
		}
	}
	if chosen.ID == "" {
		return "", "", ErrManualSchedulingRequired
	}
	return string(chosen.ID), string(chosen.IDSucursal), nil
}

// BookAppointment creates the appointment. When no professional can be
// resolved it returns ErrManualSchedulingRequired.
func (c *DentalinkClient) BookAppointment(ctx context.Context, req BookingRequest) (*Booking, error) {
	start, err := ParseSlot(req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	patientID, err := strconv.Atoi(strings.TrimSpace(req.PatientID))
	if err != nil {
		return nil, fmt.Errorf("scheduling: invalid patient id %q", req.PatientID)
	}

	ctx, span := dentalinkTracer.Start(ctx, "dentalink.book")
	defer span.End()

	professional, branch := req.ProfessionalID, req.BranchID
	if professional == "" || branch == "" {
		dentist, dentistBranch, err := c.resolveDentist(ctx)
		if err != nil {
			c.logger.Warn("dentist resolution failed", "error", err)
			if professional == "" {
				return nil, ErrManualSchedulingRequired
			}
		}
		if professional == "" {
			professional = dentist
		}
		if branch == "" {
			branch = dentistBranch
		}
	}
	professionalID, err := strconv.Atoi(professional)
	if err != nil {
		return nil, ErrManualSchedulingRequired
	}
	branchID, err := strconv.Atoi(branch)
	if err != nil || branchID <= 0 {
		branchID = c.branchID
	}
	duration := req.DurationMinutes
	if duration <= 0 {
		duration = 60
	}
	body := map[string]any{
		"id_paciente": patientID,
		"id_dentista": professionalID,
		"id_sucursal": branchID,
		"fecha":       start.Format(dateLayout),
		"hora_inicio": start.Format(timeLayout),
		"duracion":    duration,
	}
	if req.Notes != "" {
		body["notas"] = req.Notes
	}

	var created dlCreated
	resp, err := c.http.R().SetContext(ctx).SetBody(body).SetResult(&created).Post("/citas")
	if err != nil {
		return nil, fmt.Errorf("scheduling: book appointment: %w", err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return nil, ErrSlotUnavailable
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	id := created.id()
	span.SetAttributes(attribute.String("dental.appointment_id", id))
	return &Booking{
		ID:        id,
		PatientID: req.PatientID,
		Date:      start.Format(dateLayout),
		Time:      start.Format(timeLayout),
		Start:     start,
	}, nil
}
