package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

func newTestDentalink(t *testing.T, handler http.HandlerFunc) *DentalinkClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewDentalinkClient(DentalinkConfig{
		BaseURL:   srv.URL,
		APIToken:  "tok",
		BranchID:  3,
		Timeout:   2 * time.Second,
		RetryWait: time.Millisecond,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestDentalinkRequiresToken(t *testing.T) {
	if _, err := NewDentalinkClient(DentalinkConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestDentalinkFindPatientByRUT(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.URL.Path != "/pacientes" || r.URL.Query().Get("rut") != "12345678-5" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":[{"id":481,"nombre":"Ana"}]}`))
	})

	pid, err := client.FindPatient(context.Background(), Identity{NationalID: "12.345.678-5"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if pid != "481" {
		t.Fatalf("expected 481, got %q", pid)
	}
}

func TestDentalinkFindPatientFallsBackToEmail(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "ana@example.com" {
			w.Write([]byte(`{"data":[{"id":"77"}]}`))
			return
		}
		w.Write([]byte(`{"data":[]}`))
	})

	pid, err := client.FindPatient(context.Background(), Identity{NationalID: "11111111-1", Email: "Ana@Example.com"})
	if err != nil || pid != "77" {
		t.Fatalf("expected 77, got %q (%v)", pid, err)
	}
}

func TestDentalinkCreatesMissingPatient(t *testing.T) {
	var created map[string]any
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"data":[]}`))
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &created)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"data":{"id":900}}`))
		}
	})

	pid, err := client.FindOrCreatePatient(context.Background(), Identity{
		Name:       "Camila Rojas Soto",
		Email:      "camila@example.com",
		Phone:      "+56911112222",
		NationalID: "12345678-5",
	})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if pid != "900" {
		t.Fatalf("expected 900, got %q", pid)
	}
	if created["nombre"] != "Camila" || created["apellidos"] != "Rojas Soto" || created["rut"] != "12345678-5" {
		t.Fatalf("unexpected create body %+v", created)
	}
}

func TestDentalinkCreateConflictSearchesAgain(t *testing.T) {
	var searches int32
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"duplicado"}`))
			return
		}
		// The first two searches (rut, email) miss; the retry finds it.
		if atomic.AddInt32(&searches, 1) <= 2 {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":55}]}`))
	})

	pid, err := client.FindOrCreatePatient(context.Background(), Identity{Name: "Ana", Email: "ana@example.com", NationalID: "12345678-5"})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if pid != "55" {
		t.Fatalf("expected 55, got %q", pid)
	}
}

func TestDentalinkListSlots(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agenda/disponibilidad" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("fecha_inicio") == "" || r.URL.Query().Get("fecha_fin") == "" {
			t.Errorf("missing range: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":[{"date":"2030-03-04","times":["09:00","09:30"]}]}`))
	})

	from := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)
	slots, err := client.ListAvailableSlots(context.Background(), from, from.AddDate(0, 0, 14))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(slots) != 1 || slots[0].Date != "2030-03-04" || len(slots[0].Times) != 2 {
		t.Fatalf("unexpected slots %+v", slots)
	}
}

func TestDentalinkListSlotsError(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := client.ListAvailableSlots(context.Background(), time.Now(), time.Now().Add(time.Hour))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
}

func TestDentalinkBookAppointment(t *testing.T) {
	var booked map[string]any
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dentistas":
			w.Write([]byte(`{"data":[{"id":4,"habilitado":0},{"id":9,"habilitado":1,"id_sucursal":2}]}`))
		case "/citas":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &booked)
			w.Write([]byte(`{"data":{"id":3001}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	booking, err := client.BookAppointment(context.Background(), BookingRequest{
		PatientID: "481",
		Date:      "2030-03-04",
		Time:      "10:00",
		Notes:     "Evaluación ortodoncia",
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if booking.ID != "3001" || booking.Date != "2030-03-04" || booking.Time != "10:00" {
		t.Fatalf("unexpected booking %+v", booking)
	}
	// JSON numbers decode as float64.
	if booked["id_paciente"] != float64(481) || booked["id_dentista"] != float64(9) || booked["id_sucursal"] != float64(2) {
		t.Fatalf("unexpected booking body %+v", booked)
	}
	if booked["duracion"] != float64(60) || booked["hora_inicio"] != "10:00" {
		t.Fatalf("unexpected booking body %+v", booked)
	}
}

func TestDentalinkBookWithoutDentists(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/citas" {
			t.Error("must not book without a dentist")
		}
		w.Write([]byte(`{"data":[]}`))
	})

	_, err := client.BookAppointment(context.Background(), BookingRequest{PatientID: "1", Date: "2030-03-04", Time: "10:00"})
	if !errors.Is(err, ErrManualSchedulingRequired) {
		t.Fatalf("expected ErrManualSchedulingRequired, got %v", err)
	}
}

func TestDentalinkBookConflict(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	_, err := client.BookAppointment(context.Background(), BookingRequest{
		PatientID:      "1",
		Date:           "2030-03-04",
		Time:           "10:00",
		ProfessionalID: "9",
		BranchID:       "2",
	})
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
}

func TestDentalinkBookRejectsBadInput(t *testing.T) {
	client := newTestDentalink(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := client.BookAppointment(context.Background(), BookingRequest{PatientID: "1", Date: "04/03/2030", Time: "10:00"}); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot, got %v", err)
	}
	if _, err := client.BookAppointment(context.Background(), BookingRequest{PatientID: "abc", Date: "2030-03-04", Time: "10:00"}); err == nil {
		t.Fatal("expected error for non-numeric patient id")
	}
}
