// Package main walks the evaluation wizard end to end against a running API.
//
// The API must run with ALLOW_FAKE_PAYMENTS=true so checkouts can be approved
// without Mercado Pago.
//
// Usage:
//
//	API_BASE_URL=http://localhost:8080 go run ./scripts/e2e              # runs all
//	API_BASE_URL=http://localhost:8080 go run ./scripts/e2e new-patient  # runs one
package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type snapshot struct {
	SessionID string `json:"session_id"`
	Step      string `json:"step"`
	SubStep   string `json:"sub_step"`
	Data      struct {
		EvaluationID string `json:"evaluation_id"`
		CheckoutURL  string `json:"checkout_url"`
		Amount       int    `json:"amount"`
		Screening    *struct {
			Route string `json:"route"`
		} `json:"screening"`
		Slots []struct {
			Date  string   `json:"date"`
			Times []string `json:"times"`
		} `json:"slots"`
		Appointment *struct {
			Date string `json:"date"`
			Time string `json:"time"`
		} `json:"appointment"`
		ControlURL string `json:"control_url"`
	} `json:"data"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// T collects check results for one scenario.
type T struct {
	name   string
	failed bool
}

func (t *T) check(name string, ok bool) {
	status := "PASS"
	if !ok {
		status = "FAIL"
		t.failed = true
	}
	fmt.Printf("  [%s] %s\n", status, name)
}

func (t *T) fatalf(format string, args ...any) {
	t.failed = true
	fmt.Printf("  [FAIL] "+format+"\n", args...)
}

var (
	apiBase string
	client  *resty.Client
)

func setup() error {
	apiBase = strings.TrimRight(os.Getenv("API_BASE_URL"), "/")
	if apiBase == "" {
		return errors.New("API_BASE_URL is required")
	}
	client = resty.New().
		SetBaseURL(apiBase).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetRedirectPolicy(resty.NoRedirectPolicy())
	return nil
}

func action(session, name string, body any) (snapshot, int, error) {
	var snap snapshot
	req := client.R().SetResult(&snap).SetError(&snap)
	if body != nil {
		req.SetBody(body)
	}
	endpoint := "/api/wizard/"
	if session != "" {
		endpoint += session + "/" + name
	}
	resp, err := req.Post(endpoint)
	if err != nil {
		return snap, 0, err
	}
	return snap, resp.StatusCode(), nil
}

func questionnaire(motive, rut string) map[string]string {
	return map[string]string{
		"name":   "Paciente Prueba",
		"email":  fmt.Sprintf("e2e+%d@example.com", time.Now().UnixNano()),
		"phone":  "+56911112222",
		"rut":    rut,
		"motive": motive,
	}
}

// approveFakeCheckout completes the fake gateway page for the checkout URL.
func approveFakeCheckout(checkoutURL string) error {
	u, err := url.Parse(checkoutURL)
	if err != nil {
		return err
	}
	paymentID := path.Base(u.Path)
	resp, err := client.R().
		SetQueryParam("outcome", "approved").
		Post("/payments/fake/" + paymentID + "/complete")
	if resp != nil && resp.StatusCode() == http.StatusSeeOther {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status %d completing payment", resp.StatusCode())
}

func scenarioNewPatient(t *T) {
	snap, status, err := action("", "", nil)
	if err != nil || status != http.StatusCreated {
		t.fatalf("create session: status=%d err=%v", status, err)
		return
	}
	id := snap.SessionID

	snap, _, _ = action(id, "route", map[string]string{"route_type": "new_patient"})
	t.check("route selected moves to questionnaire", snap.Step == "questionnaire")

	snap, _, err = action(id, "questionnaire", questionnaire("Quiero ortodoncia, tengo los dientes chuecos", "11.111.111-1"))
	if err != nil {
		t.fatalf("questionnaire: %v", err)
		return
	}
	t.check("screening produces a path explanation", snap.Step == "path_explanation")
	t.check("screening suggests a route", snap.Data.Screening != nil && snap.Data.Screening.Route != "")

	action(id, "continue", nil)
	snap, _, _ = action(id, "confirm", nil)
	t.check("confirm opens payment", snap.SubStep == "payment")
	t.check("checkout url present", snap.Data.CheckoutURL != "")
	t.check("standard price charged", snap.Data.Amount > 0)

	if err := approveFakeCheckout(snap.Data.CheckoutURL); err != nil {
		t.fatalf("approve checkout: %v", err)
		return
	}
	snap, _, _ = action(id, "payment-status", map[string]string{"outcome": "success"})
	t.check("approved payment moves to schedule", snap.SubStep == "schedule")
	t.check("slots offered", len(snap.Data.Slots) > 0 && len(snap.Data.Slots[0].Times) > 0)
	if len(snap.Data.Slots) == 0 || len(snap.Data.Slots[0].Times) == 0 {
		return
	}

	day := snap.Data.Slots[0]
	snap, _, _ = action(id, "appointment", map[string]string{"date": day.Date, "time": day.Times[0]})
	t.check("appointment booked", snap.Step == "complete" && snap.Data.Appointment != nil)
}

func scenarioValidation(t *T) {
	snap, _, _ := action("", "", nil)
	id := snap.SessionID

	_, status, _ := action(id, "route", map[string]string{"route_type": "tourist"})
	t.check("unknown route rejected", status == http.StatusUnprocessableEntity)

	action(id, "route", map[string]string{"route_type": "new_patient"})
	in := questionnaire("corto", "11.111.111-2")
	snap, status, _ = action(id, "questionnaire", in)
	t.check("invalid questionnaire rejected", status == http.StatusUnprocessableEntity)
	t.check("validation error kind", snap.Error != nil && snap.Error.Kind == "validation")
	t.check("still on questionnaire", snap.Step == "questionnaire")
}

func scenarioCheckoutPending(t *T) {
	snap, _, _ := action("", "", nil)
	id := snap.SessionID
	action(id, "route", map[string]string{"route_type": "second_opinion"})
	action(id, "questionnaire", questionnaire("Me dijeron que necesito un implante dental", "11.111.111-1"))
	action(id, "continue", nil)
	action(id, "confirm", nil)

	snap, _, _ = action(id, "payment-status", map[string]string{"outcome": "pending"})
	t.check("pending return keeps payment step", snap.SubStep == "payment")
	t.check("pending is retryable", snap.Error != nil && snap.Error.Kind == "retryable")
}

func main() {
	if err := setup(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	scenarios := []struct {
		name string
		run  func(*T)
	}{
		{"new-patient", scenarioNewPatient},
		{"validation", scenarioValidation},
		{"checkout-pending", scenarioCheckoutPending},
	}

	filter := ""
	if len(os.Args) > 1 {
		filter = os.Args[1]
	}

	failed := 0
	for _, sc := range scenarios {
		if filter != "" && sc.name != filter {
			continue
		}
		fmt.Printf("=== %s\n", sc.name)
		t := &T{name: sc.name}
		sc.run(t)
		if t.failed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Printf("%d scenario(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("all scenarios passed")
}
