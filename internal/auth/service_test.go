package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/internal/notify"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

type sentCode struct {
	to   notify.Contact
	code string
}

type codeSenderStub struct {
	mu   sync.Mutex
	sent []sentCode
	err  error
}

func (s *codeSenderStub) SendOTP(_ context.Context, to notify.Contact, code string, _ time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentCode{to: to, code: code})
	if s.err != nil {
		return nil, s.err
	}
	return []string{"email"}, nil
}

func (s *codeSenderStub) last(t *testing.T) sentCode {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if    len(s.sent) == 0 {
		t.Fatal("no code sent")
	}
	return s.sent[len(s.sent)-1]
}

type authFixture struct {
	svc    *Service
	leads  *leads.InMemoryRepository
	evals  *evaluation.InMemoryRepository
	sender *codeSenderStub
	now    time.Time
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	f := &authFixture{
		leads:  leads.NewInMemoryRepository(),
		evals:  evaluation.NewInMemoryRepository(),
		sender: &codeSenderStub{},
		now:    time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	sessions, err := NewSessionIssuer("test-secret", 24*time.Hour)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	f.svc = NewService(ServiceConfig{
		Leads:       f.leads,
		Evaluations: f.evals,
		Sender:      f.sender,
		Sessions:    sessions.WithClock(clock),
		BcryptCost:  bcrypt.MinCost,
		Logger:      logging.Discard(),
		Now:         clock,
	})
	return f
}

func (f *authFixture) seedLead(t *testing.T, email string) *leads.Lead {
	t.Helper()
	lead, err := f.leads.Create(context.Background(), &leads.CreateLeadRequest{
		Name:       "Camila Rojas",
		Email:      email,
		Phone:      "+56912345678",
		NationalID: "12345678-5",
	})
	if err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	return lead
}

func TestRequestCodeRejectsInvalidRUT(t *testing.T) {
	f := newAuthFixture(t)
	if _, err := f.svc.RequestCode(context.Background(), "12.345.678-9", ""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestRequestCodeUnknownPatient(t *testing.T) {
	f := newAuthFixture(t)
	if _, err := f.svc.RequestCode(context.Background(), "12.345.678-5", "a@b.cl"); !errors.Is(err, ErrNewPatient) {
		t.Fatalf("expected ErrNewPatient, got %v", err)
	}
	if len(f.sender.sent) != 0 {
		t.Fatal("no code must be sent to an unknown patient")
	}
}

func TestRequestCodeSendsMaskedChallenge(t *testing.T) {
	f := newAuthFixture(t)
	f.seedLead(t, "camila@example.com")

	ch, err := f.svc.RequestCode(context.Background(), "12.345.678-5", "")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if ch.NationalID != "12345678-5" || ch.ExpiresInSeconds != 600 {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if ch.EmailMasked != "ca***@example.com" || ch.PhoneMasked != "***5678" {
		t.Fatalf("unexpected masks %+v", ch)
	}
	sent := f.sender.last(t)
	if len(sent.code) != 6 || !isDigits(sent.code, 6) {
		t.Fatalf("expected 6-digit code, got %q", sent.code)
	}
	if sent.to.Email != "camila@example.com" {
		t.Fatalf("unexpected recipient %+v", sent.to)
	}
}

func TestRequestCodeFindsEvaluationWithoutLead(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.evals.Create(context.Background(), evaluation.NewEvaluation{
		Name:       "Pedro",
		Email:      "pedro@example.com",
		NationalID: "11111111-1",
		RouteType:  evaluation.RouteNewPatient,
	})
	if err != nil {
		t.Fatalf("seed evaluation: %v", err)
	}
	if _, err := f.svc.RequestCode(context.Background(), "11.111.111-1", ""); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if f.sender.last(t).to.Email != "pedro@example.com" {
		t.Fatal("expected code sent to the evaluation email")
	}
}

func TestRequestCodeNeedsEmail(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.leads.Create(context.Background(), &leads.CreateLeadRequest{Name: "Sin Correo", NationalID: "12345678-5"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := f.svc.RequestCode(context.Background(), "12345678-5", ""); !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("expected ErrEmailRequired, got %v", err)
	}
	if _, err := f.svc.RequestCode(context.Background(), "12345678-5", "Nuevo@Example.com"); err != nil {
		t.Fatalf("request with provided email: %v", err)
	}
	if f.sender.last(t).to.Email != "nuevo@example.com" {
		t.Fatal("expected the provided email to be used")
	}
}

func TestRequestCodeSurvivesSendFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.seedLead(t, "camila@example.com")
	f.sender.err = errors.New("smtp down")
	if _, err := f.svc.RequestCode(context.Background(), "12345678-5", ""); err != nil {
		t.Fatalf("delivery failure must not fail the request: %v", err)
	}
}

func TestVerifyCodeIssuesSession(t *testing.T) {
	f := newAuthFixture(t)
	lead := f.seedLead(t, "camila@example.com")
	ctx := context.Background()
	if _, err := f.svc.RequestCode(ctx, "12345678-5", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := f.sender.last(t).code

	session, err := f.svc.VerifyCode(ctx, "12.345.678-5", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if session.Token == "" || session.Patient.LeadID != lead.ID {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.ExpiresAt.Equal(f.now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
	claims, err := f.svc.sessions.Parse(session.Token)
	if err != nil || claims.NationalID != "12345678-5" {
		t.Fatalf("unexpected claims %+v (%v)", claims, err)
	}
	if _, err := f.svc.VerifyCode(ctx, "12345678-5", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("code must be single use, got %v", err)
	}
}

func TestVerifyCodeMalformed(t *testing.T) {
	f := newAuthFixture(t)
	for _, code := range []string{"", "12345", "12a456", "1234567"} {
		if _, err := f.svc.VerifyCode(context.Background(), "12345678-5", code); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("code %q: expected ErrInvalidCode, got %v", code, err)
		}
	}
}

func TestVerifyCodeExpired(t *testing.T) {
	f := newAuthFixture(t)
	f.seedLead(t, "camila@example.com")
	ctx := context.Background()
	if _, err := f.svc.RequestCode(ctx, "12345678-5", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := f.sender.last(t).code
	f.now = f.now.Add(10 * time.Minute)

	if _, err := f.svc.VerifyCode(ctx, "12345678-5", code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if _, err := f.svc.VerifyCode(ctx, "12345678-5", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expired code must be deleted, got %v", err)
	}
}

func TestVerifyCodeBurnsAfterMaxAttempts(t *testing.T) {
	f := newAuthFixture(t)
	f.seedLead(t, "camila@example.com")
	ctx := context.Background()
	if _, err := f.svc.RequestCode(ctx, "12345678-5", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := f.sender.last(t).code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < defaultMaxAttempts; i++ {
		if _, err := f.svc.VerifyCode(ctx, "12345678-5", wrong); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("attempt %d: expected ErrCodeMismatch, got %v", i+1, err)
		}
	}
	if _, err := f.svc.VerifyCode(ctx, "12345678-5", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("burned code must not verify, got %v", err)
	}
}

func TestSignupCreatesLeadOnce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	in := SignupInput{Name: "Ana Soto", Email: "ANA@example.com", NationalID: "11.111.111-1", Phone: "+56987654321"}

	ch, err := f.svc.Signup(ctx, in)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if !strings.HasPrefix(ch.EmailMasked, "an***") {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if _, err := f.svc.Signup(ctx, in); err != nil {
		t.Fatalf("second signup: %v", err)
	}
	all, _ := f.leads.List(ctx, leads.ListLeadsFilter{})
	if len(all) != 1 {
		t.Fatalf("expected one lead, got %d", len(all))
	}
	if all[0].Origin != "signup" || all[0].NationalID != "11111111-1" {
		t.Fatalf("unexpected lead %+v", all[0])
	}
}

func TestSignupValidation(t *testing.T) {
	f := newAuthFixture(t)
	if _, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.cl", NationalID: "11111111-1"}); !errors.Is(err, ErrInvalidSignup) {
		t.Fatalf("expected ErrInvalidSignup, got %v", err)
	}
	if _, err := f.svc.Signup(context.Background(), SignupInput{Name: "A", Email: "a@b.cl", NationalID: "1"}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestVerifyCodeConcurrentRequestsShareOneSession(t *testing.T) {
	f := newAuthFixture(t)
	f.seedLead(t, "camila@example.com")
	ctx := context.Background()
	if _, err := f.svc.RequestCode(ctx, "12345678-5", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := f.sender.last(t).code

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.VerifyCode(ctx, "12345678-5", code)
			if err != nil && !errors.Is(err, ErrInvalidCode) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one session for one code, got %d", successes)
	}
}

func TestVerifyCodeMismatchKeepsCodeUsable(t *testing.T) {
	f := newAuthFixture(t)
	f.seedLead(t, "camila@example.com")
	ctx := context.Background()
	if _, err := f.svc.RequestCode(ctx, "12345678-5", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := f.sender.last(t).code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if _, err := f.svc.VerifyCode(ctx, "12345678-5", wrong); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	if _, err := f.svc.VerifyCode(ctx, "12345678-5", code); err != nil {
		t.Fatalf("the right code must still verify after one miss: %v", err)
	}
}
