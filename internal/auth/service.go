package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/internal/notify"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

const (
	codeLength         = 6
	defaultCodeTTL     = 10 * time.Minute
	defaultMaxAttempts = 5
)

// Patient is the identity a session is issued for.
type Patient struct {
	LeadID     string `json:"lead_id,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"-"`
	NationalID string `json:"rut"`
}

// Challenge is returned after a code was sent.
type Challenge struct {
	NationalID       string   `json:"rut"`
	EmailMasked      string   `json:"email_masked,omitempty"`
	PhoneMasked      string   `json:"phone_masked,omitempty"`
	ExpiresInSeconds int      `json:"expires_in_seconds"`
	Channels         []string `json:"channels,omitempty"`
}

// Session is a verified patient session.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Patient   Patient   `json:"user"`
}

// SignupInput registers a new patient before the first code.
type SignupInput struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	NationalID string `json:"rut"`
	Phone      string `json:"phone"`
}

type leadStore interface {
	Create(ctx context.Context, req *leads.CreateLeadRequest) (*leads.Lead, error)
	FindByNationalID(ctx context.Context, nationalID string) (*leads.Lead, error)
}

type evaluationLookup interface {
	FindByNationalID(ctx context.Context, nationalID string) (*evaluation.Evaluation, error)
}

// CodeSender delivers the one-time code.
type CodeSender interface {
	SendOTP(ctx context.Context, to notify.Contact, code string, ttl time.Duration) ([]string, error)
}

type ServiceConfig struct {
	Leads       leadStore
	Evaluations evaluationLookup
	Codes       CodeStore
	Sender      CodeSender
	Sessions    *SessionIssuer
	CodeTTL     time.Duration
	MaxAttempts int
	BcryptCost  int
	Logger      *logging.Logger
	Now         func() time.Time
	Rand        io.Reader
}

// Service runs the national-id login: request a code, verify it, get a
// session.
type Service struct {
	leads       leadStore
	evaluations evaluationLookup
	codes       CodeStore
	sender      CodeSender
	sessions    *SessionIssuer
	ttl         time.Duration
	maxAttempts int
	cost        int
	logger      *logging.Logger
	now         func() time.Time
	rand        io.Reader
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		leads:       cfg.Leads,
		evaluations: cfg.Evaluations,
		codes:       cfg.Codes,
		sender:      cfg.Sender,
		sessions:    cfg.Sessions,
		ttl:         cfg.CodeTTL,
		maxAttempts: cfg.MaxAttempts,
		cost:        cfg.BcryptCost,
		logger:      cfg.Logger,
		now:         cfg.Now,
		rand:        cfg.Rand,
	}
	if s.codes == nil {
		s.codes = NewMemoryCodeStore()
	}
	if s.ttl <= 0 {
		s.ttl = defaultCodeTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.Component("auth")
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s
}

// RequestCode sends a fresh code to a registered patient. email is only
// used when the stored record has none.
func (s *Service) RequestCode(ctx context.Context, nationalID, email string) (*Challenge, error) {
	rut, err := NormalizeRUT(nationalID)
	if err != nil {
		return nil, err
	}
	patient, err := s.lookup(ctx, rut)
	if err != nil {
		return nil, err
	}
	if patient.Email == "" {
		patient.Email = strings.ToLower(strings.TrimSpace(email))
	}
	if patient.Email == "" {
		return nil, ErrEmailRequired
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash code: %w", err)
	}
	if err := s.codes.Save(ctx, rut, StoredCode{Hash: hash, ExpiresAt: s.now().Add(s.ttl)}); err != nil {
		return nil, err
	}

	var channels []string
	if s.sender != nil {
		channels, err = s.sender.SendOTP(ctx, notify.Contact{Name: patient.Name, Email: patient.Email, Phone: patient.Phone}, code, s.ttl)
		if err != nil {
			s.logger.Warn("code stored but not delivered", "lead_id", patient.LeadID, "error", err)
		}
	}
	return &Challenge{
		NationalID:       rut,
		EmailMasked:      MaskEmail(patient.Email),
		PhoneMasked:      MaskPhone(patient.Phone),
		ExpiresInSeconds: int(s.ttl / time.Second),
		Channels:         channels,
	}, nil
}

// VerifyCode checks the code and issues a session. The code is taken out
// of the store before comparing, so two requests racing on one code cannot
// both succeed. A wrong code is put back with one more attempt counted;
// reaching the limit burns it.
func (s *Service) VerifyCode(ctx context.Context, nationalID, code string) (*Session, error) {
	rut, err := NormalizeRUT(nationalID)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if !isDigits(code, codeLength) {
		return nil, ErrInvalidCode
	}
	stored, err := s.codes.Take(ctx, rut)
	if errors.Is(err, errCodeNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(stored.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	if stored.Attempts >= s.maxAttempts {
		return nil, ErrTooManyAttempts
	}
	if bcrypt.CompareHashAndPassword(stored.Hash, []byte(code)) != nil {
		stored.Attempts++
		if stored.Attempts < s.maxAttempts {
			if err := s.codes.Restore(ctx, rut, *stored); err != nil {
				return nil, err
			}
		}
		return nil, ErrCodeMismatch
	}

	patient, err := s.lookup(ctx, rut)
	if err != nil {
		return nil, err
	}
	if s.sessions == nil {
		return nil, errors.New("auth: session issuer not configured")
	}
	token, expires, err := s.sessions.Issue(patient)
	if err != nil {
		return nil, fmt.Errorf("auth: issue session: %w", err)
	}
	s.logger.Info("patient verified", "lead_id", patient.LeadID)
	return &Session{Token: token, ExpiresAt: expires, Patient: patient}, nil
}

// Signup registers the patient as a lead, reusing an existing one for the
// same national id, and sends the first code.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*Challenge, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Name == "" || in.Email == "" {
		return nil, ErrInvalidSignup
	}
	rut, err := NormalizeRUT(in.NationalID)
	if err != nil {
		return nil, err
	}
	if s.leads == nil {
		return nil, errors.New("auth: lead store not configured")
	}
	if _, err := s.leads.FindByNationalID(ctx, rut); errors.Is(err, leads.ErrLeadNotFound) {
		if _, err := s.leads.Create(ctx, &leads.CreateLeadRequest{
			Name:       in.Name,
			Email:      in.Email,
			Phone:      in.Phone,
			NationalID: rut,
			Origin:     "signup",
		}); err != nil {
			return nil, fmt.Errorf("auth: create lead: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return s.RequestCode(ctx, rut, in.Email)
}

// lookup finds the patient by lead first, then by evaluation.
func (s *Service) lookup(ctx context.Context, rut string) (Patient, error) {
	if s.leads != nil {
		lead, err := s.leads.FindByNationalID(ctx, rut)
		if err == nil {
			return Patient{LeadID: lead.ID, Name: lead.Name, Email: lead.Email, Phone: lead.Phone, NationalID: rut}, nil
		}
		if !errors.Is(err, leads.ErrLeadNotFound) {
			return Patient{}, err
		}
	}
	if s.evaluations != nil {
		ev, err := s.evaluations.FindByNationalID(ctx, rut)
		if err == nil {
			return Patient{LeadID: ev.LeadID, Name: ev.Name, Email: ev.Email, Phone: ev.Phone, NationalID: rut}, nil
		}
		if !errors.Is(err, evaluation.ErrNotFound) {
			return Patient{}, err
		}
	}
	return Patient{}, ErrNewPatient
}

func (s *Service) generateCode() (string, error) {
	n, err := rand.Int(s.rand, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("auth: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func isDigits(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
