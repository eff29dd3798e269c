package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify a verified patient.
type Claims struct {
	LeadID     string `json:"lead_id,omitempty"`
	NationalID string `json:"rut"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SessionIssuer signs and verifies HMAC patient session tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

const sessionIssuer = "dental-evaluation-funnel"

func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: session secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source.
func (s *SessionIssuer) WithClock(now func() time.Time) *SessionIssuer {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *SessionIssuer) Issue(p Patient) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	subject := p.LeadID
	if subject == "" {
		subject = p.NationalID
	}
	claims := Claims{
		LeadID:     p.LeadID,
		NationalID: p.NationalID,
		Email:      p.Email,
		Name:       p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

func (s *SessionIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	return claims, nil
}
