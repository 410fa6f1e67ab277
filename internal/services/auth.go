package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	otpDigits      = 6
	maxOTPAttempts = 5
)

// CodeSender delivers a one-time code to a phone number.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// LogCodeSender writes codes to the log. It stands in for an SMS gateway
// during development.
type LogCodeSender struct {
	Log zerolog.Logger
}

func (s LogCodeSender) SendCode(_ context.Context, phone, code string) error {
	s.Log.Info().Str("phone", phone).Str("code", code).Msg("verification code issued")
	return nil
}

// Claims extends JWT standard claims with the verified phone number.
type Claims struct {
	jwt.RegisteredClaims
	Phone string `json:"phone"`
}

type AuthSettings struct {
	Secret      string
	TokenExpiry time.Duration
	CodeTTL     time.Duration
	PhonePrefix string
	BcryptCost  int
}

type challenge struct {
	hash      []byte
	expiresAt time.Time
	attempts  int
}

// AuthService signs users in with a phone number and a one-time code.
type AuthService struct {
	settings AuthSettings
	sender   CodeSender
	now      func() time.Time

	mu         sync.Mutex
	challenges map[string]*challenge
}

func NewAuthService(settings AuthSettings, sender CodeSender) *AuthService {
	if settings.BcryptCost == 0 {
		settings.BcryptCost = bcrypt.DefaultCost
	}
	if settings.CodeTTL <= 0 {
		settings.CodeTTL = 5 * time.Minute
	}
	if settings.TokenExpiry <= 0 {
		settings.TokenExpiry = 72 * time.Hour
	}
	return &AuthService{
		settings:   settings,
		sender:     sender,
		now:        time.Now,
		challenges: make(map[string]*challenge),
	}
}

// NormalizePhone strips formatting and adds the country prefix to bare
// ten-digit numbers.
func (s *AuthService) NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	prefix := strings.TrimPrefix(s.settings.PhonePrefix, "+")
	switch {
	case strings.HasPrefix(strings.TrimSpace(raw), "+") && len(d) >= 10 && len(d) <= 15:
		return "+" + d, nil
	case len(d) == 10:
		return "+" + prefix + d, nil
	case prefix != "" && strings.HasPrefix(d, prefix) && len(d) == len(prefix)+10:
		return "+" + d, nil
	default:
		return "", ErrInvalidPhone
	}
}

// StartChallenge issues a new code for phone, replacing any pending one.
func (s *AuthService) StartChallenge(ctx context.Context, rawPhone string) (string, error) {
	phone, err := s.NormalizePhone(rawPhone)
	if err != nil {
		return "", err
	}
	code, err := randomCode(otpDigits)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.settings.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	s.mu.Lock()
	s.challenges[phone] = &challenge{hash: hash, expiresAt: s.now().Add(s.settings.CodeTTL)}
	s.mu.Unlock()

	if err := s.sender.SendCode(ctx, phone, code); err != nil {
		s.mu.Lock()
		delete(s.challenges, phone)
		s.mu.Unlock()
		return "", fmt.Errorf("send code: %w", err)
	}
	return phone, nil
}

// Verify checks code against the pending challenge and returns a signed token.
func (s *AuthService) Verify(rawPhone, code string) (string, string, error) {
	phone, err := s.NormalizePhone(rawPhone)
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[phone]
	if !ok {
		return "", "", ErrInvalidCode
	}
	if s.now().After(ch.expiresAt) {
		delete(s.challenges, phone)
		return "", "", ErrChallengeExpired
	}
	if err := bcrypt.CompareHashAndPassword(ch.hash, []byte(strings.TrimSpace(code))); err != nil {
		ch.attempts++
		if ch.attempts >= maxOTPAttempts {
			delete(s.challenges, phone)
		}
		return "", "", ErrInvalidCode
	}
	delete(s.challenges, phone)

	token, err := s.GenerateToken(phone)
	if err != nil {
		return "", "", err
	}
	return token, phone, nil
}

func (s *AuthService) GenerateToken(phone string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   phone,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.settings.TokenExpiry)),
		},
		Phone: phone,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.settings.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a signed token.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.settings.Secret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid || claims.Phone == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func randomCode(digits int) (string, error) {
	var b strings.Builder
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
