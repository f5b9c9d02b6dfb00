package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/smtp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	verificationCodeTTL = 10 * time.Minute
	maxCodeAttempts     = 5
)

var (
	ErrCodeExpired  = errors.New("verification code expired or not requested")
	ErrCodeMismatch = errors.New("verification code does not match")
	ErrTooManyTries = errors.New("too many verification attempts, request a new code")
)

// SMTPConfig is the outbound mail configuration. An empty Host disables
// delivery; codes are then only logged, which is the development mode.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type pendingCode struct {
	code     string
	attempts int
}

// VerificationService issues short-lived email verification codes for
// registration. Codes live in an in-memory TTL cache and survive neither
// restarts nor horizontal scaling, which is acceptable for their lifetime.
type VerificationService struct {
	codes *cache.Cache
	smtp  SMTPConfig
}

func NewVerificationService(smtpCfg SMTPConfig) *VerificationService {
	return &VerificationService{
		codes: cache.New(verificationCodeTTL, 5*time.Minute),
		smtp:  smtpCfg,
	}
}

// RequestCode generates and delivers a 6-digit code for the email.
// Requesting again replaces the previous code.
func (s *VerificationService) RequestCode(email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate verification code: %w", err)
	}

	s.codes.Set(email, &pendingCode{code: code}, cache.DefaultExpiration)

	if s.smtp.Host == "" {
		log.Printf("📧 SMTP disabled, verification code for %s: %s", email, code)
		return nil
	}
	if err := s.send(email, code); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	log.Printf("📧 Verification code sent to %s", email)
	return nil
}

// VerifyCode checks a submitted code. A correct code is consumed; a wrong
// one burns an attempt.
func (s *VerificationService) VerifyCode(email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	value, found := s.codes.Get(email)
	if !found {
		return ErrCodeExpired
	}
	pending := value.(*pendingCode)

	if pending.attempts >= maxCodeAttempts {
		s.codes.Delete(email)
		return ErrTooManyTries
	}

	if pending.code != strings.TrimSpace(code) {
		pending.attempts++
		return ErrCodeMismatch
	}

	s.codes.Delete(email)
	return nil
}

func (s *VerificationService) send(email, code string) error {
	addr := s.smtp.Host + ":" + s.smtp.Port
	msg := strings.Join([]string{
		"From: " + s.smtp.From,
		"To: " + email,
		"Subject: Your verification code",
		"",
		"Your verification code is " + code + ". It expires in 10 minutes.",
	}, "\r\n")

	var a smtp.Auth
	if s.smtp.User != "" {
		a = smtp.PlainAuth("", s.smtp.User, s.smtp.Password, s.smtp.Host)
	}
	return smtp.SendMail(addr, a, s.smtp.From, []string{email}, []byte(msg))
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
