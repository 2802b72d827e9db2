package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubjectBearer is the subject reported for callers presenting the shared secret directly.
const SubjectBearer = "bearer"

var (
	// ErrUnauthorized is returned when a request carries no valid credential.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrSecretEmpty is returned by VerifySecret for an empty candidate.
	ErrSecretEmpty = errors.New("Secret key is empty")
	// ErrSecretInvalid is returned by VerifySecret for a mismatching candidate.
	ErrSecretInvalid = errors.New("Secret key is invalid")
)

// Manager checks the shared secret and issues signed session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret. ttl is the session
// lifetime; zero means 24h.
func NewManager(secret string, ttl time.Duration) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL reports the session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// VerifySecret compares a candidate with the shared secret in constant time.
func (m *Manager) VerifySecret(candidate string) error {
	if candidate == "" {
		return ErrSecretEmpty
	}
	if !hmac.Equal([]byte(candidate), m.secret) {
		return ErrSecretInvalid
	}
	return nil
}

// NewSession issues a token for a fresh random subject.
func (m *Manager) NewSession() (subject, token string, err error) {
	subject, err = randomID()
	if err != nil {
		return "", "", err
	}
	token, err = m.IssueToken(subject, m.ttl)
	if err != nil {
		return "", "", err
	}
	return subject, token, nil
}

// Authenticate resolves the caller of r. A bearer credential must equal the
// shared secret; otherwise the session cookie must carry a valid token.
func (m *Manager) Authenticate(r *http.Request, cookieName string) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if err := m.VerifySecret(token); err == nil {
			return SubjectBearer, nil
		}
		if subject, err := m.ValidateToken(token); err == nil {
			return subject, nil
		}
		return "", ErrUnauthorized
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			if subject, err := m.ValidateToken(c.Value); err == nil {
				return subject, nil
			}
		}
	}
	return "", ErrUnauthorized
}

// IssueToken issues a signed session token for the subject.
func (m *Manager) IssueToken(subject string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = m.ttl
	}
	expires := m.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", subject, expires)
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// ValidateToken validates and returns the embedded subject.
func (m *Manager) ValidateToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", errors.New("invalid token format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid token signature")
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", errors.New("signature mismatch")
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", errors.New("invalid payload")
	}
	subject := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", errors.New("invalid expiry")
	}
	if m.now().Unix() > expiry {
		return "", errors.New("token expired")
	}
	return subject, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

func randomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
