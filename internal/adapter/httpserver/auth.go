package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// sessionTTL bounds how long an admin session stays valid.
const sessionTTL = 24 * time.Hour

// HashPassword creates an Argon2id hash of the password in the form
// argon2id$iterations$memory$parallelism$salt$hash with raw-std base64
// for the salt and hash. ADMIN_PASSWORD_HASH carries this format.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies a password against its Argon2id hash. Any
// malformed hash verifies false rather than erroring.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	par := uint8(math.MaxUint8)
	if par64 <= math.MaxUint8 {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// SessionData is the decoded content of a valid session cookie.
type SessionData struct {
	Username  string
	LoginTime time.Time
	ExpiresAt time.Time
}

// SessionManager issues and validates HMAC-signed session cookies. The
// cookie value is "username:loginUnix:expiresUnix.signature"; no server
// side state is kept, so rotating ADMIN_SESSION_SECRET invalidates every
// outstanding session at once.
type SessionManager struct {
	secret []byte
	cfg    config.Config
}

// NewSessionManager creates a session manager from the admin config.
func NewSessionManager(cfg config.Config) *SessionManager {
	return &SessionManager{secret: []byte(cfg.AdminSessionSecret), cfg: cfg}
}

// CreateSession returns a signed cookie value for the given username.
func (sm *SessionManager) CreateSession(username string) (string, error) {
	if strings.Contains(username, ":") {
		return "", fmt.Errorf("username must not contain ':'")
	}
	now := time.Now()
	payload := fmt.Sprintf("%s:%d:%d", username, now.Unix(), now.Add(sessionTTL).Unix())
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(payload))
	signature := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	return payload + "." + signature, nil
}

// ValidateSession checks the signature and expiry of a cookie value.
func (sm *SessionManager) ValidateSession(sessionValue string) (*SessionData, error) {
	if sessionValue == "" {
		return nil, fmt.Errorf("empty session value")
	}
	parts := strings.Split(sessionValue, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid session format")
	}
	payload, signatureB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)
	actual, err := base64.URLEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	if !hmac.Equal(expected, actual) {
		return nil, fmt.Errorf("invalid session signature")
	}

	fields := strings.Split(payload, ":")
	if len(fields) != 3 {
		return nil, fmt.Errorf("invalid payload format")
	}
	loginTime := time.Unix(parseInt64(fields[1]), 0)
	expiresAt := time.Unix(parseInt64(fields[2]), 0)
	if time.Now().After(expiresAt) {
		return nil, fmt.Errorf("session expired")
	}
	return &SessionData{Username: fields[0], LoginTime: loginTime, ExpiresAt: expiresAt}, nil
}

// SetSessionCookie sets the session cookie on the response.
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, sessionValue string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    sessionValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   !sm.cfg.IsDev(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL / time.Second),
	})
}

// ClearSessionCookie expires the session cookie.
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !sm.cfg.IsDev(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

type sessionKey struct{}

// SessionFrom returns the session placed in the context by AuthRequired.
func SessionFrom(ctx context.Context) (*SessionData, bool) {
	sd, ok := ctx.Value(sessionKey{}).(*SessionData)
	return sd, ok
}

// AuthRequired guards the admin API. The surface is JSON only, so a
// missing or invalid session answers 401 rather than redirecting.
func (sm *SessionManager) AuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil || cookie.Value == "" {
			writeUnauthorized(w, "authentication required")
			return
		}
		sessionData, err := sm.ValidateSession(cookie.Value)
		if err != nil {
			sm.ClearSessionCookie(w)
			writeUnauthorized(w, "session invalid")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sessionData)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseInt64(s string) int64 {
	x, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return x
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
