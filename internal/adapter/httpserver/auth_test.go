package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
)

func sessionTestConfig() config.Config {
	return config.Config{
		AppEnv:             "dev",
		AdminUsername:      "ops",
		AdminSessionSecret: "unit-test-secret",
	}
}

func Test_HashPassword_VerifyRoundtrip(t *testing.T) {
	hash, err := HashPassword("s3cret-pass", defaultArgon2Params)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "argon2id$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}
	if !VerifyPassword("s3cret-pass", hash) {
		t.Fatalf("correct password should verify")
	}
	if VerifyPassword("wrong-pass", hash) {
		t.Fatalf("wrong password should not verify")
	}
}

func Test_VerifyPassword_MalformedHash(t *testing.T) {
	for _, h := range []string{
		"",
		"plaintext",
		"bcrypt$1$2$3$abc$def",
		"argon2id$x$65536$2$c2FsdA$aGFzaA",
		"argon2id$3$65536$2$!!!$aGFzaA",
		"argon2id$3$65536$2$c2FsdA",
	} {
		if VerifyPassword("anything", h) {
			t.Fatalf("malformed hash %q should not verify", h)
		}
	}
}

func Test_CreateSession_ValidateRoundtrip(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	val, err := sm.CreateSession("ops")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sd, err := sm.ValidateSession(val)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sd.Username != "ops" {
		t.Fatalf("username: got %s", sd.Username)
	}
	if !sd.ExpiresAt.After(time.Now()) {
		t.Fatalf("session should expire in the future")
	}
}

func Test_CreateSession_RejectsColonUsername(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	if _, err := sm.CreateSession("a:b"); err == nil {
		t.Fatalf("expected error for username with colon")
	}
}

func Test_ValidateSession_TamperedPayload(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	val, err := sm.CreateSession("ops")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tampered := strings.Replace(val, "ops", "root", 1)
	if _, err := sm.ValidateSession(tampered); err == nil {
		t.Fatalf("tampered payload should fail validation")
	}
}

func Test_ValidateSession_WrongSecret(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	val, err := sm.CreateSession("ops")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := sessionTestConfig()
	other.AdminSessionSecret = "other-secret"
	if _, err := NewSessionManager(other).ValidateSession(val); err == nil {
		t.Fatalf("session signed with another secret should fail")
	}
}

func Test_ValidateSession_Expired(t *testing.T) {
	cfg := sessionTestConfig()
	sm := NewSessionManager(cfg)
	past := time.Now().Add(-2 * time.Hour).Unix()
	payload := fmt.Sprintf("ops:%d:%d", past, past)
	mac := hmac.New(sha256.New, []byte(cfg.AdminSessionSecret))
	mac.Write([]byte(payload))
	val := payload + "." + base64.URLEncoding.EncodeToString(mac.Sum(nil))
	if _, err := sm.ValidateSession(val); err == nil {
		t.Fatalf("expired session should fail validation")
	}
}

func Test_AuthRequired_NoCookie(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	sm.AuthRequired(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler should not run")
	})).ServeHTTP(rec, r)
	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Result().StatusCode)
	}
}

func Test_AuthRequired_InvalidCookieClearsAndRejects(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "garbage.cookie"})
	sm.AuthRequired(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler should not run")
	})).ServeHTTP(rec, r)
	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
	cleared := false
	for _, c := range res.Cookies() {
		if c.Name == "session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("invalid cookie should be cleared")
	}
}

func Test_AuthRequired_ValidSessionReachesHandler(t *testing.T) {
	sm := NewSessionManager(sessionTestConfig())
	val, err := sm.CreateSession("ops")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: val})
	var seen string
	sm.AuthRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sd, ok := SessionFrom(r.Context()); ok {
			seen = sd.Username
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, r)
	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("want 204, got %d", rec.Result().StatusCode)
	}
	if seen != "ops" {
		t.Fatalf("session not propagated, got %q", seen)
	}
}
