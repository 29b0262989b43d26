package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/companionlabs/companiond/internal/db"
	"github.com/companionlabs/companiond/internal/ledger"
)

const testSecret = "identity-test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		t.Fatalf("sign token: %v", errSign)
	}
	return token
}

func TestParse(t *testing.T) {
	verifier := NewVerifier(testSecret)

	claims, errParse := verifier.Parse(signToken(t, testSecret, Claims{Email: "User@Example.COM"}))
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("email = %q, want lowercased", claims.Email)
	}

	if _, err := verifier.Parse(signToken(t, "wrong-secret", Claims{Email: "a@b.c"})); err == nil {
		t.Fatalf("foreign signature accepted")
	}
	if _, err := verifier.Parse(signToken(t, testSecret, Claims{})); err == nil {
		t.Fatalf("token without email or phone accepted")
	}

	expired := Claims{Email: "a@b.c"}
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	raw, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte(testSecret))
	if _, err := verifier.Parse(raw); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func newIdentityRouter(t *testing.T) *gin.Engine {
	t.Helper()
	conn, errOpen := db.Open("file:" + filepath.Join(t.TempDir(), "identity.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", Middleware(NewVerifier(testSecret), ledger.New(conn)), func(c *gin.Context) {
		user := CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{"id": user.ID, "email": user.EmailAddress(), "phone": user.PhoneNumber()})
	})
	return router
}

func TestMiddlewareResolvesUser(t *testing.T) {
	router := newIdentityRouter(t)
	token := signToken(t, testSecret, Claims{Email: "pat@example.com"})

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", first.Code, first.Body.String())
	}
	var firstBody map[string]any
	_ = json.Unmarshal(first.Body.Bytes(), &firstBody)
	if firstBody["email"] != "pat@example.com" {
		t.Fatalf("email = %v", firstBody["email"])
	}

	// The same identity resolves to the same row, not a duplicate.
	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(second, req)
	var secondBody map[string]any
	_ = json.Unmarshal(second.Body.Bytes(), &secondBody)
	if firstBody["id"] != secondBody["id"] {
		t.Fatalf("user ids differ: %v vs %v", firstBody["id"], secondBody["id"])
	}
}

func TestMiddlewareResolvesPhoneUser(t *testing.T) {
	router := newIdentityRouter(t)
	token := signToken(t, testSecret, Claims{Phone: "+4915112345678"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["phone"] != "+4915112345678" {
		t.Fatalf("phone = %v", body["phone"])
	}
}

func TestMiddlewareRejectsBadRequests(t *testing.T) {
	router := newIdentityRouter(t)

	cases := map[string]string{
		"missing header":  "",
		"not bearer":      "Basic abc",
		"garbage token":   "Bearer not-a-jwt",
		"wrong signature": "Bearer " + signToken(t, "other-secret", Claims{Email: "a@b.c"}),
	}
	for name, header := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", name, rec.Code)
		}
	}
}
