package gameserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

func TestIdentityResolverAcceptsCookieAndBearer(test *testing.T) {
	test.Parallel()
	cfg := testConfig()
	resolver := NewIdentityResolver(cfg)
	token := signSessionToken(test, cfg, "demo-user", cfg.SessionIssuer, time.Hour)

	withCookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	withCookie.AddCookie(&http.Cookie{Name: cfg.SessionCookieName, Value: token})
	if got := resolver.Resolve(withCookie).String(); got != "demo-user" {
		test.Fatalf("expected demo-user from cookie, got %q", got)
	}

	withBearer := httptest.NewRequest(http.MethodGet, "/ws", nil)
	withBearer.Header.Set("Authorization", "Bearer "+token)
	if got := resolver.Resolve(withBearer).String(); got != "demo-user" {
		test.Fatalf("expected demo-user from bearer, got %q", got)
	}
}

func TestIdentityResolverFallsBackToGuest(test *testing.T) {
	test.Parallel()
	cfg := testConfig()
	resolver := NewIdentityResolver(cfg)
	otherKey := cfg
	otherKey.SessionSigningKey = "other-key"

	testCases := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong issuer", token: signSessionToken(test, cfg, "demo-user", "someone-else", time.Hour)},
		{name: "expired", token: signSessionToken(test, cfg, "demo-user", cfg.SessionIssuer, -time.Hour)},
		{name: "wrong key", token: signSessionToken(test, otherKey, "demo-user", cfg.SessionIssuer, time.Hour)},
		{name: "blank user", token: signSessionToken(test, cfg, "  ", cfg.SessionIssuer, time.Hour)},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			request := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if testCase.token != "" {
				request.AddCookie(&http.Cookie{Name: cfg.SessionCookieName, Value: testCase.token})
			}
			if userID := resolver.Resolve(request); !userID.IsZero() {
				test.Fatalf("expected guest, got %q", userID.String())
			}
		})
	}
}

func signSessionToken(test *testing.T, cfg Config, userID string, issuer string, ttl time.Duration) string {
	test.Helper()
	now := time.Now().UTC()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       "demo@example.com",
		UserDisplayName: "Demo",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return signed
}

func testConfig() Config {
	cfg := Config{
		ListenAddr:        "127.0.0.1:0",
		GRPCListenAddr:    "127.0.0.1:0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		ResolveDelay:      10 * time.Millisecond,
		LedgerTimeout:     2 * time.Second,
	}
	return cfg
}
