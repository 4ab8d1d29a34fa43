package gameserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const bearerPrefix = "Bearer "

// IdentityResolver reads the optional session token of a duplex connection.
// Requests without a valid token resolve to a guest.
type IdentityResolver struct {
	signingKey []byte
	issuer     string
	cookieName string
}

// NewIdentityResolver builds a resolver matching the session validator settings.
func NewIdentityResolver(cfg Config) *IdentityResolver {
	return &IdentityResolver{
		signingKey: []byte(cfg.SessionSigningKey),
		issuer:     cfg.SessionIssuer,
		cookieName: cfg.SessionCookieName,
	}
}

// Resolve returns the authenticated user id, or the zero UserID for guests.
func (resolver *IdentityResolver) Resolve(request *http.Request) ledger.UserID {
	token := resolver.token(request)
	if token == "" {
		return ledger.UserID{}
	}
	userID, err := resolver.parse(token)
	if err != nil {
		return ledger.UserID{}
	}
	return userID
}

func (resolver *IdentityResolver) token(request *http.Request) string {
	if cookie, err := request.Cookie(resolver.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return ""
}

func (resolver *IdentityResolver) parse(token string) (ledger.UserID, error) {
	claims := &sessionvalidator.Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return resolver.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(resolver.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return ledger.UserID{}, fmt.Errorf("parse session token: %w", err)
	}
	return ledger.NewUserID(claims.GetUserID())
}
