package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "tablesync",
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueSessionToken("user-123", "Ada")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return clockNow }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.Issuer != "tablesync" {
		t.Fatalf("unexpected registered claims %+v", claims.RegisteredClaims)
	}
	if claims.DisplayName != "Ada" {
		t.Fatalf("unexpected custom claims %+v", claims)
	}
}

func TestTokenIssuerRoundTripsThroughValidator(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueSessionToken(testSessionSubject, "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	validator := newTestValidator(t, clockNow.Add(29*time.Minute))
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	expired := newTestValidator(t, clockNow.Add(31*time.Minute))
	if _, err := expired.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected default ttl to expire the token")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "tablesync"}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " "}); err == nil {
		t.Fatalf("expected constructor error for missing issuer")
	}
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "tablesync"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken("  ", ""); err == nil {
		t.Fatalf("expected missing subject error")
	}
}
