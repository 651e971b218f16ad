package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func signRaw(t *testing.T, method gjwt.SigningMethod, key interface{}, claims PendingClaims, kid string) string {
	t.Helper()
	tok := gjwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	out, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return out
}

func validClaims(issuer string, exp time.Time) PendingClaims {
	return PendingClaims{
		UID: "user-1",
		PID: "pending-1",
		Use: TokenUse,
		RegisteredClaims: gjwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  gjwt.NewNumericDate(time.Now()),
			ExpiresAt: gjwt.NewNumericDate(exp),
		},
	}
}

func TestCreateAndParsePending(t *testing.T) {
	pub, priv := newEdKeys(t)
	m, err := NewManager(Config{SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub, Issuer: "goMFA"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.CreatePending("user-1", "pending-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	claims, err := m.ParsePending(token)
	if err != nil {
		t.Fatalf("parse pending: %v", err)
	}
	if claims.UID != "user-1" || claims.PID != "pending-1" || claims.Use != TokenUse {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestCreatePendingRejectsPastExpiry(t *testing.T) {
	pub, priv := newEdKeys(t)
	m, _ := NewManager(Config{PrivateKey: priv, PublicKey: pub})

	if _, err := m.CreatePending("u", "p", time.Now().Add(-time.Second)); !errors.Is(err, ErrTokenExpiry) {
		t.Fatalf("expected ErrTokenExpiry, got %v", err)
	}
	if _, err := m.CreatePending("", "p", time.Now().Add(time.Minute)); !errors.Is(err, ErrTokenSubject) {
		t.Fatalf("expected ErrTokenSubject, got %v", err)
	}
}

func TestVerifyOnlyManagerCannotSign(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.CanSign() {
		t.Fatal("expected verify-only manager")
	}
	if _, err := m.CreatePending("u", "p", time.Now().Add(time.Minute)); err == nil {
		t.Fatal("expected signing to fail without a private key")
	}
}

func TestParsePendingRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token := signRaw(t, gjwt.SigningMethodHS256, []byte("secret-secret-secret-secret"), validClaims("", time.Now().Add(time.Minute)), "")
	if _, err := m.ParsePending(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParsePendingRequiresUseClaim(t *testing.T) {
	pub, priv := newEdKeys(t)
	m, _ := NewManager(Config{SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub})

	claims := validClaims("", time.Now().Add(time.Minute))
	claims.Use = "access"
	token := signRaw(t, gjwt.SigningMethodEdDSA, priv, claims, "")
	if _, err := m.ParsePending(token); !errors.Is(err, ErrTokenUse) {
		t.Fatalf("expected ErrTokenUse, got %v", err)
	}

	claims = validClaims("", time.Now().Add(time.Minute))
	claims.PID = ""
	token = signRaw(t, gjwt.SigningMethodEdDSA, priv, claims, "")
	if _, err := m.ParsePending(token); !errors.Is(err, ErrTokenSubject) {
		t.Fatalf("expected ErrTokenSubject, got %v", err)
	}
}

func TestParsePendingIssuerAudienceAndLeeway(t *testing.T) {
	pub, priv := newEdKeys(t)
	m, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "goMFA",
		Audience:      "login",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	good, err := m.CreatePending("user-1", "pending-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, err := m.ParsePending(good); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}

	wrongIssuer := validClaims("other", time.Now().Add(time.Minute))
	wrongIssuer.Audience = gjwt.ClaimStrings{"login"}
	if _, err := m.ParsePending(signRaw(t, gjwt.SigningMethodEdDSA, priv, wrongIssuer, "")); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}

	wrongAudience := validClaims("goMFA", time.Now().Add(time.Minute))
	wrongAudience.Audience = gjwt.ClaimStrings{"api"}
	if _, err := m.ParsePending(signRaw(t, gjwt.SigningMethodEdDSA, priv, wrongAudience, "")); err == nil {
		t.Fatal("expected wrong audience to fail")
	}

	withinLeeway := validClaims("goMFA", time.Now().Add(-15*time.Second))
	withinLeeway.Audience = gjwt.ClaimStrings{"login"}
	withinLeeway.IssuedAt = gjwt.NewNumericDate(time.Now().Add(-time.Minute))
	if _, err := m.ParsePending(signRaw(t, gjwt.SigningMethodEdDSA, priv, withinLeeway, "")); err != nil {
		t.Fatalf("expected token within leeway to pass: %v", err)
	}

	expired := validClaims("goMFA", time.Now().Add(-2*time.Minute))
	expired.Audience = gjwt.ClaimStrings{"login"}
	expired.IssuedAt = gjwt.NewNumericDate(time.Now().Add(-3 * time.Minute))
	if _, err := m.ParsePending(signRaw(t, gjwt.SigningMethodEdDSA, priv, expired, "")); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParsePendingRequiresExpiry(t *testing.T) {
	pub, priv := newEdKeys(t)
	m, _ := NewManager(Config{SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub})

	claims := validClaims("", time.Now())
	claims.ExpiresAt = nil
	if _, err := m.ParsePending(signRaw(t, gjwt.SigningMethodEdDSA, priv, claims, "")); err == nil {
		t.Fatal("expected token without exp to fail")
	}
}

func TestParsePendingUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, _ := newEdKeys(t)
	m, err := NewManager(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub1},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := validClaims("", time.Now().Add(time.Minute))
	if _, err := m.ParsePending(signRaw(t, gjwt.SigningMethodEdDSA, priv1, claims, "k2")); err == nil {
		t.Fatal("expected unknown kid failure")
	}
	good := signRaw(t, gjwt.SigningMethodEdDSA, priv1, claims, "k1")
	if _, err := m.ParsePending(good); err != nil {
		t.Fatalf("expected known kid token to pass: %v", err)
	}

	m2, _ := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub2, VerifyKeys: map[string][]byte{"k1": pub2}})
	if _, err := m2.ParsePending(good); err == nil {
		t.Fatal("expected parse failure with mismatched key set")
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	pub, _ := newEdKeys(t)
	cases := map[string]Config{
		"leeway":      {SigningMethod: MethodEd25519, PublicKey: pub, Leeway: 5 * time.Minute},
		"hs256 key":   {SigningMethod: MethodHS256},
		"no ed key":   {SigningMethod: MethodEd25519},
		"bad method":  {SigningMethod: "rs256", PublicKey: pub},
		"kid missing": {SigningMethod: MethodEd25519, PublicKey: pub, KeyID: "k9", VerifyKeys: map[string][]byte{"k1": pub}},
		"short key":   {SigningMethod: MethodEd25519, PublicKey: []byte("short")},
	}
	for name, cfg := range cases {
		if _, err := NewManager(cfg); err == nil {
			t.Errorf("%s: expected config error", name)
		}
	}
}
