package goMFA

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

func webAuthnTestConfig() PasskeyConfig {
	cfg := DefaultConfig().Passkey
	cfg.Enabled = true
	cfg.RPID = testRPID
	cfg.RPDisplayName = "Example"
	cfg.RPOrigins = []string{testOrigin}
	return cfg
}

// softAuthenticator is an ES256 platform authenticator with "none"
// attestation, enough to drive the real go-webauthn ceremonies.
type softAuthenticator struct {
	key          *ecdsa.PrivateKey
	credentialID []byte
	origin       string
	rpID         string
}

func newSoftAuthenticator(t *testing.T, credentialID string) *softAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey failed: %v", err)
	}
	return &softAuthenticator{
		key:          key,
		credentialID: []byte(credentialID),
		origin:       testOrigin,
		rpID:         testRPID,
	}
}

type ceremonyOptions struct {
	PublicKey struct {
		Challenge          string `json:"challenge"`
		ExcludeCredentials []struct {
			ID string `json:"id"`
		} `json:"excludeCredentials"`
		AllowCredentials []struct {
			ID string `json:"id"`
		} `json:"allowCredentials"`
	} `json:"publicKey"`
}

func parseCeremonyOptions(t *testing.T, raw json.RawMessage) ceremonyOptions {
	t.Helper()
	var opts ceremonyOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		t.Fatalf("options decode failed: %v", err)
	}
	if opts.PublicKey.Challenge == "" {
		t.Fatalf("options carry no challenge: %s", raw)
	}
	return opts
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (a *softAuthenticator) clientData(t *testing.T, ceremony, challenge string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":      ceremony,
		"challenge": challenge,
		"origin":    a.origin,
	})
	if err != nil {
		t.Fatalf("client data encode failed: %v", err)
	}
	return data
}

func (a *softAuthenticator) authData(counter uint32, flags byte, attested []byte) []byte {
	rpHash := sha256.Sum256([]byte(a.rpID))
	out := append([]byte(nil), rpHash[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, counter)
	return append(out, attested...)
}

func (a *softAuthenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	x := make([]byte, 32)
	y := make([]byte, 32)
	a.key.PublicKey.X.FillBytes(x)
	a.key.PublicKey.Y.FillBytes(y)
	key, err := webauthncbor.Marshal(map[int]any{
		1:  int64(webauthncose.EllipticKey),
		3:  int64(webauthncose.AlgES256),
		-1: int64(webauthncose.P256),
		-2: x,
		-3: y,
	})
	if err != nil {
		t.Fatalf("cose key encode failed: %v", err)
	}
	return key
}

// register answers creation options with a "none" attestation.
func (a *softAuthenticator) register(t *testing.T, raw json.RawMessage) []byte {
	t.Helper()
	opts := parseCeremonyOptions(t, raw)

	attested := make([]byte, 16) // zero AAGUID
	attested = binary.BigEndian.AppendUint16(attested, uint16(len(a.credentialID)))
	attested = append(attested, a.credentialID...)
	attested = append(attested, a.coseKey(t)...)

	flags := byte(protocol.FlagUserPresent | protocol.FlagUserVerified | protocol.FlagAttestedCredentialData)
	object, err := webauthncbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": a.authData(0, flags, attested),
	})
	if err != nil {
		t.Fatalf("attestation encode failed: %v", err)
	}

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.credentialID),
		"rawId": b64(a.credentialID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(a.clientData(t, "webauthn.create", opts.PublicKey.Challenge)),
			"attestationObject": b64(object),
			"transports":        []string{"internal"},
		},
	})
	if err != nil {
		t.Fatalf("registration encode failed: %v", err)
	}
	return body
}

// assert answers request options; signer overrides the signing key.
func (a *softAuthenticator) assert(t *testing.T, raw json.RawMessage, counter uint32, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	opts := parseCeremonyOptions(t, raw)
	if signer == nil {
		signer = a.key
	}

	clientData := a.clientData(t, "webauthn.get", opts.PublicKey.Challenge)
	authData := a.authData(counter, byte(protocol.FlagUserPresent|protocol.FlagUserVerified), nil)
	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte(nil), authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, signer, digest[:])
	if err != nil {
		t.Fatalf("assertion sign failed: %v", err)
	}

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.credentialID),
		"rawId": b64(a.credentialID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(clientData),
			"authenticatorData": b64(authData),
			"signature":         b64(sig),
		},
	})
	if err != nil {
		t.Fatalf("assertion encode failed: %v", err)
	}
	return body
}

func newWebAuthnEngine(t *testing.T) (*Engine, *memoryStore) {
	t.Helper()
	_, rdb := newTestRedis(t)
	store := newMemoryStore()

	cfg := testConfig()
	cfg.Passkey = webAuthnTestConfig()
	engine, err := New().WithConfig(cfg).WithRedis(rdb).WithCredentialStore(store).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	if _, ok := engine.passkeys.(*WebAuthnVerifier); !ok {
		t.Fatalf("expected go-webauthn verifier, got %T", engine.passkeys)
	}
	return engine, store
}

func TestNewWebAuthnVerifierRequiresRelyingParty(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PasskeyConfig)
	}{
		{"missing rp id", func(c *PasskeyConfig) { c.RPID = "" }},
		{"missing display name", func(c *PasskeyConfig) { c.RPDisplayName = "" }},
		{"missing origins", func(c *PasskeyConfig) { c.RPOrigins = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := webAuthnTestConfig()
			tt.mutate(&cfg)
			if _, err := NewWebAuthnVerifier(cfg); err == nil {
				t.Fatal("expected relying party rejection")
			}
		})
	}

	if _, err := NewWebAuthnVerifier(webAuthnTestConfig()); err != nil {
		t.Fatalf("NewWebAuthnVerifier failed: %v", err)
	}
}

func TestWebAuthnVerifierCeremonyOptions(t *testing.T) {
	v, err := NewWebAuthnVerifier(webAuthnTestConfig())
	if err != nil {
		t.Fatalf("NewWebAuthnVerifier failed: %v", err)
	}
	user := PasskeyUser{
		ID:   "u1",
		Name: "alice",
		Credentials: []Passkey{
			{CredentialID: []byte("cred-a"), Transports: []string{"usb"}},
			{CredentialID: []byte("cred-b")},
		},
	}
	want := []string{b64([]byte("cred-a")), b64([]byte("cred-b"))}

	raw, challenge, err := v.BeginRegistration(user)
	if err != nil {
		t.Fatalf("BeginRegistration failed: %v", err)
	}
	opts := parseCeremonyOptions(t, raw)
	if len(opts.PublicKey.ExcludeCredentials) != 2 ||
		opts.PublicKey.ExcludeCredentials[0].ID != want[0] ||
		opts.PublicKey.ExcludeCredentials[1].ID != want[1] {
		t.Fatalf("unexpected excludeCredentials %+v", opts.PublicKey.ExcludeCredentials)
	}
	session, err := decodeSession(challenge)
	if err != nil {
		t.Fatalf("decodeSession failed: %v", err)
	}
	if session.Challenge != opts.PublicKey.Challenge || string(session.UserID) != "u1" {
		t.Fatalf("session does not match options: %+v", session)
	}

	raw, challenge, err = v.BeginLogin(user)
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	opts = parseCeremonyOptions(t, raw)
	if len(opts.PublicKey.AllowCredentials) != 2 ||
		opts.PublicKey.AllowCredentials[0].ID != want[0] ||
		opts.PublicKey.AllowCredentials[1].ID != want[1] {
		t.Fatalf("unexpected allowCredentials %+v", opts.PublicKey.AllowCredentials)
	}
	session, err = decodeSession(challenge)
	if err != nil {
		t.Fatalf("decodeSession failed: %v", err)
	}
	if session.Challenge != opts.PublicKey.Challenge || len(session.AllowedCredentialIDs) != 2 ||
		!bytes.Equal(session.AllowedCredentialIDs[0], []byte("cred-a")) {
		t.Fatalf("login session does not match options: %+v", session)
	}

	if _, err := decodeSession([]byte("not a session")); err == nil {
		t.Fatal("expected garbage challenge rejection")
	}
}

func TestWebAuthnVerifierMalformedBodies(t *testing.T) {
	v, err := NewWebAuthnVerifier(webAuthnTestConfig())
	if err != nil {
		t.Fatalf("NewWebAuthnVerifier failed: %v", err)
	}
	user := PasskeyUser{ID: "u1", Credentials: []Passkey{{CredentialID: []byte("cred-a")}}}
	_, challenge, err := v.BeginLogin(user)
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}

	for _, body := range []string{"", "not json", `{}`, `{"id":"!!","type":"public-key"}`} {
		if _, err := v.AssertionCredentialID([]byte(body)); err == nil {
			t.Fatalf("AssertionCredentialID(%q): expected error", body)
		}
		if _, err := v.FinishLogin(user, challenge, []byte(body)); err == nil {
			t.Fatalf("FinishLogin(%q): expected error", body)
		}
	}
	if _, err := v.FinishRegistration(user, challenge, []byte(`{"id":""}`)); err == nil {
		t.Fatal("FinishRegistration: expected error for missing id")
	}
}

func TestDescribeProtocolErrorKeepsDetail(t *testing.T) {
	err := describeProtocolError(protocol.ErrVerification.WithDetails("Error validating origin").WithInfo("Received: https://evil.example"))
	if !strings.Contains(err.Error(), "Error validating origin") || !strings.Contains(err.Error(), "evil.example") {
		t.Fatalf("expected details and info, got %q", err)
	}

	plain := errors.New("plain")
	if describeProtocolError(plain) != plain {
		t.Fatal("non-protocol errors must pass through")
	}
}

func TestWebAuthnRegistrationAndAssertion(t *testing.T) {
	engine, store := newWebAuthnEngine(t)
	ctx := context.Background()
	device := newSoftAuthenticator(t, "soft-credential-1")

	regOptions, err := engine.GeneratePasskeyRegistrationOptions(ctx, "u1", "alice", "Alice")
	if err != nil {
		t.Fatalf("GeneratePasskeyRegistrationOptions failed: %v", err)
	}
	passkey, err := engine.VerifyPasskeyRegistration(ctx, regOptions.PendingID, "Laptop", device.register(t, regOptions.Options))
	if err != nil {
		t.Fatalf("VerifyPasskeyRegistration failed: %v", err)
	}
	if passkey.Name != "Laptop" || !bytes.Equal(passkey.CredentialID, device.credentialID) || passkey.Counter != 0 {
		t.Fatalf("unexpected passkey %+v", passkey)
	}
	if len(passkey.Transports) != 1 || passkey.Transports[0] != "internal" {
		t.Fatalf("unexpected transports %v", passkey.Transports)
	}

	// a second registration excludes the stored credential
	again, err := engine.GeneratePasskeyRegistrationOptions(ctx, "u1", "alice", "Alice")
	if err != nil {
		t.Fatalf("GeneratePasskeyRegistrationOptions failed: %v", err)
	}
	if ex := parseCeremonyOptions(t, again.Options).PublicKey.ExcludeCredentials; len(ex) != 1 || ex[0].ID != b64(device.credentialID) {
		t.Fatalf("expected stored credential excluded, got %+v", ex)
	}

	login, err := engine.GeneratePasskeyAuthenticationOptions(ctx, "u1")
	if err != nil {
		t.Fatalf("GeneratePasskeyAuthenticationOptions failed: %v", err)
	}
	if allow := parseCeremonyOptions(t, login.Options).PublicKey.AllowCredentials; len(allow) != 1 || allow[0].ID != b64(device.credentialID) {
		t.Fatalf("expected stored credential allowed, got %+v", allow)
	}
	id, err := engine.VerifyPasskeyAuthentication(ctx, login.PendingID, device.assert(t, login.Options, 1, nil))
	if err != nil {
		t.Fatalf("VerifyPasskeyAuthentication failed: %v", err)
	}
	if id != passkey.ID {
		t.Fatalf("expected passkey %s, got %s", passkey.ID, id)
	}
	stored, _ := store.GetPasskey(ctx, passkey.ID)
	if stored.Counter != 1 || stored.LastUsedAt == nil {
		t.Fatalf("expected counter 1 and last use recorded, got %+v", stored)
	}

	// the library flags a non-increasing counter; nothing is persisted
	replay, err := engine.GeneratePasskeyAuthenticationOptions(ctx, "u1")
	if err != nil {
		t.Fatalf("GeneratePasskeyAuthenticationOptions failed: %v", err)
	}
	if _, err := engine.VerifyPasskeyAuthentication(ctx, replay.PendingID, device.assert(t, replay.Options, 1, nil)); !errors.Is(err, ErrPasskeyCounterRegression) {
		t.Fatalf("expected ErrPasskeyCounterRegression, got %v", err)
	}
	stored, _ = store.GetPasskey(ctx, passkey.ID)
	if stored.Counter != 1 {
		t.Fatalf("counter must stay at 1, got %d", stored.Counter)
	}

	// signature from another key
	forged, err := engine.GeneratePasskeyAuthenticationOptions(ctx, "u1")
	if err != nil {
		t.Fatalf("GeneratePasskeyAuthenticationOptions failed: %v", err)
	}
	other := newSoftAuthenticator(t, "soft-credential-1")
	_, err = engine.VerifyPasskeyAuthentication(ctx, forged.PendingID, device.assert(t, forged.Options, 2, other.key))
	if !errors.Is(err, ErrPasskeyVerificationFailed) {
		t.Fatalf("expected ErrPasskeyVerificationFailed for forged signature, got %v", err)
	}
}

func TestWebAuthnMalformedAssertionThroughEngine(t *testing.T) {
	engine, _ := newWebAuthnEngine(t)
	ctx := context.Background()
	device := newSoftAuthenticator(t, "soft-credential-2")

	regOptions, err := engine.GeneratePasskeyRegistrationOptions(ctx, "u1", "alice", "")
	if err != nil {
		t.Fatalf("GeneratePasskeyRegistrationOptions failed: %v", err)
	}
	if _, err := engine.VerifyPasskeyRegistration(ctx, regOptions.PendingID, "", device.register(t, regOptions.Options)); err != nil {
		t.Fatalf("VerifyPasskeyRegistration failed: %v", err)
	}

	login, err := engine.GeneratePasskeyAuthenticationOptions(ctx, "u1")
	if err != nil {
		t.Fatalf("GeneratePasskeyAuthenticationOptions failed: %v", err)
	}
	_, err = engine.VerifyPasskeyAuthentication(ctx, login.PendingID, []byte("not json"))
	if !errors.Is(err, ErrPasskeyVerificationFailed) || ErrorKind(err) != KindBadRequest {
		t.Fatalf("expected ErrPasskeyVerificationFailed, got %v", err)
	}

	// a registration body with the wrong ceremony type is rejected by the library
	reg, err := engine.GeneratePasskeyRegistrationOptions(ctx, "u1", "alice", "")
	if err != nil {
		t.Fatalf("GeneratePasskeyRegistrationOptions failed: %v", err)
	}
	wrong := newSoftAuthenticator(t, "soft-credential-3")
	challenge := parseCeremonyOptions(t, reg.Options).PublicKey.Challenge
	body := bytes.Replace(wrong.register(t, reg.Options),
		[]byte(b64(wrong.clientData(t, "webauthn.create", challenge))),
		[]byte(b64(wrong.clientData(t, "webauthn.get", challenge))), 1)
	if _, err := engine.VerifyPasskeyRegistration(ctx, reg.PendingID, "", body); !errors.Is(err, ErrPasskeyVerificationFailed) {
		t.Fatalf("expected ErrPasskeyVerificationFailed for wrong ceremony, got %v", err)
	}
}
