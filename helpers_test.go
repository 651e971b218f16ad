package goMFA

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Encryption.Key = testEncryptionKey
	cfg.BackupCodes.HashCost = bcrypt.MinCost
	return cfg
}

type testEngine struct {
	*Engine
	store    *memoryStore
	verifier *fakePasskeyVerifier
	clock    *testClock
	redis    *miniredis.Miniredis
}

type testEngineOption func(*Builder, *Config)

func withAuditSink(sink AuditSink) testEngineOption {
	return func(b *Builder, cfg *Config) {
		cfg.Audit.Enabled = true
		cfg.Audit.BufferSize = 64
		cfg.Audit.DropIfFull = false
		b.WithAuditSink(sink)
	}
}

func withConfig(mutate func(*Config)) testEngineOption {
	return func(_ *Builder, cfg *Config) {
		mutate(cfg)
	}
}

func newTestEngine(t *testing.T, opts ...testEngineOption) *testEngine {
	t.Helper()

	mr, rdb := newTestRedis(t)
	store := newMemoryStore()
	verifier := newFakePasskeyVerifier()
	clock := newTestClock()

	cfg := testConfig()
	cfg.Metrics.Enabled = true
	builder := New()
	for _, opt := range opts {
		opt(builder, &cfg)
	}

	engine, err := builder.
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(store).
		WithPasskeyVerifier(verifier).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEngine{
		Engine:   engine,
		store:    store,
		verifier: verifier,
		clock:    clock,
		redis:    mr,
	}
}

// enrollTOTP runs a full enrollment and returns the authenticator id and
// its plaintext secret.
func (te *testEngine) enrollTOTP(t *testing.T, userID string) (string, string) {
	t.Helper()

	ctx := context.Background()
	enrollment, err := te.GenerateTOTPSecret(ctx, userID, "phone", userID+"@example.com")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret failed: %v", err)
	}
	authenticator, err := te.AddTOTPAuthenticator(ctx, enrollment.AuthenticatorID, te.totpCode(t, enrollment.Secret))
	if err != nil {
		t.Fatalf("AddTOTPAuthenticator failed: %v", err)
	}
	if authenticator == nil || !authenticator.Verified {
		t.Fatalf("expected verified authenticator, got %+v", authenticator)
	}
	return enrollment.AuthenticatorID, enrollment.Secret
}

func (te *testEngine) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := te.totp.Code(secret, te.clock.Now())
	if err != nil {
		t.Fatalf("totp code generation failed: %v", err)
	}
	return code
}

// wrongTOTPCode alters the current code until it matches no step inside
// the acceptance window.
func (te *testEngine) wrongTOTPCode(t *testing.T, secret string) string {
	t.Helper()

	now := te.clock.Now()
	period := time.Duration(te.config.TOTP.Period) * time.Second
	window := map[string]bool{}
	for step := -te.config.TOTP.Skew; step <= te.config.TOTP.Skew; step++ {
		code, err := te.totp.Code(secret, now.Add(time.Duration(step)*period))
		if err != nil {
			t.Fatalf("totp code generation failed: %v", err)
		}
		window[code] = true
	}

	candidate := []byte(te.totpCode(t, secret))
	for i := 0; i < 10; i++ {
		last := len(candidate) - 1
		candidate[last] = '0' + (candidate[last]-'0'+1)%10
		if !window[string(candidate)] {
			return string(candidate)
		}
	}
	t.Fatal("could not derive a wrong totp code")
	return ""
}

func (te *testEngine) registerPasskey(t *testing.T, userID, credentialID string, counter uint32) *Passkey {
	t.Helper()

	ctx := context.Background()
	options, err := te.GeneratePasskeyRegistrationOptions(ctx, userID, userID, userID)
	if err != nil {
		t.Fatalf("GeneratePasskeyRegistrationOptions failed: %v", err)
	}
	response := te.verifier.registrationResponse(t, options, credentialID, counter)
	passkey, err := te.VerifyPasskeyRegistration(ctx, options.PendingID, "laptop", response)
	if err != nil {
		t.Fatalf("VerifyPasskeyRegistration failed: %v", err)
	}
	return passkey
}

/*
====================================
MEMORY CREDENTIAL STORE
====================================
*/

type memoryStore struct {
	mu             sync.Mutex
	authenticators map[string]TOTPAuthenticator
	passkeys       map[string]Passkey
	backupCodes    map[string]BackupCode
	configs        map[string]TwoFactorConfig

	failBackup error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		authenticators: map[string]TOTPAuthenticator{},
		passkeys:       map[string]Passkey{},
		backupCodes:    map[string]BackupCode{},
		configs:        map[string]TwoFactorConfig{},
	}
}

func (s *memoryStore) CreateTOTPAuthenticator(_ context.Context, a *TOTPAuthenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[a.ID]; ok {
		return ErrRecordExists
	}
	s.authenticators[a.ID] = *a
	return nil
}

func (s *memoryStore) GetTOTPAuthenticator(_ context.Context, id string) (*TOTPAuthenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authenticators[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &a, nil
}

func (s *memoryStore) ListTOTPAuthenticators(_ context.Context, userID string) ([]TOTPAuthenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []TOTPAuthenticator{}
	for _, a := range s.authenticators {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpdateTOTPAuthenticator(_ context.Context, a *TOTPAuthenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[a.ID]; !ok {
		return ErrRecordNotFound
	}
	s.authenticators[a.ID] = *a
	return nil
}

func (s *memoryStore) DeleteTOTPAuthenticator(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[id]; !ok {
		return false, nil
	}
	delete(s.authenticators, id)
	return true, nil
}

func (s *memoryStore) CreatePasskey(_ context.Context, p *Passkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.passkeys {
		if bytes.Equal(existing.CredentialID, p.CredentialID) {
			return ErrRecordExists
		}
	}
	s.passkeys[p.ID] = *p
	return nil
}

func (s *memoryStore) GetPasskey(_ context.Context, id string) (*Passkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passkeys[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &p, nil
}

func (s *memoryStore) GetPasskeyByCredentialID(_ context.Context, credentialID []byte) (*Passkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.passkeys {
		if bytes.Equal(p.CredentialID, credentialID) {
			return &p, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *memoryStore) ListPasskeys(_ context.Context, userID string) ([]Passkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Passkey{}
	for _, p := range s.passkeys {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpdatePasskey(_ context.Context, p *Passkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passkeys[p.ID]; !ok {
		return ErrRecordNotFound
	}
	s.passkeys[p.ID] = *p
	return nil
}

func (s *memoryStore) UpdatePasskeyCounter(_ context.Context, id string, expected, counter uint32, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passkeys[id]
	if !ok || p.Counter != expected {
		return false, nil
	}
	p.Counter = counter
	p.LastUsedAt = &usedAt
	s.passkeys[id] = p
	return true, nil
}

func (s *memoryStore) DeletePasskey(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passkeys[id]; !ok {
		return false, nil
	}
	delete(s.passkeys, id)
	return true, nil
}

func (s *memoryStore) CreateBackupCodes(_ context.Context, codes []BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBackup != nil {
		return s.failBackup
	}
	for _, c := range codes {
		s.backupCodes[c.ID] = c
	}
	return nil
}

func (s *memoryStore) ListBackupCodes(_ context.Context, userID string) ([]BackupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBackup != nil {
		return nil, s.failBackup
	}
	out := []BackupCode{}
	for _, c := range s.backupCodes {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) MarkBackupCodeUsed(_ context.Context, id string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.backupCodes[id]
	if !ok || c.UsedAt != nil {
		return false, nil
	}
	c.UsedAt = &usedAt
	s.backupCodes[id] = c
	return true, nil
}

func (s *memoryStore) DeleteBackupCodes(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.backupCodes {
		if c.UserID == userID {
			delete(s.backupCodes, id)
		}
	}
	return nil
}

func (s *memoryStore) GetTwoFactorConfig(_ context.Context, userID string) (*TwoFactorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &cfg, nil
}

func (s *memoryStore) SaveTwoFactorConfig(_ context.Context, cfg *TwoFactorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.UserID] = *cfg
	return nil
}

func (s *memoryStore) corruptSecret(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.authenticators[id]
	a.Secret = strings.Repeat("A", len(a.Secret))
	s.authenticators[id] = a
}

/*
====================================
FAKE PASSKEY VERIFIER
====================================
*/

// fakeResponse is the client payload understood by fakePasskeyVerifier.
type fakeResponse struct {
	CredentialID string `json:"credential_id"`
	Counter      uint32 `json:"counter"`
	Challenge    []byte `json:"challenge"`
	BadSignature bool   `json:"bad_signature,omitempty"`
}

type fakePasskeyVerifier struct {
	mu           sync.Mutex
	seq          byte
	cloneWarning bool
}

func newFakePasskeyVerifier() *fakePasskeyVerifier {
	return &fakePasskeyVerifier{}
}

var errFakeSignature = errors.New("signature mismatch")

func (v *fakePasskeyVerifier) challenge() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	return []byte{0xC0, v.seq}
}

func (v *fakePasskeyVerifier) BeginRegistration(user PasskeyUser) (json.RawMessage, []byte, error) {
	challenge := v.challenge()
	options, err := json.Marshal(map[string]any{"challenge": challenge, "user": user.ID, "exclude": len(user.Credentials)})
	return options, challenge, err
}

func (v *fakePasskeyVerifier) FinishRegistration(_ PasskeyUser, challenge, response []byte) (*PasskeyCredential, error) {
	var r fakeResponse
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, err
	}
	if !bytes.Equal(r.Challenge, challenge) || r.BadSignature {
		return nil, errFakeSignature
	}
	return &PasskeyCredential{
		CredentialID: []byte(r.CredentialID),
		PublicKey:    []byte("pk-" + r.CredentialID),
		Counter:      r.Counter,
		Transports:   []string{"internal"},
	}, nil
}

func (v *fakePasskeyVerifier) BeginLogin(user PasskeyUser) (json.RawMessage, []byte, error) {
	challenge := v.challenge()
	options, err := json.Marshal(map[string]any{"challenge": challenge, "allow": len(user.Credentials)})
	return options, challenge, err
}

func (v *fakePasskeyVerifier) AssertionCredentialID(response []byte) ([]byte, error) {
	var r fakeResponse
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, err
	}
	return []byte(r.CredentialID), nil
}

func (v *fakePasskeyVerifier) FinishLogin(user PasskeyUser, challenge, response []byte) (*PasskeyAssertion, error) {
	var r fakeResponse
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, err
	}
	if !bytes.Equal(r.Challenge, challenge) || r.BadSignature {
		return nil, errFakeSignature
	}
	known := false
	for _, c := range user.Credentials {
		if string(c.CredentialID) == r.CredentialID {
			known = true
		}
	}
	if !known {
		return nil, errors.New("credential not allowed")
	}

	v.mu.Lock()
	clone := v.cloneWarning
	v.mu.Unlock()
	return &PasskeyAssertion{
		CredentialID: []byte(r.CredentialID),
		Counter:      r.Counter,
		CloneWarning: clone,
		UserVerified: true,
	}, nil
}

func (v *fakePasskeyVerifier) response(t *testing.T, options *PasskeyOptions, r fakeResponse) []byte {
	t.Helper()

	var parsed struct {
		Challenge []byte `json:"challenge"`
	}
	if err := json.Unmarshal(options.Options, &parsed); err != nil {
		t.Fatalf("options decode failed: %v", err)
	}
	r.Challenge = parsed.Challenge
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("response encode failed: %v", err)
	}
	return raw
}

func (v *fakePasskeyVerifier) registrationResponse(t *testing.T, options *PasskeyOptions, credentialID string, counter uint32) []byte {
	t.Helper()
	return v.response(t, options, fakeResponse{CredentialID: credentialID, Counter: counter})
}

func (v *fakePasskeyVerifier) assertionResponse(t *testing.T, options *PasskeyOptions, credentialID string, counter uint32) []byte {
	t.Helper()
	return v.response(t, options, fakeResponse{CredentialID: credentialID, Counter: counter})
}

/*
====================================
AUDIT SINKS
====================================
*/

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{events: make(chan AuditEvent, buffer)}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// waitFor reads events until one of eventType arrives.
func (s *captureSink) waitFor(t *testing.T, eventType string) AuditEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.EventType == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("expected audit event %q", eventType)
			return AuditEvent{}
		}
	}
}
