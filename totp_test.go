package goMFA

import (
	"encoding/base32"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func rfcTOTPManager(algorithm string) *totpManager {
	return newTOTPManager(TOTPConfig{
		Issuer:    "goMFA",
		Digits:    8,
		Period:    30,
		Algorithm: algorithm,
		Skew:      0,
	})
}

func b32(raw string) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(raw))
}

func TestTOTPVerifyRFCVectors(t *testing.T) {
	suites := []struct {
		algorithm string
		secret    string
		vectors   map[int64]string
	}{
		{"SHA1", "12345678901234567890", map[int64]string{
			59: "94287082", 1111111109: "07081804", 1111111111: "14050471",
			1234567890: "89005924", 2000000000: "69279037", 20000000000: "65353130",
		}},
		{"SHA256", "12345678901234567890123456789012", map[int64]string{
			59: "46119246", 1111111109: "68084774", 1111111111: "67062674",
			1234567890: "91819424", 2000000000: "90698825", 20000000000: "77737706",
		}},
		{"SHA512", "1234567890123456789012345678901234567890123456789012345678901234", map[int64]string{
			59: "90693936", 1111111109: "25091201", 1111111111: "99943326",
			1234567890: "93441116", 2000000000: "38618901", 20000000000: "47863826",
		}},
	}

	for _, suite := range suites {
		m := rfcTOTPManager(suite.algorithm)
		secret := b32(suite.secret)
		for ts, code := range suite.vectors {
			ok, err := m.Verify(secret, code, time.Unix(ts, 0))
			if err != nil || !ok {
				t.Fatalf("%s vector failed at t=%d, ok=%v err=%v", suite.algorithm, ts, ok, err)
			}
		}
	}
}

func TestTOTPWindowAcceptsOnePeriodEitherSide(t *testing.T) {
	m := newTOTPManager(DefaultConfig().TOTP)
	key, err := m.Generate("a@b.com")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	now := time.Now()

	for _, offset := range []time.Duration{0, -30 * time.Second, 30 * time.Second} {
		code, err := m.Code(key.Secret(), now.Add(offset))
		if err != nil {
			t.Fatalf("Code failed: %v", err)
		}
		ok, err := m.Verify(key.Secret(), code, now)
		if err != nil || !ok {
			t.Fatalf("expected code at offset %v to be accepted, ok=%v err=%v", offset, ok, err)
		}
	}

	for _, offset := range []time.Duration{-90 * time.Second, 90 * time.Second} {
		code, _ := m.Code(key.Secret(), now.Add(offset))
		// the far code may collide with an in-window code by chance
		if inWindow(t, m, key.Secret(), code, now) {
			continue
		}
		ok, err := m.Verify(key.Secret(), code, now)
		if err != nil || ok {
			t.Fatalf("expected code at offset %v to be rejected, ok=%v err=%v", offset, ok, err)
		}
	}
}

func inWindow(t *testing.T, m *totpManager, secret, code string, now time.Time) bool {
	t.Helper()
	for _, d := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, err := m.Code(secret, now.Add(d))
		if err != nil {
			t.Fatalf("Code failed: %v", err)
		}
		if c == code {
			return true
		}
	}
	return false
}

func TestTOTPWrongLengthRejectedWithoutError(t *testing.T) {
	m := newTOTPManager(DefaultConfig().TOTP)
	secret := b32("12345678901234567890")
	for _, code := range []string{"", "12345", "12345678", "abcdef"} {
		ok, err := m.Verify(secret, code, time.Now())
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", code, err)
		}
		if ok {
			t.Fatalf("expected %q to be rejected", code)
		}
	}
}

func TestTOTPAcceptsSpacedCode(t *testing.T) {
	m := newTOTPManager(DefaultConfig().TOTP)
	secret := b32("12345678901234567890")
	now := time.Now()
	code, _ := m.Code(secret, now)
	ok, err := m.Verify(secret, code[:3]+" "+code[3:], now)
	if err != nil || !ok {
		t.Fatalf("expected spaced code accepted, ok=%v err=%v", ok, err)
	}
}

func TestTOTPGenerateKeyAndQR(t *testing.T) {
	m := newTOTPManager(DefaultConfig().TOTP)
	key, err := m.Generate("a@b.com")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(key.Secret())
	if err != nil {
		t.Fatalf("secret is not base32: %v", err)
	}
	if len(raw) != 20 {
		t.Fatalf("expected 160-bit secret, got %d bytes", len(raw))
	}

	uri := key.URL()
	for _, want := range []string{"otpauth://totp/", "issuer=goMFA", "algorithm=SHA1", "digits=6", "period=30", "a@b.com"} {
		if !strings.Contains(uri, want) {
			t.Fatalf("uri %q missing %q", uri, want)
		}
	}

	qr, err := m.QRDataURI(key)
	if err != nil {
		t.Fatalf("QRDataURI failed: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(qr, prefix) {
		t.Fatalf("unexpected qr prefix: %.40s", qr)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(qr, prefix))
	if err != nil || len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatalf("qr payload is not a png: %v", err)
	}
}
