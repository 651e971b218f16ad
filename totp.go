package goMFA

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type totpManager struct {
	config TOTPConfig
	opts   totp.ValidateOpts
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	if cfg.SecretSize <= 0 {
		cfg.SecretSize = 20
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}
	return &totpManager{
		config: cfg,
		opts: totp.ValidateOpts{
			Period:    uint(cfg.Period),
			Skew:      uint(cfg.Skew),
			Digits:    otp.Digits(cfg.Digits),
			Algorithm: otpAlgorithm(cfg.Algorithm),
		},
	}
}

func otpAlgorithm(name string) otp.Algorithm {
	switch strings.ToUpper(name) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}

// Generate creates a fresh random secret and its otpauth key for accountName.
func (m *totpManager) Generate(accountName string) (*otp.Key, error) {
	if m == nil {
		return nil, ErrEngineNotReady
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: accountName,
		Period:      uint(m.config.Period),
		SecretSize:  uint(m.config.SecretSize),
		Digits:      otp.Digits(m.config.Digits),
		Algorithm:   otpAlgorithm(m.config.Algorithm),
	})
}

// QRDataURI renders the key's provisioning URI as a PNG data URI.
func (m *totpManager) QRDataURI(key *otp.Key) (string, error) {
	img, err := key.Image(m.config.QRSize, m.config.QRSize)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Verify checks code against the base32 secret at now, accepting Skew
// periods on either side. Malformed codes are a mismatch, not an error.
func (m *totpManager) Verify(secret, code string, now time.Time) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}
	code = normalizeTOTPCode(code)
	if len(code) != m.config.Digits {
		return false, nil
	}

	ok, err := totp.ValidateCustom(code, secret, now.UTC(), m.opts)
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Code returns the code for now. Used by tooling and tests.
func (m *totpManager) Code(secret string, now time.Time) (string, error) {
	opts := m.opts
	opts.Skew = 0
	return totp.GenerateCodeCustom(secret, now.UTC(), opts)
}

func normalizeTOTPCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, code)
}
