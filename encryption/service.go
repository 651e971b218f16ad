package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	sampleSize = 24
)

var (
	// ErrMissingKey is returned by New when no key material is configured.
	ErrMissingKey = errors.New("encryption key is required")
	// ErrMalformedCiphertext is returned when a blob is not valid base64 or is too short.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrDecryptFailed is returned when the GCM tag does not authenticate the blob.
	ErrDecryptFailed = errors.New("ciphertext authentication failed")
)

// KeySource reports how the configured key string was turned into key bytes.
type KeySource string

const (
	KeySourceHex     KeySource = "hex"
	KeySourceBase64  KeySource = "base64"
	KeySourceDerived KeySource = "derived"
)

// Service encrypts and decrypts short secrets with a fixed AES-256 key.
//
// A Service is immutable after New and safe for concurrent use.
type Service struct {
	aead   cipher.AEAD
	source KeySource
	rand   io.Reader
}

// New resolves key material and prepares the AEAD. An empty key is a
// configuration error, never a per-call error.
func New(key string) (*Service, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	raw, source := resolveKey(key)
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		aead:   aead,
		source: source,
		rand:   rand.Reader,
	}, nil
}

func resolveKey(key string) ([]byte, KeySource) {
	if len(key) == 2*keySize {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, KeySourceHex
		}
	}
	if len(key) == 44 {
		if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == keySize {
			return raw, KeySourceBase64
		}
	}
	sum := sha256.Sum256([]byte(key))
	return sum[:], KeySourceDerived
}

// Source returns the key resolution rule that applied.
func (s *Service) Source() KeySource {
	return s.source
}

// Encrypt seals plaintext under a fresh random IV.
func (s *Service) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return "", err
	}

	// Seal appends the tag after the ciphertext; the blob layout puts it first.
	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, ivSize+len(sealed))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, body...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Tampered or truncated input
// fails with ErrMalformedCiphertext or ErrDecryptFailed.
func (s *Service) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	if len(raw) < ivSize+tagSize {
		return "", ErrMalformedCiphertext
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	body := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// SelfTest round-trips a random sample through Encrypt and Decrypt.
func (s *Service) SelfTest() bool {
	if s == nil || s.aead == nil {
		return false
	}

	sample := make([]byte, sampleSize)
	if _, err := io.ReadFull(s.rand, sample); err != nil {
		return false
	}
	encoded := hex.EncodeToString(sample)

	blob, err := s.Encrypt(encoded)
	if err != nil {
		return false
	}
	out, err := s.Decrypt(blob)
	if err != nil {
		return false
	}
	return out == encoded
}
