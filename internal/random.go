package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// PendingID is a 128-bit random identifier for pending challenge records.
type PendingID [16]byte

const challengeSize = 32

func NewPendingID() (PendingID, error) {
	var id PendingID
	_, err := io.ReadFull(rand.Reader, id[:])
	return id, err
}

func (p PendingID) String() string {
	return base64.RawURLEncoding.EncodeToString(p[:])
}

func ParsePendingID(value string) (PendingID, error) {
	var id PendingID

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid pending id size")
	}

	copy(id[:], raw)
	return id, nil
}

// NewChallenge returns an opaque random challenge for login pending records.
func NewChallenge() ([]byte, error) {
	return RandomBytes(challengeSize)
}

func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("invalid random length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
