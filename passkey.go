package goMFA

import "encoding/json"

// PasskeyUser is the WebAuthn view of a user. Credentials drives the
// exclusion list at registration and the allow list at login.
type PasskeyUser struct {
	ID          string
	Name        string
	DisplayName string
	Credentials []Passkey
}

// PasskeyCredential is what a successful registration ceremony yields.
type PasskeyCredential struct {
	CredentialID    []byte
	PublicKey       []byte
	Counter         uint32
	Transports      []string
	BackupEligible  bool
	AttestationType string
}

// PasskeyAssertion is what a successful login ceremony yields. Counter is
// the value reported by the authenticator; CloneWarning is set when the
// verifier itself detected a non-increasing counter.
type PasskeyAssertion struct {
	CredentialID []byte
	Counter      uint32
	CloneWarning bool
	UserVerified bool
}

// PasskeyVerifier performs the WebAuthn ceremonies. The challenge returned by
// the Begin methods is opaque to the engine and handed back unchanged to the
// matching Finish method.
type PasskeyVerifier interface {
	BeginRegistration(user PasskeyUser) (options json.RawMessage, challenge []byte, err error)
	FinishRegistration(user PasskeyUser, challenge, response []byte) (*PasskeyCredential, error)
	BeginLogin(user PasskeyUser) (options json.RawMessage, challenge []byte, err error)
	AssertionCredentialID(response []byte) ([]byte, error)
	FinishLogin(user PasskeyUser, challenge, response []byte) (*PasskeyAssertion, error)
}

// counterAdvanced reports whether next may replace stored. Authenticators
// without counters report zero forever, which is accepted.
func counterAdvanced(stored, next uint32) bool {
	if stored == 0 && next == 0 {
		return true
	}
	return next > stored
}
