package goMFA

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// WebAuthnVerifier implements PasskeyVerifier with go-webauthn. The opaque
// challenge it hands out is the JSON-encoded webauthn.SessionData.
type WebAuthnVerifier struct {
	wa *webauthn.WebAuthn
}

// NewWebAuthnVerifier builds a verifier for the relying party in cfg.
func NewWebAuthnVerifier(cfg PasskeyConfig) (*WebAuthnVerifier, error) {
	if cfg.RPID == "" || cfg.RPDisplayName == "" || len(cfg.RPOrigins) == 0 {
		return nil, errors.New("webauthn requires RPID, RPDisplayName and RPOrigins")
	}

	timeout := webauthn.TimeoutConfig{
		Enforce: true,
		Timeout: cfg.ChallengeTTL,
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     append([]string(nil), cfg.RPOrigins...),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: userVerification(cfg.UserVerification),
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, err
	}
	return &WebAuthnVerifier{wa: wa}, nil
}

func userVerification(value string) protocol.UserVerificationRequirement {
	switch value {
	case "required":
		return protocol.VerificationRequired
	case "discouraged":
		return protocol.VerificationDiscouraged
	default:
		return protocol.VerificationPreferred
	}
}

func (v *WebAuthnVerifier) BeginRegistration(user PasskeyUser) (json.RawMessage, []byte, error) {
	wu := newWebAuthnUser(user)
	creation, session, err := v.wa.BeginRegistration(wu, webauthn.WithExclusions(wu.descriptors()))
	if err != nil {
		return nil, nil, err
	}
	return encodeCeremony(creation, session)
}

func (v *WebAuthnVerifier) FinishRegistration(user PasskeyUser, challenge, response []byte) (*PasskeyCredential, error) {
	session, err := decodeSession(challenge)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, describeProtocolError(err)
	}

	cred, err := v.wa.CreateCredential(newWebAuthnUser(user), *session, parsed)
	if err != nil {
		return nil, describeProtocolError(err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return &PasskeyCredential{
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		Counter:         cred.Authenticator.SignCount,
		Transports:      transports,
		BackupEligible:  cred.Flags.BackupEligible,
		AttestationType: cred.AttestationType,
	}, nil
}

func (v *WebAuthnVerifier) BeginLogin(user PasskeyUser) (json.RawMessage, []byte, error) {
	wu := newWebAuthnUser(user)
	assertion, session, err := v.wa.BeginLogin(wu, webauthn.WithAllowedCredentials(wu.descriptors()))
	if err != nil {
		return nil, nil, err
	}
	return encodeCeremony(assertion, session)
}

func (v *WebAuthnVerifier) AssertionCredentialID(response []byte) ([]byte, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, describeProtocolError(err)
	}
	return parsed.RawID, nil
}

func (v *WebAuthnVerifier) FinishLogin(user PasskeyUser, challenge, response []byte) (*PasskeyAssertion, error) {
	session, err := decodeSession(challenge)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, describeProtocolError(err)
	}

	// ValidateLogin only flags counter regressions through CloneWarning; the
	// engine rejects them before anything is persisted.
	cred, err := v.wa.ValidateLogin(newWebAuthnUser(user), *session, parsed)
	if err != nil {
		return nil, describeProtocolError(err)
	}
	return &PasskeyAssertion{
		CredentialID: cred.ID,
		Counter:      parsed.Response.AuthenticatorData.Counter,
		CloneWarning: cred.Authenticator.CloneWarning,
		UserVerified: cred.Flags.UserVerified,
	}, nil
}

func encodeCeremony(options any, session *webauthn.SessionData) (json.RawMessage, []byte, error) {
	rawOptions, err := json.Marshal(options)
	if err != nil {
		return nil, nil, err
	}
	challenge, err := json.Marshal(session)
	if err != nil {
		return nil, nil, err
	}
	return rawOptions, challenge, nil
}

func decodeSession(challenge []byte) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(challenge, &session); err != nil {
		return nil, fmt.Errorf("decode webauthn session: %w", err)
	}
	return &session, nil
}

// describeProtocolError keeps the library's diagnostic detail, which the
// plain Error() string of protocol.Error omits.
func describeProtocolError(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.DevInfo != "" {
		return fmt.Errorf("%s: %s", perr.Details, perr.DevInfo)
	}
	return err
}

type webAuthnUser struct {
	user        PasskeyUser
	credentials []webauthn.Credential
}

func newWebAuthnUser(user PasskeyUser) *webAuthnUser {
	creds := make([]webauthn.Credential, 0, len(user.Credentials))
	for _, pk := range user.Credentials {
		transports := make([]protocol.AuthenticatorTransport, 0, len(pk.Transports))
		for _, t := range pk.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		creds = append(creds, webauthn.Credential{
			ID:        pk.CredentialID,
			PublicKey: pk.PublicKey,
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: pk.BackedUp,
			},
			Authenticator: webauthn.Authenticator{
				SignCount: pk.Counter,
			},
		})
	}
	return &webAuthnUser{user: user, credentials: creds}
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.user.ID
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.WebAuthnName()
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u *webAuthnUser) descriptors() []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for _, c := range u.credentials {
		out = append(out, c.Descriptor())
	}
	return out
}
