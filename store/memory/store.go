package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
)

// Store is a mutex-guarded goMFA.CredentialStore kept in process memory.
// Nothing survives a restart.
type Store struct {
	mu             sync.Mutex
	authenticators map[string]goMFA.TOTPAuthenticator
	passkeys       map[string]goMFA.Passkey
	backupCodes    map[string]goMFA.BackupCode
	configs        map[string]goMFA.TwoFactorConfig
}

var _ goMFA.CredentialStore = (*Store)(nil)

func New() *Store {
	return &Store{
		authenticators: map[string]goMFA.TOTPAuthenticator{},
		passkeys:       map[string]goMFA.Passkey{},
		backupCodes:    map[string]goMFA.BackupCode{},
		configs:        map[string]goMFA.TwoFactorConfig{},
	}
}

func (s *Store) CreateTOTPAuthenticator(_ context.Context, a *goMFA.TOTPAuthenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[a.ID]; ok {
		return goMFA.ErrRecordExists
	}
	s.authenticators[a.ID] = *a
	return nil
}

func (s *Store) GetTOTPAuthenticator(_ context.Context, id string) (*goMFA.TOTPAuthenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authenticators[id]
	if !ok {
		return nil, goMFA.ErrRecordNotFound
	}
	return &a, nil
}

func (s *Store) ListTOTPAuthenticators(_ context.Context, userID string) ([]goMFA.TOTPAuthenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []goMFA.TOTPAuthenticator{}
	for _, a := range s.authenticators {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateTOTPAuthenticator(_ context.Context, a *goMFA.TOTPAuthenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[a.ID]; !ok {
		return goMFA.ErrRecordNotFound
	}
	s.authenticators[a.ID] = *a
	return nil
}

func (s *Store) DeleteTOTPAuthenticator(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[id]; !ok {
		return false, nil
	}
	delete(s.authenticators, id)
	return true, nil
}

func (s *Store) CreatePasskey(_ context.Context, p *goMFA.Passkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.passkeys {
		if bytes.Equal(existing.CredentialID, p.CredentialID) {
			return goMFA.ErrRecordExists
		}
	}
	s.passkeys[p.ID] = *p
	return nil
}

func (s *Store) GetPasskey(_ context.Context, id string) (*goMFA.Passkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passkeys[id]
	if !ok {
		return nil, goMFA.ErrRecordNotFound
	}
	return &p, nil
}

func (s *Store) GetPasskeyByCredentialID(_ context.Context, credentialID []byte) (*goMFA.Passkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.passkeys {
		if bytes.Equal(p.CredentialID, credentialID) {
			return &p, nil
		}
	}
	return nil, goMFA.ErrRecordNotFound
}

func (s *Store) ListPasskeys(_ context.Context, userID string) ([]goMFA.Passkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []goMFA.Passkey{}
	for _, p := range s.passkeys {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdatePasskey(_ context.Context, p *goMFA.Passkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passkeys[p.ID]; !ok {
		return goMFA.ErrRecordNotFound
	}
	s.passkeys[p.ID] = *p
	return nil
}

func (s *Store) UpdatePasskeyCounter(_ context.Context, id string, expected, counter uint32, usedAt time.Time) (bool, error) {
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

func (s *Store) DeletePasskey(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passkeys[id]; !ok {
		return false, nil
	}
	delete(s.passkeys, id)
	return true, nil
}

func (s *Store) CreateBackupCodes(_ context.Context, codes []goMFA.BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range codes {
		s.backupCodes[c.ID] = c
	}
	return nil
}

func (s *Store) ListBackupCodes(_ context.Context, userID string) ([]goMFA.BackupCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []goMFA.BackupCode{}
	for _, c := range s.backupCodes {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkBackupCodeUsed(_ context.Context, id string, usedAt time.Time) (bool, error) {
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

func (s *Store) DeleteBackupCodes(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.backupCodes {
		if c.UserID == userID {
			delete(s.backupCodes, id)
		}
	}
	return nil
}

func (s *Store) GetTwoFactorConfig(_ context.Context, userID string) (*goMFA.TwoFactorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return nil, goMFA.ErrRecordNotFound
	}
	return &cfg, nil
}

func (s *Store) SaveTwoFactorConfig(_ context.Context, cfg *goMFA.TwoFactorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.UserID] = *cfg
	return nil
}

// PurgeUsedBackupCodes drops codes spent before the cutoff.
func (s *Store) PurgeUsedBackupCodes(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.backupCodes {
		if c.UsedAt != nil && c.UsedAt.Before(before) {
			delete(s.backupCodes, id)
			n++
		}
	}
	return n, nil
}
