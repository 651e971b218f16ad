package flows

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	BackupCodeBytes       = 4
	DefaultBackupCodeCost = 10
)

var backupCodePattern = regexp.MustCompile(`^[0-9A-F]{8}$`)

type BackupCodeRecord struct {
	ID     string
	UserID string
	Hash   string
	Used   bool
}

type BackupCodeMetrics struct {
	BackupCodeUsed        int
	BackupCodeFailed      int
	BackupCodeRegenerated int
}

type BackupCodeEvents struct {
	BackupCodesGenerated string
	BackupCodeUsed       string
	BackupCodeFailed     string
}

type BackupCodeErrors struct {
	EngineNotReady error
	InvalidInput   error
	CodesExist     error
	Backend        error
}

type BackupCodeDeps struct {
	Count int
	Cost  int

	Now         func() time.Time
	NewID       func() string
	RandomBytes func(int) ([]byte, error)

	ListBackupCodes    func(context.Context, string) ([]BackupCodeRecord, error)
	CreateBackupCodes  func(context.Context, []BackupCodeRecord, time.Time) error
	DeleteBackupCodes  func(context.Context, string) error
	MarkBackupCodeUsed func(context.Context, string, time.Time) (bool, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, string, string, error, func() map[string]string)

	Metrics BackupCodeMetrics
	Events  BackupCodeEvents
	Errors  BackupCodeErrors
}

// RunGenerateBackupCodes issues a batch unless unused codes remain.
func RunGenerateBackupCodes(ctx context.Context, userID string, deps BackupCodeDeps) ([]string, error) {
	normalizeBackupCodeDeps(&deps)

	if deps.ListBackupCodes == nil || deps.CreateBackupCodes == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if userID == "" {
		return nil, deps.Errors.InvalidInput
	}

	existing, err := deps.ListBackupCodes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}
	for _, record := range existing {
		if !record.Used {
			return nil, deps.Errors.CodesExist
		}
	}

	return runIssueBackupCodes(ctx, userID, false, deps)
}

// RunRegenerateBackupCodes drops every stored code, used or not, and issues
// a new batch.
func RunRegenerateBackupCodes(ctx context.Context, userID string, deps BackupCodeDeps) ([]string, error) {
	normalizeBackupCodeDeps(&deps)

	if deps.DeleteBackupCodes == nil || deps.CreateBackupCodes == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if userID == "" {
		return nil, deps.Errors.InvalidInput
	}

	if err := deps.DeleteBackupCodes(ctx, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}

	return runIssueBackupCodes(ctx, userID, true, deps)
}

// RunValidateBackupCode spends a matching unused code. Every unused hash is
// compared even after a match so timing does not depend on the position of
// the matching code.
func RunValidateBackupCode(ctx context.Context, userID, code string, deps BackupCodeDeps) (bool, error) {
	normalizeBackupCodeDeps(&deps)

	if deps.ListBackupCodes == nil || deps.MarkBackupCodeUsed == nil {
		return false, deps.Errors.EngineNotReady
	}
	if userID == "" {
		return false, deps.Errors.InvalidInput
	}

	canonical := CanonicalizeBackupCode(code)
	if !ValidBackupCodeFormat(canonical) {
		deps.MetricInc(deps.Metrics.BackupCodeFailed)
		deps.EmitAudit(ctx, deps.Events.BackupCodeFailed, false, userID, "", nil, func() map[string]string {
			return map[string]string{"reason": "malformed"}
		})
		return false, nil
	}

	records, err := deps.ListBackupCodes(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}

	matchID := ""
	for _, record := range records {
		if record.Used {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(record.Hash), []byte(canonical)) == nil && matchID == "" {
			matchID = record.ID
		}
	}

	if matchID == "" {
		deps.MetricInc(deps.Metrics.BackupCodeFailed)
		deps.EmitAudit(ctx, deps.Events.BackupCodeFailed, false, userID, "", nil, func() map[string]string {
			return map[string]string{"reason": "no_match"}
		})
		return false, nil
	}

	spent, err := deps.MarkBackupCodeUsed(ctx, matchID, deps.Now())
	if err != nil {
		return false, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}
	if !spent {
		// a concurrent redemption won
		deps.MetricInc(deps.Metrics.BackupCodeFailed)
		deps.EmitAudit(ctx, deps.Events.BackupCodeFailed, false, userID, "", nil, func() map[string]string {
			return map[string]string{"reason": "already_used"}
		})
		return false, nil
	}

	deps.MetricInc(deps.Metrics.BackupCodeUsed)
	deps.EmitAudit(ctx, deps.Events.BackupCodeUsed, true, userID, "", nil, nil)
	return true, nil
}

// CountUnusedBackupCodes counts codes that have not been spent.
func CountUnusedBackupCodes(records []BackupCodeRecord) int {
	n := 0
	for _, record := range records {
		if !record.Used {
			n++
		}
	}
	return n
}

func runIssueBackupCodes(ctx context.Context, userID string, regenerated bool, deps BackupCodeDeps) ([]string, error) {
	count := deps.Count
	if count <= 0 {
		return nil, deps.Errors.EngineNotReady
	}

	records := make([]BackupCodeRecord, 0, count)
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := NewBackupCode(deps.RandomBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		hash, err := bcrypt.GenerateFromPassword([]byte(code), deps.Cost)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
		}
		records = append(records, BackupCodeRecord{
			ID:     deps.NewID(),
			UserID: userID,
			Hash:   string(hash),
		})
		codes = append(codes, code)
	}

	if err := deps.CreateBackupCodes(ctx, records, deps.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}

	deps.MetricInc(deps.Metrics.BackupCodeRegenerated)
	deps.EmitAudit(ctx, deps.Events.BackupCodesGenerated, true, userID, "", nil, func() map[string]string {
		if regenerated {
			return map[string]string{"mode": "regenerate"}
		}
		return map[string]string{"mode": "generate"}
	})
	return codes, nil
}

// NewBackupCode renders BackupCodeBytes random bytes as uppercase hex.
func NewBackupCode(randomBytes func(int) ([]byte, error)) (string, error) {
	if randomBytes == nil {
		randomBytes = cryptoRandomBytes
	}
	raw, err := randomBytes(BackupCodeBytes)
	if err != nil {
		return "", err
	}
	if len(raw) != BackupCodeBytes {
		return "", io.ErrShortBuffer
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// CanonicalizeBackupCode uppercases and strips dashes and whitespace.
func CanonicalizeBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ValidBackupCodeFormat(canonical string) bool {
	return backupCodePattern.MatchString(canonical)
}

func cryptoRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func normalizeBackupCodeDeps(deps *BackupCodeDeps) {
	if deps.Cost == 0 {
		deps.Cost = DefaultBackupCodeCost
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RandomBytes == nil {
		deps.RandomBytes = cryptoRandomBytes
	}
	if deps.NewID == nil {
		deps.NewID = func() string {
			b, _ := cryptoRandomBytes(16)
			return hex.EncodeToString(b)
		}
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
}
