package internaldefs

import (
	goMFA "github.com/MrEthical07/goMFA"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goMFA.MetricTOTPEnrolled, Name: "gomfa_totp_enrolled_total", Help: "TOTP authenticators confirmed by a first code."},
	{ID: goMFA.MetricTOTPSuccess, Name: "gomfa_totp_success_total", Help: "Successful TOTP verifications."},
	{ID: goMFA.MetricTOTPFailure, Name: "gomfa_totp_failure_total", Help: "Failed TOTP verifications."},
	{ID: goMFA.MetricPasskeyRegistered, Name: "gomfa_passkey_registered_total", Help: "Passkeys registered."},
	{ID: goMFA.MetricPasskeyRegistrationFailed, Name: "gomfa_passkey_registration_failed_total", Help: "Rejected passkey registrations."},
	{ID: goMFA.MetricPasskeySuccess, Name: "gomfa_passkey_success_total", Help: "Successful passkey assertions."},
	{ID: goMFA.MetricPasskeyFailure, Name: "gomfa_passkey_failure_total", Help: "Failed passkey assertions."},
	{ID: goMFA.MetricPasskeyCloneDetected, Name: "gomfa_passkey_clone_detected_total", Help: "Assertions rejected for a non-increasing signature counter."},
	{ID: goMFA.MetricBackupCodeUsed, Name: "gomfa_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: goMFA.MetricBackupCodeFailed, Name: "gomfa_backup_code_failed_total", Help: "Rejected backup codes."},
	{ID: goMFA.MetricBackupCodeRegenerated, Name: "gomfa_backup_code_regenerated_total", Help: "Backup code batches generated."},
	{ID: goMFA.MetricPendingCreated, Name: "gomfa_pending_created_total", Help: "Pending two-factor sessions created."},
	{ID: goMFA.MetricPendingSuccess, Name: "gomfa_pending_success_total", Help: "Pending sessions completed by a second factor."},
	{ID: goMFA.MetricPendingFailure, Name: "gomfa_pending_failure_total", Help: "Wrong second-factor attempts against pending sessions."},
	{ID: goMFA.MetricPendingExpired, Name: "gomfa_pending_expired_total", Help: "Pending sessions found expired."},
	{ID: goMFA.MetricPendingLocked, Name: "gomfa_pending_locked_total", Help: "Pending sessions deleted at the attempt ceiling."},
	{ID: goMFA.MetricPendingReplay, Name: "gomfa_pending_replay_total", Help: "Pending sessions lost to a concurrent completion."},
	{ID: goMFA.MetricTwoFactorEnabled, Name: "gomfa_two_factor_enabled_total", Help: "Two-factor enable operations."},
	{ID: goMFA.MetricTwoFactorDisabled, Name: "gomfa_two_factor_disabled_total", Help: "Two-factor disable operations."},
	{ID: goMFA.MetricTwoFactorAutoDisabled, Name: "gomfa_two_factor_auto_disabled_total", Help: "Two-factor disabled after the last primary method was removed."},
	{ID: goMFA.MetricSecretDecryptFailure, Name: "gomfa_secret_decrypt_failure_total", Help: "Stored TOTP secrets that failed to decrypt."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goMFA.MetricVerifyLatency, Name: "gomfa_verify_latency_seconds", Help: "Second-factor verification latency."},
}

// AuditDroppedName and AuditDroppedHelp describe the dispatcher drop counter.
const (
	AuditDroppedName = "gomfa_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped by dispatcher backpressure."
)

// HistogramUpperBounds are the finite bucket bounds in seconds; the last
// engine bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
