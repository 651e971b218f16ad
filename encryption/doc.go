// Package encryption implements AES-256-GCM encryption at rest for TOTP secrets.
//
// # Output format
//
// Ciphertext blobs are standard base64 of:
//
//	IV (12 bytes) || GCM tag (16 bytes) || ciphertext
//
// # Key material
//
// The key is resolved once from a single configured string, in priority order:
// 64 hex characters decoded to 32 raw bytes, a 44 character base64 value that
// decodes to exactly 32 bytes, otherwise the SHA-256 digest of the raw string.
//
// # What this package must NOT do
//
//   - Read keys from the environment or any global state.
//   - Return partially decrypted or unauthenticated plaintext.
//   - Import any other goMFA package.
package encryption
