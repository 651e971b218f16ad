// Package postgres implements goMFA.CredentialStore on PostgreSQL using a
// pgx connection pool and squirrel-built queries.
//
// [Store.Migrate] applies the embedded schema idempotently. Missing rows
// map to goMFA.ErrRecordNotFound and unique violations to
// goMFA.ErrRecordExists; every other driver error wraps goMFA.ErrBackend.
//
// MarkBackupCodeUsed and UpdatePasskeyCounter are single conditional
// UPDATE statements, so concurrent callers cannot both succeed.
package postgres
