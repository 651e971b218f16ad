package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	goMFA "github.com/MrEthical07/goMFA"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const (
	tableTOTP    = "mfa_totp_authenticators"
	tablePasskey = "mfa_passkeys"
	tableBackup  = "mfa_backup_codes"
	tableConfig  = "mfa_user_config"
)

var (
	totpColumns    = []string{"id", "user_id", "name", "secret", "verified", "created_at", "last_used_at"}
	passkeyColumns = []string{"id", "user_id", "name", "credential_id", "public_key", "counter", "transports", "backed_up", "created_at", "last_used_at"}
	backupColumns  = []string{"id", "user_id", "code_hash", "created_at", "used_at"}
	configColumns  = []string{"user_id", "enabled", "preferred_method", "backup_codes_count", "updated_at"}
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a goMFA.CredentialStore backed by PostgreSQL.
type Store struct {
	db DB
	sb sq.StatementBuilderType
}

var _ goMFA.CredentialStore = (*Store)(nil)

func New(db DB) *Store {
	return &Store{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return goMFA.ErrRecordNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return goMFA.ErrRecordExists
	}
	return fmt.Errorf("%w: %v", goMFA.ErrBackend, err)
}

func (s *Store) exec(ctx context.Context, q sq.Sqlizer) (pgconn.CommandTag, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("postgres: build query: %w", err)
	}
	tag, err := s.db.Exec(ctx, sqlStr, args...)
	return tag, mapError(err)
}

func (s *Store) queryRow(ctx context.Context, q sq.Sqlizer) (pgx.Row, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build query: %w", err)
	}
	return s.db.QueryRow(ctx, sqlStr, args...), nil
}

func (s *Store) query(ctx context.Context, q sq.Sqlizer) (pgx.Rows, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// --- TOTP ---

func (s *Store) CreateTOTPAuthenticator(ctx context.Context, a *goMFA.TOTPAuthenticator) error {
	_, err := s.exec(ctx, s.sb.Insert(tableTOTP).
		Columns(totpColumns...).
		Values(a.ID, a.UserID, a.Name, a.Secret, a.Verified, a.CreatedAt, a.LastUsedAt))
	return err
}

func (s *Store) GetTOTPAuthenticator(ctx context.Context, id string) (*goMFA.TOTPAuthenticator, error) {
	row, err := s.queryRow(ctx, s.sb.Select(totpColumns...).From(tableTOTP).Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	a, err := scanTOTP(row)
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (s *Store) ListTOTPAuthenticators(ctx context.Context, userID string) ([]goMFA.TOTPAuthenticator, error) {
	rows, err := s.query(ctx, s.sb.Select(totpColumns...).
		From(tableTOTP).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at", "id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []goMFA.TOTPAuthenticator
	for rows.Next() {
		a, err := scanTOTP(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *a)
	}
	return out, mapError(rows.Err())
}

func (s *Store) UpdateTOTPAuthenticator(ctx context.Context, a *goMFA.TOTPAuthenticator) error {
	tag, err := s.exec(ctx, s.sb.Update(tableTOTP).
		Set("name", a.Name).
		Set("secret", a.Secret).
		Set("verified", a.Verified).
		Set("last_used_at", a.LastUsedAt).
		Where(sq.Eq{"id": a.ID}))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return goMFA.ErrRecordNotFound
	}
	return nil
}

func (s *Store) DeleteTOTPAuthenticator(ctx context.Context, id string) (bool, error) {
	tag, err := s.exec(ctx, s.sb.Delete(tableTOTP).Where(sq.Eq{"id": id}))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanTOTP(row pgx.Row) (*goMFA.TOTPAuthenticator, error) {
	var a goMFA.TOTPAuthenticator
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Secret, &a.Verified, &a.CreatedAt, &a.LastUsedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Passkeys ---

func (s *Store) CreatePasskey(ctx context.Context, p *goMFA.Passkey) error {
	transports := p.Transports
	if transports == nil {
		transports = []string{}
	}
	_, err := s.exec(ctx, s.sb.Insert(tablePasskey).
		Columns(passkeyColumns...).
		Values(p.ID, p.UserID, p.Name, p.CredentialID, p.PublicKey, int64(p.Counter), transports, p.BackedUp, p.CreatedAt, p.LastUsedAt))
	return err
}

func (s *Store) GetPasskey(ctx context.Context, id string) (*goMFA.Passkey, error) {
	return s.getPasskey(ctx, sq.Eq{"id": id})
}

func (s *Store) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*goMFA.Passkey, error) {
	return s.getPasskey(ctx, sq.Eq{"credential_id": credentialID})
}

func (s *Store) getPasskey(ctx context.Context, where sq.Eq) (*goMFA.Passkey, error) {
	row, err := s.queryRow(ctx, s.sb.Select(passkeyColumns...).From(tablePasskey).Where(where))
	if err != nil {
		return nil, err
	}
	p, err := scanPasskey(row)
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func (s *Store) ListPasskeys(ctx context.Context, userID string) ([]goMFA.Passkey, error) {
	rows, err := s.query(ctx, s.sb.Select(passkeyColumns...).
		From(tablePasskey).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at", "id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []goMFA.Passkey
	for rows.Next() {
		p, err := scanPasskey(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *p)
	}
	return out, mapError(rows.Err())
}

// UpdatePasskey writes the mutable metadata. The counter is only changed
// through UpdatePasskeyCounter.
func (s *Store) UpdatePasskey(ctx context.Context, p *goMFA.Passkey) error {
	tag, err := s.exec(ctx, s.sb.Update(tablePasskey).
		Set("name", p.Name).
		Set("backed_up", p.BackedUp).
		Set("last_used_at", p.LastUsedAt).
		Where(sq.Eq{"id": p.ID}))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return goMFA.ErrRecordNotFound
	}
	return nil
}

func (s *Store) UpdatePasskeyCounter(ctx context.Context, id string, expected, counter uint32, usedAt time.Time) (bool, error) {
	tag, err := s.exec(ctx, s.sb.Update(tablePasskey).
		Set("counter", int64(counter)).
		Set("last_used_at", usedAt).
		Where(sq.Eq{"id": id, "counter": int64(expected)}))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeletePasskey(ctx context.Context, id string) (bool, error) {
	tag, err := s.exec(ctx, s.sb.Delete(tablePasskey).Where(sq.Eq{"id": id}))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanPasskey(row pgx.Row) (*goMFA.Passkey, error) {
	var (
		p       goMFA.Passkey
		counter int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.CredentialID, &p.PublicKey, &counter, &p.Transports, &p.BackedUp, &p.CreatedAt, &p.LastUsedAt); err != nil {
		return nil, err
	}
	p.Counter = uint32(counter)
	return &p, nil
}

// --- Backup codes ---

// CreateBackupCodes inserts the batch in one transaction.
func (s *Store) CreateBackupCodes(ctx context.Context, codes []goMFA.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}
	q := s.sb.Insert(tableBackup).Columns(backupColumns...)
	for _, c := range codes {
		q = q.Values(c.ID, c.UserID, c.CodeHash, c.CreatedAt, c.UsedAt)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build query: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

func (s *Store) ListBackupCodes(ctx context.Context, userID string) ([]goMFA.BackupCode, error) {
	rows, err := s.query(ctx, s.sb.Select(backupColumns...).
		From(tableBackup).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at", "id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []goMFA.BackupCode
	for rows.Next() {
		var c goMFA.BackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.CreatedAt, &c.UsedAt); err != nil {
			return nil, mapError(err)
		}
		out = append(out, c)
	}
	return out, mapError(rows.Err())
}

func (s *Store) MarkBackupCodeUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	tag, err := s.exec(ctx, s.sb.Update(tableBackup).
		Set("used_at", usedAt).
		Where(sq.Eq{"id": id, "used_at": nil}))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteBackupCodes(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, s.sb.Delete(tableBackup).Where(sq.Eq{"user_id": userID}))
	return err
}

// PurgeUsedBackupCodes deletes codes spent before the cutoff and returns
// how many rows went away. Unused codes are never touched.
func (s *Store) PurgeUsedBackupCodes(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.exec(ctx, s.sb.Delete(tableBackup).
		Where(sq.And{sq.NotEq{"used_at": nil}, sq.Lt{"used_at": before}}))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Per-user config ---

func (s *Store) GetTwoFactorConfig(ctx context.Context, userID string) (*goMFA.TwoFactorConfig, error) {
	row, err := s.queryRow(ctx, s.sb.Select(configColumns...).From(tableConfig).Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	var (
		c      goMFA.TwoFactorConfig
		method string
	)
	if err := row.Scan(&c.UserID, &c.Enabled, &method, &c.BackupCodesCount, &c.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	c.PreferredMethod = goMFA.Method(method)
	return &c, nil
}

// SaveTwoFactorConfig upserts the row for cfg.UserID.
func (s *Store) SaveTwoFactorConfig(ctx context.Context, cfg *goMFA.TwoFactorConfig) error {
	_, err := s.exec(ctx, s.sb.Insert(tableConfig).
		Columns(configColumns...).
		Values(cfg.UserID, cfg.Enabled, string(cfg.PreferredMethod), cfg.BackupCodesCount, cfg.UpdatedAt).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET enabled = EXCLUDED.enabled, preferred_method = EXCLUDED.preferred_method, backup_codes_count = EXCLUDED.backup_codes_count, updated_at = EXCLUDED.updated_at"))
	return err
}
