package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// recordingDB captures statements and answers Exec with a fixed tag.
type recordingDB struct {
	sql  []string
	args [][]any
	tag  pgconn.CommandTag
	err  error
}

func (d *recordingDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.sql = append(d.sql, sql)
	d.args = append(d.args, args)
	return d.tag, d.err
}

func (d *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (d *recordingDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, goMFA.ErrRecordNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, goMFA.ErrRecordExists},
		{"other pg error", &pgconn.PgError{Code: "57014"}, goMFA.ErrBackend},
		{"network", errors.New("connection reset"), goMFA.ErrBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("mapError(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if mapError(nil) != nil {
		t.Fatal("mapError(nil) must be nil")
	}
}

func TestMarkBackupCodeUsedIsConditional(t *testing.T) {
	db := &recordingDB{tag: pgconn.NewCommandTag("UPDATE 0")}
	s := New(db)

	ok, err := s.MarkBackupCodeUsed(context.Background(), "c1", time.Now())
	if err != nil {
		t.Fatalf("MarkBackupCodeUsed failed: %v", err)
	}
	if ok {
		t.Fatal("expected no claim when no row was updated")
	}
	if !strings.Contains(db.sql[0], "used_at IS NULL") {
		t.Fatalf("expected conditional update, got %s", db.sql[0])
	}

	db.tag = pgconn.NewCommandTag("UPDATE 1")
	ok, err = s.MarkBackupCodeUsed(context.Background(), "c1", time.Now())
	if err != nil || !ok {
		t.Fatalf("MarkBackupCodeUsed = %v, %v", ok, err)
	}
}

func TestUpdatePasskeyCounterComparesExpected(t *testing.T) {
	db := &recordingDB{tag: pgconn.NewCommandTag("UPDATE 1")}
	s := New(db)

	ok, err := s.UpdatePasskeyCounter(context.Background(), "pk1", 4, 5, time.Now())
	if err != nil || !ok {
		t.Fatalf("UpdatePasskeyCounter = %v, %v", ok, err)
	}
	stmt := db.sql[0]
	if !strings.HasPrefix(stmt, "UPDATE mfa_passkeys SET counter = $1") || !strings.Contains(stmt, "counter = $") {
		t.Fatalf("unexpected statement %s", stmt)
	}
	found := false
	for _, a := range db.args[0] {
		if v, ok := a.(int64); ok && v == 4 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the expected counter among args, got %v", db.args[0])
	}
}

func TestPurgeUsedBackupCodesOnlyTouchesUsed(t *testing.T) {
	db := &recordingDB{tag: pgconn.NewCommandTag("DELETE 3")}
	s := New(db)

	n, err := s.PurgeUsedBackupCodes(context.Background(), time.Now())
	if err != nil || n != 3 {
		t.Fatalf("PurgeUsedBackupCodes = %d, %v", n, err)
	}
	if !strings.Contains(db.sql[0], "used_at IS NOT NULL") || !strings.Contains(db.sql[0], "used_at < $1") {
		t.Fatalf("unexpected purge statement %s", db.sql[0])
	}
}

func TestUpdateMissingRowsReportNotFound(t *testing.T) {
	db := &recordingDB{tag: pgconn.NewCommandTag("UPDATE 0")}
	s := New(db)

	if err := s.UpdateTOTPAuthenticator(context.Background(), &goMFA.TOTPAuthenticator{ID: "t1"}); !errors.Is(err, goMFA.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if err := s.UpdatePasskey(context.Background(), &goMFA.Passkey{ID: "p1"}); !errors.Is(err, goMFA.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestExecErrorsWrapBackend(t *testing.T) {
	db := &recordingDB{err: errors.New("conn closed")}
	s := New(db)

	if _, err := s.DeleteTOTPAuthenticator(context.Background(), "t1"); !errors.Is(err, goMFA.ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if err := s.Migrate(context.Background()); err == nil {
		t.Fatal("expected migrate failure")
	}
}

func TestCreateBackupCodesEmptyBatch(t *testing.T) {
	db := &recordingDB{}
	if err := New(db).CreateBackupCodes(context.Background(), nil); err != nil {
		t.Fatalf("CreateBackupCodes failed: %v", err)
	}
	if len(db.sql) != 0 {
		t.Fatal("empty batch must not touch the database")
	}
}
