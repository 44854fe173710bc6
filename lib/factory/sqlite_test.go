package factory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestSQLiteCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	f := &SQLite{
		Path: path,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
		},
	}

	if !strings.HasPrefix(f.Target(), "sqlite://") {
		t.Errorf("Target() = %q", f.Target())
	}

	conn, err := f.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer conn.Close()

	sc := conn.(*SQLiteConn)
	if err := sc.Probe(context.Background()); err != nil {
		t.Errorf("Probe() error = %v", err)
	}

	if err := sqlitex.ExecuteTransient(sc.Conn(), "INSERT INTO kv (k, v) VALUES ('a', 'b')", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var mode string
	err = sqlitex.ExecuteTransient(sc.Conn(), "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("read journal mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestSQLiteCreateFailure(t *testing.T) {
	f := &SQLite{Path: filepath.Join(t.TempDir(), "missing", "dir", "test.db")}

	_, err := f.Create(context.Background())
	if !apperrors.IsConnectFailure(err) {
		t.Fatalf("Create() error = %v, want connect failure", err)
	}
}

func TestSQLiteCreateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&SQLite{Path: filepath.Join(t.TempDir(), "test.db")}).Create(ctx)
	if !apperrors.IsConnectFailure(err) {
		t.Fatalf("Create() error = %v, want connect failure", err)
	}
}

func TestSQLiteBadPragma(t *testing.T) {
	f := &SQLite{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Pragmas: []string{"NOT A PRAGMA"},
	}
	if _, err := f.Create(context.Background()); err == nil {
		t.Fatal("expected error for invalid pragma")
	}
}

func TestSQLiteProbeCanceled(t *testing.T) {
	conn, err := (&SQLite{Path: filepath.Join(t.TempDir(), "test.db")}).Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := conn.(Prober).Probe(ctx); err == nil {
		t.Error("expected probe to fail with a canceled context")
	}
}
