// Package sqlite implements the storage interfaces using SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite allows one writer at a time; the Store keeps a dedicated
// single-connection writer pool next to a sized reader pool so selection
// reads never queue behind request persistence.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn (a file path, or ":memory:"), applies the
// embedded migrations, and returns a ready Store.
func New(dsn string) (*Store, error) {
	uri := connectionURI(dsn)

	write, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", uri)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// connectionURI builds the driver URI: WAL with a busy timeout for files,
// shared cache for :memory: so both pools see the same data.
func connectionURI(dsn string) string {
	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	if dsn == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + dsn + "?" + pragmas
}

// migrate applies the embedded goose migrations. fs.Sub strips the
// directory prefix so goose sees the files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies connectivity through the reader pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
