// Package sqlitestore provides persistent trace storage in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/pressly/goose/v3"
	"github.com/tied-inc/evaltrack"
)

// Store keeps traces in a SQLite database. It implements [evaltrack.Sink], and
// satisfies the storage contract of the trace store server. Unlike the memory
// store, it never evicts traces. Submitting a trace whose ID is already stored
// replaces it.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
}

var _ evaltrack.Sink = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

const insertTrace = `
INSERT INTO traces (id, request, response, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	request    = excluded.request,
	response   = excluded.response,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at
`

const selectTraces = `SELECT id, request, response, created_at, updated_at FROM traces`

// Open opens, and if necessary creates, the database at path, and applies any
// pending schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway, and a single connection keeps
	// in-memory databases from splitting into one per connection.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	insert, err := db.PrepareContext(ctx, insertTrace)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	return &Store{
		db:     db,
		insert: insert,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return errors.Join(s.insert.Close(), s.db.Close())
}

// Submit implements evaltrack.Sink.
func (s *Store) Submit(ctx context.Context, tr *evaltrack.Trace) error {
	if tr == nil {
		return fmt.Errorf("%w: nil trace", evaltrack.ErrInvalidTrace)
	}
	if err := tr.Validate(); err != nil {
		return err
	}

	if _, err := s.insert.ExecContext(ctx,
		tr.ID,
		string(tr.Request),
		string(tr.Response),
		tr.CreatedAt.UnixNano(),
		tr.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert trace %s: %w", tr.ID, err)
	}

	return nil
}

// FetchAll implements evaltrack.Sink, returning traces newest first.
func (s *Store) FetchAll(ctx context.Context) ([]*evaltrack.Trace, error) {
	rows, err := s.db.QueryContext(ctx, selectTraces+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	traces := []*evaltrack.Trace{}
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}

	return traces, nil
}

// Get returns the trace with the given ID, or an error wrapping
// evaltrack.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*evaltrack.Trace, error) {
	tr, err := scanTrace(s.db.QueryRowContext(ctx, selectTraces+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, evaltrack.ErrNotFound)
	}
	return tr, err
}

// Count returns the number of stored traces.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*evaltrack.Trace, error) {
	var (
		tr                   evaltrack.Trace
		request, response    string
		createdAt, updatedAt int64
	)

	if err := row.Scan(&tr.ID, &request, &response, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trace: %w", err)
	}

	tr.Request = []byte(request)
	tr.Response = []byte(response)
	tr.CreatedAt = time.Unix(0, createdAt).UTC()
	tr.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &tr, nil
}
