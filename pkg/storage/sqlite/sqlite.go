// Package sqlite persists recorded JSON-RPC exchanges for journal record and
// replay modes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rexliu/rpcc/pkg/ident"
	"github.com/rexliu/rpcc/pkg/transport"
)

// Store owns the journal database.
type Store struct {
	db   *sql.DB
	path string
}

var _ transport.Journal = (*Store)(nil)

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init applies pragmas and the schema.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			request TEXT NOT NULL,
			response TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_lookup ON exchanges(method, params, recorded_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Record stores one exchange. A missing id or timestamp is filled in.
func (s *Store) Record(ctx context.Context, ex transport.Exchange) error {
	if ex.Method == "" {
		return errors.New("exchange without method")
	}
	if ex.ID == "" {
		ex.ID = ident.New()
	}
	if ex.RecordedAt.IsZero() {
		ex.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO exchanges(id, method, params, request, response, recorded_at) VALUES(?,?,?,?,?,?)`,
		ex.ID, ex.Method, string(ex.Params), string(ex.Request), string(ex.Response), ex.RecordedAt.UnixMilli())
	return err
}

// Lookup returns the newest exchange for method and params.
func (s *Store) Lookup(ctx context.Context, method string, params json.RawMessage) (transport.Exchange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, method, params, request, response, recorded_at
		FROM exchanges
		WHERE method = ? AND params = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1;
	`, method, string(params))
	ex, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Exchange{}, fmt.Errorf("%w: %s", transport.ErrNoRecording, method)
	}
	return ex, err
}

// ListOptions filters List.
type ListOptions struct {
	Method string
	Limit  int
}

// List returns exchanges newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]transport.Exchange, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, method, params, request, response, recorded_at FROM exchanges`
	args := []any{}
	if opts.Method != "" {
		query += ` WHERE method = ?`
		args = append(args, opts.Method)
	}
	query += ` ORDER BY recorded_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transport.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Count returns the number of stored exchanges.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n)
	return n, err
}

// Delete removes one exchange.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE id = ?`, id)
	return wrapRowsAffected(res, err)
}

// Prune deletes exchanges recorded before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExchange(row scanner) (transport.Exchange, error) {
	var (
		ex       transport.Exchange
		params   string
		request  string
		response string
		recorded int64
	)
	if err := row.Scan(&ex.ID, &ex.Method, &params, &request, &response, &recorded); err != nil {
		return transport.Exchange{}, err
	}
	if params != "" {
		ex.Params = json.RawMessage(params)
	}
	ex.Request = json.RawMessage(request)
	ex.Response = json.RawMessage(response)
	ex.RecordedAt = time.UnixMilli(recorded).UTC()
	return ex, nil
}

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("no rows affected")
	}
	return nil
}
