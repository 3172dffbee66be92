// Package storex is the storage adapter: one process-local, SQLite-compatible
// connection exposing Query/Exec/Transaction, with parameter-style
// normalization and a fixed-width vector column helper. It is grounded on
// the teacher's internal/storage/sqlite package (database/sql over
// modernc.org/sqlite, one struct wrapping *sql.DB, context-scoped calls)
// generalized so every public entry point takes an explicit *Store handle
// instead of a package-level cached connection.
package storex

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/swarmgrid/substrate/internal/errs"
)

// Store wraps a single SQLite-compatible connection. It is safe for
// concurrent use; the underlying driver serializes writes.
type Store struct {
	db *sql.DB
}

// Open normalizes databaseURL and opens the connection. Accepts a bare
// filesystem path (normalized to a file: URL), a file: URL, or ":memory:".
func Open(databaseURL string) (*Store, error) {
	dsn := normalizeDSN(databaseURL)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap("open store", err)
	}
	// SQLite-compatible single-writer semantics: one open connection avoids
	// "database is locked" contention across goroutines sharing *sql.DB.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, errs.Wrap("enable foreign keys", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, errs.Wrap("enable WAL", err)
	}
	return &Store{db: db}, nil
}

// normalizeDSN turns a bare path or ":memory:" into a driver-ready DSN.
func normalizeDSN(databaseURL string) string {
	if databaseURL == "" || databaseURL == ":memory:" {
		return ":memory:"
	}
	if strings.HasPrefix(databaseURL, "file:") {
		return databaseURL
	}
	if strings.Contains(databaseURL, "://") {
		// Not a local filesystem path (e.g. libsql://...); pass through and
		// let the driver reject it — remote backends are out of scope.
		return databaseURL
	}
	return "file:" + databaseURL
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sql.DB for package-internal callers that need schema
// setup beyond Query/Exec/Transaction (migrations).
func (s *Store) DB() *sql.DB { return s.db }

// Query runs a normalized query and returns the raw rows. Callers own
// closing the result.
func (s *Store) Query(ctx context.Context, query string, params ...any) (*sql.Rows, error) {
	q, args := Normalize(query, params)
	rows, err := s.db.QueryContext(ctx, q, args...)
	return rows, errs.Wrap("query", err)
}

// QueryRow runs a normalized single-row query.
func (s *Store) QueryRow(ctx context.Context, query string, params ...any) *sql.Row {
	q, args := Normalize(query, params)
	return s.db.QueryRowContext(ctx, q, args...)
}

// Exec runs a normalized statement and returns the result.
func (s *Store) Exec(ctx context.Context, query string, params ...any) (sql.Result, error) {
	q, args := Normalize(query, params)
	res, err := s.db.ExecContext(ctx, q, args...)
	return res, errs.Wrap("exec", err)
}

// Tx is the transaction handle passed into Transaction callbacks; it offers
// the same Query/Exec surface as Store, scoped to one unit of work.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Query(ctx context.Context, query string, params ...any) (*sql.Rows, error) {
	q, args := Normalize(query, params)
	rows, err := t.tx.QueryContext(ctx, q, args...)
	return rows, errs.Wrap("query", err)
}

func (t *Tx) QueryRow(ctx context.Context, query string, params ...any) *sql.Row {
	q, args := Normalize(query, params)
	return t.tx.QueryRowContext(ctx, q, args...)
}

func (t *Tx) Exec(ctx context.Context, query string, params ...any) (sql.Result, error) {
	q, args := Normalize(query, params)
	res, err := t.tx.ExecContext(ctx, q, args...)
	return res, errs.Wrap("exec", err)
}

// Transaction wraps fn in a single SQL transaction: compound updates (event
// append + projection write, or reservation conflict-check + insert) must
// run inside one of these so readers never observe a torn write.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("begin transaction", err)
	}
	if err := fn(ctx, &Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errs.Wrap("commit transaction", err)
	}
	return nil
}

// Normalize accepts either ?-style or reused $N-style placeholders (with an
// `= ANY($N)` array-binding convention) and returns a ?-only query plus the
// flattened argument list modernc.org/sqlite expects.
//
// Rules:
//   - $N referenced more than once expands to repeated "?" with the same
//     bound value repeated positionally.
//   - "= ANY($N)" where params[N-1] is a slice expands to "IN (?, ?, ...)".
//   - An empty slice bound to ANY($N) expands to the always-false
//     "IN (SELECT 1 WHERE 1 = 0)", never to the invalid "IN ()".
func Normalize(query string, params []any) (string, []any) {
	if !strings.Contains(query, "$") {
		return query, params
	}

	var out strings.Builder
	var args []any
	i := 0
	for i < len(query) {
		c := query[i]
		if c != '$' || i+1 >= len(query) || query[i+1] < '0' || query[i+1] > '9' {
			out.WriteByte(c)
			i++
			continue
		}
		start := i
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		n := parseInt(query[start+1 : j])
		i = j

		if n < 1 || n > len(params) {
			// Malformed placeholder index; leave the token untouched so the
			// driver surfaces a clear syntax error rather than silently
			// misbinding arguments.
			out.WriteString(query[start:j])
			continue
		}
		val := params[n-1]

		if precededByAny(out.String()) {
			expandAny(&out, &args, val)
			continue
		}

		out.WriteByte('?')
		args = append(args, val)
	}
	return out.String(), args
}

// precededByAny reports whether the text built so far ends in "ANY(" (case
// insensitive, whitespace tolerated), meaning the placeholder about to be
// emitted is the array argument of an "= ANY($N)" predicate.
func precededByAny(built string) bool {
	trimmed := strings.TrimRight(built, " \t\n")
	trimmed = strings.TrimSuffix(trimmed, "(")
	trimmed = strings.TrimRight(trimmed, " \t\n")
	return len(trimmed) >= 3 && strings.EqualFold(trimmed[len(trimmed)-3:], "any")
}

// expandAny rewrites the "... = ANY(" already written into out as
// "... IN (...)", consuming the slice val.
func expandAny(out *strings.Builder, args *[]any, val any) {
	built := out.String()
	trimmed := strings.TrimRight(built, " \t\n")
	trimmed = strings.TrimSuffix(trimmed, "(")
	trimmed = strings.TrimRight(trimmed, " \t\n")
	trimmed = trimmed[:len(trimmed)-len("any")]
	trimmed = strings.TrimRight(trimmed, " \t\n")
	trimmed = strings.TrimSuffix(trimmed, "=")
	trimmed = strings.TrimRight(trimmed, " \t\n")

	out.Reset()
	out.WriteString(trimmed)
	out.WriteString(" IN ")

	slice, _ := toAnySlice(val)
	expandIn(out, args, slice)
}

func expandIn(out *strings.Builder, args *[]any, slice []any) {
	if len(slice) == 0 {
		out.WriteString("(SELECT 1 WHERE 1 = 0)")
		return
	}
	out.WriteByte('(')
	for i, v := range slice {
		if i > 0 {
			out.WriteByte(',')
		}
		out.WriteByte('?')
		*args = append(*args, v)
	}
	out.WriteByte(')')
}

func toAnySlice(val any) ([]any, bool) {
	switch v := val.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	default:
		return []any{val}, false
	}
}

func parseInt(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
