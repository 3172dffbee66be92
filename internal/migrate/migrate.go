// Package migrate implements auto-migration (spec.md §4.I): on startup, if
// a project-local store file exists beside the project root, its tables
// are merged into the global store and the source is renamed aside.
// Grounded on the teacher's internal/storage/sqlite/migrations package —
// idempotent INSERT OR IGNORE, pragma_table_info column-presence checks —
// generalized from one named migration into a generic table walk, since
// the source here is an entire sibling database rather than a known old
// column layout.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
)

// attachSchema is the name the source database is ATTACHed under for the
// duration of Merge.
const attachSchema = "srcdb"

// TableResult reports the outcome of merging one table.
type TableResult struct {
	Name     string
	Inserted int64
	Skipped  bool   // true if the table doesn't exist in the target schema
	Reason   string // set when Skipped
}

// Result reports what Merge did, or — in dry-run mode — would do.
type Result struct {
	SourcePath string
	BackupPath string // set only when a non-dry-run merge actually renamed the source aside
	DryRun     bool
	Tables     []TableResult
}

// TotalInserted sums Inserted across every merged table.
func (r Result) TotalInserted() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Inserted
	}
	return n
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// execQueryer is the subset of *sql.DB and *sql.Tx that merge's helpers
// need. Using it instead of a concrete type lets Merge drive BEGIN/ATTACH/
// COMMIT-or-ROLLBACK/DETACH as plain statements against the one pooled
// connection (target's Store opens with SetMaxOpenConns(1), exactly so a
// manual BEGIN...COMMIT sequence like this one reliably lands on a single
// physical connection) rather than nesting database/sql's own *sql.Tx,
// whose pool semantics would contend with ATTACH/DETACH's connection-level
// scope.
type execQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Merge copies every application table from sourcePath's SQLite file into
// target using INSERT OR IGNORE, so merging twice (e.g. after a crash
// between merge and rename) is safe. A column present in the source table
// but absent in the target is skipped; a table present in the source but
// absent in the target's schema is skipped entirely and reported as such.
// In dryRun mode the merge is rolled back, so Result reports counts
// without writing anything. On a successful non-dry-run merge, sourcePath
// is renamed aside with a timestamped ".backup-" suffix.
func Merge(ctx context.Context, target *storex.Store, sourcePath string, dryRun bool) (Result, error) {
	res := Result{SourcePath: sourcePath, DryRun: dryRun}

	if _, err := os.Stat(sourcePath); err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, errs.Wrap("stat project-local store", err)
	}

	db := target.DB()
	if _, err := db.ExecContext(ctx, `BEGIN`); err != nil {
		return res, errs.Wrap("begin merge", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE ? AS %s`, attachSchema), sourcePath); err != nil {
		_, _ = db.ExecContext(ctx, `ROLLBACK`)
		return res, errs.Wrap("attach project-local store", err)
	}

	tables, mergeErr := listTables(ctx, db, attachSchema)
	if mergeErr == nil {
		for _, table := range tables {
			tr, err := mergeTable(ctx, db, table)
			if err != nil {
				mergeErr = errs.Wrapf(err, "merge table %s", table)
				break
			}
			res.Tables = append(res.Tables, tr)
		}
	}

	if dryRun || mergeErr != nil {
		_, _ = db.ExecContext(ctx, `ROLLBACK`)
	} else if _, err := db.ExecContext(ctx, `COMMIT`); err != nil {
		mergeErr = errs.Wrap("commit merge", err)
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf(`DETACH DATABASE %s`, attachSchema))

	if mergeErr != nil {
		return res, mergeErr
	}
	if dryRun {
		return res, nil
	}

	backup := sourcePath + ".backup-" + time.Now().UTC().Format("20060102T150405.000Z")
	if err := os.Rename(sourcePath, backup); err != nil {
		return res, errs.Wrap("rename project-local store aside", err)
	}
	res.BackupPath = backup
	return res, nil
}

// listTables returns the application table names defined in the attached
// schema, excluding sqlite's own bookkeeping tables and the migration
// ledger (which is process-local and must not be merged).
func listTables(ctx context.Context, db execQueryer, schema string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT name FROM %s.sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%%' AND name != 'schema_migrations'
		 ORDER BY name`, schema))
	if err != nil {
		return nil, errs.Wrap("list source tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap("scan source table name", err)
		}
		if !identifierRe.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// tableColumns returns the ordered column names of table in schema (the
// empty string selects the target's own "main" schema).
func tableColumns(ctx context.Context, db execQueryer, schema, table string) ([]string, error) {
	// The schema qualifies the PRAGMA name itself, not table_info's argument:
	// "PRAGMA srcdb.table_info(t)", never "PRAGMA table_info(srcdb.t)".
	prefix := ""
	ref := table
	if schema != "" {
		prefix = schema + "."
		ref = schema + "." + table
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA %stable_info(%s)`, prefix, table))
	if err != nil {
		return nil, errs.Wrapf(err, "read column info for %s", ref)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, errs.Wrapf(err, "scan column info for %s", ref)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// tableExists reports whether table is defined in the target's main schema.
func tableExists(ctx context.Context, db execQueryer, table string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count)
	if err != nil {
		return false, errs.Wrap("check target table", err)
	}
	return count > 0, nil
}

// mergeTable copies table's rows from the attached source schema into the
// same table in the target, restricted to columns present in both, via
// INSERT OR IGNORE so rows whose primary key already exists are skipped
// rather than erroring.
func mergeTable(ctx context.Context, db execQueryer, table string) (TableResult, error) {
	tr := TableResult{Name: table}

	exists, err := tableExists(ctx, db, table)
	if err != nil {
		return tr, err
	}
	if !exists {
		tr.Skipped = true
		tr.Reason = "table not present in target schema"
		return tr, nil
	}

	srcCols, err := tableColumns(ctx, db, attachSchema, table)
	if err != nil {
		return tr, err
	}
	targetCols, err := tableColumns(ctx, db, "", table)
	if err != nil {
		return tr, err
	}
	targetSet := make(map[string]bool, len(targetCols))
	for _, c := range targetCols {
		targetSet[c] = true
	}

	var cols []string
	for _, c := range srcCols {
		if targetSet[c] {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		tr.Skipped = true
		tr.Reason = "no overlapping columns"
		return tr, nil
	}

	colList := quoteJoin(cols)
	stmt := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (%s) SELECT %s FROM %s.%s`,
		table, colList, colList, attachSchema, table)
	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return tr, errs.Wrap("copy rows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tr, errs.Wrap("count inserted rows", err)
	}
	tr.Inserted = n
	return tr, nil
}

func quoteJoin(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += `"` + c + `"`
	}
	return out
}
