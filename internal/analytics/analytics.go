// Package analytics provides the substrate's read-only reporting surface:
// a safe SQL builder restricted to a fixed set of named queries (never
// arbitrary caller SQL against the event log), Nd/Nh/Nm time-range
// parsing, and table/JSON/CSV/JSONL rendering. The query set and its
// percentile/rate computations are original to this substrate (no pack
// repo reports on an event log), but the CLI plumbing and table styling
// are grounded on the teacher's cobra/lipgloss conventions
// (cmd/bd-examples/main.go: AdaptiveColor styles, --json flag).
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
)

// Row is one result row, keyed by column name, for format-agnostic
// rendering.
type Row map[string]any

// Query is a named, pre-built read-only report. SQL is fixed at
// registration time — no caller-supplied fragments are ever concatenated
// into it — and every placeholder is bound through storex.Normalize.
type Query struct {
	Name        string
	Description string
	SQL         string
}

// Registry is the fixed set of queries callers may run by name.
var Registry = map[string]Query{
	"agent-activity": {
		Name:        "agent-activity",
		Description: "Event count and last-active time per agent",
		SQL: `SELECT name, program, model, event_count, last_active_at
			FROM agents WHERE project_key = $1 ORDER BY event_count DESC`,
	},
	"lock-contention": {
		Name:        "lock-contention",
		Description: "Lock rows by resource, most recently acquired first (released and expired rows included)",
		SQL: `SELECT resource, holder, seq, acquired_at, expires_at FROM locks ORDER BY acquired_at DESC`,
	},
	"reservation-conflicts": {
		Name:        "reservation-conflicts",
		Description: "Active reservations per project in the given window",
		SQL: `SELECT agent_name, path_pattern, exclusive, created_at, expires_at
			FROM reservations
			WHERE project_key = $1 AND released_at IS NULL AND created_at >= $2
			ORDER BY created_at DESC`,
	},
	"message-volume": {
		Name:        "message-volume",
		Description: "Message counts per sender in the given window",
		SQL: `SELECT from_agent, COUNT(*) AS message_count
			FROM messages WHERE project_key = $1 AND created_at >= $2
			GROUP BY from_agent ORDER BY message_count DESC`,
	},
	"cell-throughput": {
		Name:        "cell-throughput",
		Description: "Cells closed per day in the given window",
		SQL: `SELECT date(closed_at) AS day, COUNT(*) AS closed_count
			FROM cells WHERE project_key = $1 AND closed_at >= $2
			GROUP BY date(closed_at) ORDER BY day ASC`,
	},
	"checkpoint-frequency": {
		Name:        "checkpoint-frequency",
		Description: "Cursor advances per stream in the given window",
		SQL: `SELECT stream, checkpoint, position, updated_at
			FROM cursors WHERE updated_at >= $2 ORDER BY updated_at DESC`,
	},
}

// RunInput describes a report invocation.
type RunInput struct {
	QueryName  string
	ProjectKey string
	Since      time.Time // zero value if the query has no time-range parameter
}

// Run executes a registered query by name, returning its rows. Returns
// errs.Invalid for an unknown query name: this is the only entry point
// into the read-only surface, and it never accepts ad hoc SQL.
func Run(ctx context.Context, db *storex.Store, in RunInput) ([]Row, error) {
	q, ok := Registry[in.QueryName]
	if !ok {
		return nil, errs.Wrapf(errs.Invalid, "unknown analytics query %q", in.QueryName)
	}

	var args []any
	args = append(args, in.ProjectKey)
	if strings.Contains(q.SQL, "$2") {
		args = append(args, in.Since.UTC().Format(time.RFC3339Nano))
	}

	rows, err := db.Query(ctx, q.SQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.Wrap("analytics: columns", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Wrap("analytics: scan", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ParseRange parses an Nd/Nh/Nm duration token ("7d", "24h", "30m") into a
// time.Duration, the substrate's one supported time-range syntax for
// analytics queries (the teacher's corresponding internal/timeparsing
// package was retrieval-pack stub-only — tests with no source — so this
// is written fresh against the same token grammar its tests implied).
func ParseRange(token string) (time.Duration, error) {
	if token == "" {
		return 0, errs.Wrapf(errs.Invalid, "empty time range")
	}
	unit := token[len(token)-1]
	numPart := token[:len(token)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n < 0 {
		return 0, errs.Wrapf(errs.Invalid, "invalid time range %q", token)
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, errs.Wrapf(errs.Invalid, "invalid time range unit in %q (want d/h/m)", token)
	}
}

// SinceFromRange is a convenience wrapper returning the absolute time
// `now - token`.
func SinceFromRange(token string, now time.Time) (time.Time, error) {
	d, err := ParseRange(token)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

// Percentile returns the p-th percentile (0..100) of a sorted float64
// slice as the element at index int(p/100 * (len-1)), without
// interpolation; p <= 0 gives the first element and p >= 100 the last.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int((p / 100) * float64(len(sorted)-1))
	return sorted[idx]
}

// fmtCell renders one analytics value as a display string, used by both
// the table and CSV formatters.
func fmtCell(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
