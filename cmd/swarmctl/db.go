package main

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmgrid/substrate/internal/analytics"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Query and report on the store",
}

func init() {
	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbQueryCmd)
	dbCmd.AddCommand(dbAnalyticsCmd)
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate the named analytics queries available to `db analytics`",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := make([]string, 0, len(analytics.Registry))
		for name := range analytics.Registry {
			names = append(names, name)
		}
		sort.Strings(names)

		rows := make([]analytics.Row, 0, len(names))
		for _, name := range names {
			q := analytics.Registry[name]
			rows = append(rows, analytics.Row{"name": q.Name, "description": q.Description})
		}
		return analytics.Write(os.Stdout, rows, analytics.Format(outputFormat(cmd)))
	},
}

var dbQueryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a read-only SELECT against the store",
	Long: `Run a read-only SELECT against the underlying store.

Only SELECT/EXPLAIN/PRAGMA/WITH statements are accepted — swarmctl is a
reporting tool, not a way to mutate the store outside its own write paths.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[0]
		trimmed := strings.TrimSpace(strings.ToUpper(query))
		isRead := strings.HasPrefix(trimmed, "SELECT") ||
			strings.HasPrefix(trimmed, "EXPLAIN") ||
			strings.HasPrefix(trimmed, "PRAGMA") ||
			strings.HasPrefix(trimmed, "WITH")
		if !isRead {
			hint("swarmctl db query only accepts SELECT/EXPLAIN/PRAGMA/WITH statements")
			fatal("refusing to run a non-read-only statement")
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		rows, err := db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		var out []analytics.Row
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(analytics.Row, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
				} else {
					row[c] = vals[i]
				}
			}
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return analytics.Write(os.Stdout, out, analytics.Format(outputFormat(cmd)))
	},
}

var (
	analyticsSince   string
	analyticsProject string
	analyticsFormat  string
)

var dbAnalyticsCmd = &cobra.Command{
	Use:   "analytics <name>",
	Short: "Run a named analytics report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if _, ok := analytics.Registry[name]; !ok {
			hint("run `swarmctl db list` to see available report names")
			fatal("unknown analytics query %q", name)
		}

		since := time.Time{}
		if analyticsSince != "" {
			d, err := analytics.ParseRange(analyticsSince)
			if err != nil {
				return err
			}
			since = time.Now().UTC().Add(-d)
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		rows, err := analytics.Run(ctx, db, analytics.RunInput{
			QueryName:  name,
			ProjectKey: analyticsProject,
			Since:      since,
		})
		if err != nil {
			return err
		}

		format := analyticsFormat
		if format == "" {
			format = outputFormat(cmd)
		}
		return analytics.Write(os.Stdout, rows, analytics.Format(format))
	},
}

func init() {
	dbAnalyticsCmd.Flags().StringVar(&analyticsSince, "since", "", "lower time bound as Nd/Nh/Nm (e.g. 7d)")
	dbAnalyticsCmd.Flags().StringVar(&analyticsProject, "project", "", "project key to scope the report to")
	dbAnalyticsCmd.Flags().StringVar(&analyticsFormat, "format", "", "output format: table|json|csv|jsonl (defaults to --json / table)")
}

// outputFormat resolves the effective render format: the root --json flag
// maps to "json", otherwise "table".
func outputFormat(cmd *cobra.Command) string {
	if jsonOutput {
		return "json"
	}
	return "table"
}
