// Command swarmctl is the substrate's CLI surface (spec.md §6): only the
// query runner is in scope for the core — db list/query/analytics against
// the store. Grounded on the teacher's cmd/bd-examples/main.go root-command
// shape (cobra.Command with PersistentFlags, SilenceUsage/SilenceErrors,
// lipgloss-styled error output) and cmd/bd/sql.go's read/write query
// dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/swarmgrid/substrate/internal/config"
	"github.com/swarmgrid/substrate/internal/storex"
)

var (
	jsonOutput bool
	configPath string
	dbOverride string
)

var (
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
)

var rootCmd = &cobra.Command{
	Use:           "swarmctl",
	Short:         "Query and report on a swarm coordination store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml or config.yaml")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "override the configured databaseUrl")

	rootCmd.AddCommand(dbCmd)
}

// openStore resolves the layered configuration and opens (without
// running migrations — swarmctl is a read/report tool, not a writer that
// should be racing the owning process's schema setup) the target store.
func openStore() (*storex.Store, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	return storex.Open(cfg.DatabaseURL)
}

func resolveConfig() (config.Config, error) {
	return config.Load(configPath, configOverrides())
}

// configOverrides builds the explicit-override layer from command-line
// flags (currently just --db, spec.md §6's "explicit overrides" layer).
func configOverrides() config.Overrides {
	var overrides config.Overrides
	if dbOverride != "" {
		overrides.DatabaseURL = &dbOverride
	}
	return overrides
}

func fatal(format string, args ...any) {
	fmt.Fprintln(os.Stderr, failStyle.Render("error: "+fmt.Sprintf(format, args...)))
	os.Exit(1)
}

func hint(msg string) {
	fmt.Fprintln(os.Stderr, mutedStyle.Render("hint: "+msg))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal("%v", err)
	}
}
