// Package commands implements the meshminictl command tree. The tool
// operates directly on the board database; the store runs in WAL mode so
// reads are safe while the daemon is up.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshlink/meshmini/internal/store"
)

var (
	// st is the opened board store, initialized in PersistentPreRunE.
	st *store.Store

	// dbPath is the board database path.
	dbPath string
)

// rootCmd is the top-level cobra command for meshminictl.
var rootCmd = &cobra.Command{
	Use:   "meshminictl",
	Short: "Operator CLI for the meshmini board database",
	Long:  "meshminictl inspects and administers a meshmini board database directly.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		opened, err := store.Open(dbPath, logger)
		if err != nil {
			return fmt.Errorf("open store %s: %w", dbPath, err)
		}
		st = opened
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if st != nil {
			st.Close()
		}
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "board.db",
		"path to the board database")

	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(idSetCmd("admin", "Manage the admin set", adminOps))
	rootCmd.AddCommand(idSetCmd("bl", "Manage the blacklist", blacklistOps))
	rootCmd.AddCommand(idSetCmd("peer", "Manage the replication peer set", peerOps))
	rootCmd.AddCommand(noticeCmd())
	rootCmd.AddCommand(dmCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
