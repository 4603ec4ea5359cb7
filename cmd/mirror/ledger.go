package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pauljones0/tg-site-mirror/internal/ledger"
)

var flagResetSocial bool

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or reset the deduplication ledger",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := ledger.Open(cmd.Context(), cfg.Ledger)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer l.Close()

		st, err := l.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Backend:         %s\n", cfg.Ledger.Backend)
		fmt.Fprintf(out, "Ingestion keys:  %d\n", st.IngestionKeys)
		fmt.Fprintf(out, "Render hashes:   %d\n", st.RenderHashes)
		fmt.Fprintf(out, "Social keys:     %d\n", st.SocialKeys)
		fmt.Fprintf(out, "Live fragments:  %d\n", st.Fragments)
		fmt.Fprintf(out, "Pending social:  %d\n", st.PendingSocial)
		return nil
	},
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget ingested posts so the next run reprocesses them",
	Long: `Clear ingestion keys, render hashes and fragment records.

Social keys and pending forwards are kept unless --social is given, so a reset
never causes posts to be forwarded to VK twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := ledger.Open(cmd.Context(), cfg.Ledger)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer l.Close()

		if err := l.Reset(cmd.Context(), flagResetSocial); err != nil {
			return err
		}
		slog.Info("Ledger reset", "social", flagResetSocial)
		fmt.Fprintln(cmd.OutOrStdout(), "Ledger reset.")
		return nil
	},
}

func init() {
	ledgerResetCmd.Flags().BoolVar(&flagResetSocial, "social", false, "also clear social keys and pending forwards")
	ledgerCmd.AddCommand(ledgerStatsCmd)
	ledgerCmd.AddCommand(ledgerResetCmd)
}
