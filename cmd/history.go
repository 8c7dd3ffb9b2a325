package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/replyflow/internal/history"
	"github.com/crystaldolphin/replyflow/internal/shared/llmutils"
	"github.com/crystaldolphin/replyflow/internal/store"
	"github.com/crystaldolphin/replyflow/internal/tokens"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or reset stored conversation history",
}

func init() {
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyLogCmd)
	historyCmd.AddCommand(historyResetCmd)

	historyLogCmd.Flags().IntVarP(&historyLogLimit, "limit", "n", 20, "Number of pairs to show")
	historyResetCmd.Flags().BoolVarP(&historyResetYes, "yes", "y", false, "Skip confirmation")
}

// openHistory opens the configured store with a history manager over it.
// serve holds an exclusive lock on the badger directory, so these commands
// only work while it is stopped.
func openHistory(ctx context.Context) (*history.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	mgr := history.NewManager(cfg.History, st, tokens.NewCounter(cfg.Tokens.Encoding), nil)
	return mgr, func() { _ = st.Close() }, nil
}

// ---- show ------------------------------------------------------------------

var historyShowCmd = &cobra.Command{
	Use:   "show <group>",
	Short: "Print a group's committed conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, closeFn, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		snap := mgr.Snapshot(ctx, args[0])
		fmt.Printf("%s %s (updated %s)\n\n", logo, snap.GroupID, formatTime(snap.UpdatedAt))
		if len(snap.Conversations) == 0 {
			fmt.Println("No shared conversation.")
		}
		for _, t := range snap.Conversations {
			fmt.Printf("%-9s %s  %s\n", t.Role, t.Timestamp.Format("01-02 15:04"), llmutils.Truncate(oneLine(t.Content), 100))
		}

		if len(snap.Scoped) > 0 {
			senders := make([]string, 0, len(snap.Scoped))
			for s := range snap.Scoped {
				senders = append(senders, s)
			}
			sort.Strings(senders)
			fmt.Println("\nScoped conversations:")
			for _, s := range senders {
				fmt.Printf("  %-20s %d turns\n", s, len(snap.Scoped[s]))
			}
		}
		if n := len(snap.Pending); n > 0 {
			fmt.Printf("\nPending messages: %d\n", n)
		}
		return nil
	},
}

// ---- log -------------------------------------------------------------------

var historyLogLimit int

var historyLogCmd = &cobra.Command{
	Use:   "log <group>",
	Short: "Print the most recent committed pairs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, closeFn, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		recs, err := mgr.PairLog(ctx, args[0], historyLogLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No committed pairs.")
			return nil
		}
		fmt.Printf("%-20s %-8s %-14s %s\n", "Committed", "Mode", "Scope", "Pair")
		fmt.Println(strings.Repeat("-", 80))
		for _, r := range recs {
			fmt.Printf("%-20s %-8s %-14s %s\n", formatTime(r.CommittedAt), r.CommitMode,
				llmutils.StringOrDefault(r.ScopeSenderID, "-"), r.PairID)
			for _, t := range r.Turns {
				fmt.Printf("    %-9s %s\n", t.Role, llmutils.Truncate(oneLine(t.Content), 90))
			}
		}
		return nil
	},
}

// ---- reset -----------------------------------------------------------------

var historyResetYes bool

var historyResetCmd = &cobra.Command{
	Use:   "reset <group>",
	Short: "Delete a group's history and pair log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !historyResetYes {
			fmt.Printf("Reset history for %s? [y/N]: ", args[0])
			var answer string
			_, _ = fmt.Scanln(&answer)
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		ctx := cmd.Context()
		mgr, closeFn, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		mgr.ResetGroup(ctx, args[0])
		fmt.Printf("✓ Reset %s\n", args[0])
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
