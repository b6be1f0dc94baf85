package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/agentmem/internal/compaction"
	"github.com/user/agentmem/internal/types"
)

var compactStrategy string

func init() {
	rootCmd.AddCommand(compactCmd)
	compactCmd.Flags().StringVarP(&compactStrategy, "strategy", "s", "", "force a strategy (none, sliding_window, token_truncation, recursive_summarization)")
}

var compactCmd = &cobra.Command{
	Use:   "compact <session-id>",
	Short: "Preview compaction of a session's history",
	Long: `Apply the compaction policy to the full event history of a session and
print the outcome. The stored log is never modified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var strategy compaction.Strategy
		if compactStrategy != "" {
			s, err := compaction.ParseStrategy(compactStrategy)
			if err != nil {
				return err
			}
			strategy = s
		}
		cfg := loadConfig()
		setupLogging(cfg)

		ctx := context.Background()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.log.Events(ctx, types.SessionID(args[0]))
		if err != nil {
			return err
		}
		var res *compaction.Result
		if strategy == "" {
			res, err = a.compactor.CompactIfNeeded(ctx, events)
		} else {
			res, err = a.compactor.Apply(ctx, strategy, events)
		}
		if err != nil {
			return err
		}
		if !tableOutput() {
			return printJSON(res)
		}

		fmt.Printf("Strategy:  %s\n", res.Strategy)
		if res.Fallback {
			fmt.Printf("Fallback:  %s (requested %s)\n", res.FallbackReason, res.Requested)
		}
		fmt.Printf("Events:    %d -> %d\n", res.EventsBefore, res.EventsAfter)
		fmt.Printf("Turns:     %d -> %d\n", res.TurnsBefore, res.TurnsAfter)
		fmt.Printf("Tokens:    %d -> %d (%.0f%% reduction)\n", res.TokensBefore, res.TokensAfter, res.ReductionRatio*100)
		if res.Summary != "" {
			fmt.Printf("\nSummary:\n%s\n", res.Summary)
		}
		return nil
	},
}
