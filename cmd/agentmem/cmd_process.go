package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/user/agentmem/internal/memorygen"
	"github.com/user/agentmem/internal/types"
)

var processPending int

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().IntVar(&processPending, "pending", 0, "process up to N ended sessions with unprocessed events")
}

var processCmd = &cobra.Command{
	Use:   "process [session-id...]",
	Short: "Run memory generation for ended sessions",
	Long: `Run the memory generation pipeline synchronously. Pass session ids, or
--pending N to pick up ended sessions the daemon has not processed yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && processPending <= 0 {
			return fmt.Errorf("pass session ids or --pending")
		}
		cfg := loadConfig()
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var sessions []*types.Session
		for _, id := range args {
			sess, err := a.log.GetSession(ctx, types.SessionID(id))
			if err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		if processPending > 0 {
			pending, err := a.db.PendingSessions(ctx, processPending)
			if err != nil {
				return err
			}
			sessions = append(sessions, pending...)
		}

		reports := make([]*memorygen.Report, 0, len(sessions))
		for _, sess := range sessions {
			report, err := a.pipeline.ProcessSessionCompletion(ctx, sess.ID, sess.Namespace)
			if err != nil {
				return fmt.Errorf("process %s: %w", sess.ID, err)
			}
			reports = append(reports, report)
		}
		if !tableOutput() {
			return printJSON(reports)
		}

		w := newTable()
		fmt.Fprintln(w, "SESSION\tEVENTS\tEXTRACTED\tDEDUPED\tCREATED\tUPDATED\tSKIPPED")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
				r.SessionID, r.EventsProcessed, r.Extracted, r.Deduplicated, r.Created, r.Updated, r.Skipped)
		}
		return w.Flush()
	},
}
