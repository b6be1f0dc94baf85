package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	agentctx "github.com/user/agentmem/internal/context"
	"github.com/user/agentmem/internal/types"
)

var (
	sessionNamespace string
	sessionActive    bool
	sessionLimit     int
	eventLimit       int
	eventTypes       []string
	contextMessage   string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionEventsCmd, sessionContextCmd)

	sessionListCmd.Flags().StringVarP(&sessionNamespace, "namespace", "n", "", "only sessions of this namespace")
	sessionListCmd.Flags().BoolVar(&sessionActive, "active", false, "only sessions that have not ended")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 50, "maximum sessions to list")

	sessionEventsCmd.Flags().IntVar(&eventLimit, "limit", 100, "maximum events (most recent)")
	sessionEventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "only these event types")

	sessionContextCmd.Flags().StringVarP(&contextMessage, "message", "m", "", "incoming message used to rank memories")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.log.ListSessions(ctx, types.SessionFilter{
			Namespace:  sessionNamespace,
			ActiveOnly: sessionActive,
			Limit:      sessionLimit,
		})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if !tableOutput() {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tNAMESPACE\tROLE\tSTATUS\tEVENTS\tSTARTED")
		for _, s := range list {
			count, err := a.log.EventCount(ctx, s.ID)
			if err != nil {
				count = 0
			}
			status := "active"
			if !s.Active() {
				status = "ended"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.ID,
				s.Namespace,
				s.Role,
				status,
				count,
				s.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session with its scratchpad",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		id := types.SessionID(args[0])
		sess, err := a.log.GetSession(ctx, id)
		if err != nil {
			return err
		}
		st, err := a.log.GetState(ctx, id)
		if err != nil {
			return err
		}
		count, err := a.log.EventCount(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"session": sess,
			"state":   st,
			"events":  count,
		})
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print the recent events of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		var filter []types.EventType
		for _, t := range eventTypes {
			filter = append(filter, types.EventType(t))
		}
		events, err := a.log.GetRecentEvents(ctx, types.SessionID(args[0]), eventLimit, filter...)
		if err != nil {
			return err
		}
		if !tableOutput() {
			return printJSON(events)
		}

		w := newTable()
		fmt.Fprintln(w, "SEQ\tTYPE\tROLE\tAT\tCONTENT")
		for _, ev := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Seq, ev.Type, ev.Role, ev.At.Format("15:04:05"), truncate(ev.Content, 70))
		}
		return w.Flush()
	},
}

var sessionContextCmd = &cobra.Command{
	Use:   "context <id>",
	Short: "Assemble the working context for the next turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		id := types.SessionID(args[0])
		sess, err := a.log.GetSession(ctx, id)
		if err != nil {
			return err
		}
		built, err := a.builder.Build(ctx, agentctx.TurnInput{
			SessionID: id,
			Namespace: sess.Namespace,
			Message:   contextMessage,
		}, a.limits())
		if err != nil {
			return err
		}
		if !tableOutput() {
			return printJSON(built)
		}

		prompt, err := built.SystemPrompt(a.prompt)
		if err != nil {
			return err
		}
		fmt.Println(prompt)
		fmt.Printf("\n-- %d history events, %d tokens", len(built.History), built.HistoryTokens)
		if built.IsPartial() {
			fmt.Printf(", partial: %v", built.Partial)
		}
		fmt.Println()
		return nil
	},
}
