package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/agentmem/internal/handoff"
	"github.com/user/agentmem/internal/types"
)

var (
	handoffWorkflow string
	handoffRole     string
	handoffGate     int
	handoffTo       string
	handoffSummary  string
	handoffConsume  bool
)

func init() {
	rootCmd.AddCommand(handoffCmd)
	handoffCmd.AddCommand(handoffNextCmd, handoffShowCmd, handoffCreateCmd, handoffTransitionsCmd)

	handoffNextCmd.Flags().StringVarP(&handoffWorkflow, "workflow", "w", "", "workflow name")
	handoffNextCmd.Flags().StringVarP(&handoffRole, "role", "r", "", "current role")
	handoffNextCmd.Flags().IntVarP(&handoffGate, "gate", "g", 0, "gate just passed")
	handoffNextCmd.MarkFlagRequired("role")

	handoffShowCmd.Flags().BoolVar(&handoffConsume, "consume", false, "clear the handoff after reading it")

	handoffCreateCmd.Flags().StringVarP(&handoffRole, "from", "f", "", "role handing off")
	handoffCreateCmd.Flags().StringVarP(&handoffTo, "to", "t", "", "receiving role (default from the transition table)")
	handoffCreateCmd.Flags().StringVarP(&handoffWorkflow, "workflow", "w", "", "workflow (default the session's)")
	handoffCreateCmd.Flags().StringVar(&handoffSummary, "summary", "", "free-text summary for the next role")
	handoffCreateCmd.MarkFlagRequired("from")
}

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Role handoffs between agents",
}

var handoffNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Look up the role that follows a gate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		table := handoff.DefaultTable()
		if cfg.Handoff.TransitionsPath != "" {
			t, err := handoff.LoadTable(cfg.Handoff.TransitionsPath)
			if err != nil {
				return err
			}
			table = t
		}
		next, ok := table.Next(handoffWorkflow, handoffRole, handoffGate)
		if !ok {
			return fmt.Errorf("no transition from %q after gate %d", handoffRole, handoffGate)
		}
		fmt.Println(next)
		return nil
	},
}

var handoffTransitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "Print the transition table in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		table := handoff.DefaultTable()
		if cfg.Handoff.TransitionsPath != "" {
			t, err := handoff.LoadTable(cfg.Handoff.TransitionsPath)
			if err != nil {
				return err
			}
			table = t
		}
		if !tableOutput() {
			return printJSON(table.Transitions())
		}
		w := newTable()
		fmt.Fprintln(w, "WORKFLOW\tFROM\tGATE\tTO")
		for _, tr := range table.Transitions() {
			wf := tr.Workflow
			if wf == "" {
				wf = "*"
			}
			gate := "any"
			if tr.Gate != 0 {
				gate = fmt.Sprint(tr.Gate)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", wf, tr.From, gate, tr.To)
		}
		return w.Flush()
	},
}

var handoffShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the pending handoff of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		id := types.SessionID(args[0])
		var h *types.Handoff
		if handoffConsume {
			h, err = a.handoff.ConsumeHandoff(ctx, id)
		} else {
			h, err = a.handoff.GetPendingHandoff(ctx, id)
		}
		if err != nil {
			return err
		}
		if h == nil {
			fmt.Println("No pending handoff.")
			return nil
		}
		return printJSON(h)
	},
}

var handoffCreateCmd = &cobra.Command{
	Use:   "create <session-id>",
	Short: "Record a handoff for the next role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.handoff.CreateHandoff(ctx, handoff.Request{
			SessionID: types.SessionID(args[0]),
			FromRole:  handoffRole,
			ToRole:    handoffTo,
			Workflow:  handoffWorkflow,
			Summary:   handoffSummary,
		})
		if err != nil {
			return err
		}
		return printJSON(h)
	},
}
