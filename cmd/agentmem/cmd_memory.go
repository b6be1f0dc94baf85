package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/types"
)

var (
	memCategory  string
	memLimit     int
	listLimit    int
	listCategory string
	memTags      []string
	memRecent    time.Duration
	memImportant bool
	memNoTouch   bool
)

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memorySearchCmd, memoryListCmd, memoryPurgeCmd)

	memorySearchCmd.Flags().StringVarP(&memCategory, "category", "c", "", "only memories of this category")
	memorySearchCmd.Flags().IntVar(&memLimit, "limit", 0, "maximum results (default from config)")
	memorySearchCmd.Flags().BoolVar(&memNoTouch, "no-touch", false, "do not record usage of returned memories")

	memoryListCmd.Flags().StringVarP(&listCategory, "category", "c", "", "only memories of this category")
	memoryListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum results")
	memoryListCmd.Flags().StringSliceVar(&memTags, "tag", nil, "memories carrying any of these tags")
	memoryListCmd.Flags().DurationVar(&memRecent, "recent", 0, "memories created within this window")
	memoryListCmd.Flags().BoolVar(&memImportant, "important", false, "rank by importance")
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Query long-term memories",
}

func parseCategory(s string) (types.Category, error) {
	if s == "" {
		return "", nil
	}
	return types.ParseCategory(strings.ToLower(s))
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <namespace> [query...]",
	Short: "Rank memories by relevance, recency and importance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, err := parseCategory(memCategory)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		q := retrieval.Query{
			Namespace: args[0],
			Text:      strings.Join(args[1:], " "),
			Category:  category,
			Limit:     memLimit,
		}
		if memNoTouch {
			no := false
			q.UpdateUsage = &no
		}
		results, err := a.retriever.Retrieve(ctx, q)
		if err != nil {
			return err
		}
		return printScored(results)
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list <namespace>",
	Short: "List memories by tag, recency or importance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, err := parseCategory(listCategory)
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		ns := args[0]
		var results []retrieval.ScoredMemory
		switch {
		case len(memTags) > 0:
			results, err = a.retriever.RetrieveByTags(ctx, ns, memTags, listLimit)
		case memRecent > 0:
			results, err = a.retriever.RetrieveRecent(ctx, ns, memRecent, listLimit)
		case memImportant:
			results, err = a.retriever.RetrieveHighImportance(ctx, ns, category, listLimit)
		default:
			no := false
			results, err = a.retriever.Retrieve(ctx, retrieval.Query{
				Namespace:   ns,
				Category:    category,
				Limit:       listLimit,
				UpdateUsage: &no,
			})
		}
		if err != nil {
			return err
		}
		return printScored(results)
	},
}

var memoryPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete memories past their expiry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.db.PurgeExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired memories.\n", n)
		return nil
	},
}

func printScored(results []retrieval.ScoredMemory) error {
	if !tableOutput() {
		if results == nil {
			results = []retrieval.ScoredMemory{}
		}
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "SCORE\tREL\tREC\tIMP\tCATEGORY\tCONTENT")
	for _, r := range results {
		fmt.Fprintf(w, "%.3f\t%.2f\t%.2f\t%.2f\t%s\t%s\n",
			r.Score, r.Relevance, r.Recency, r.Importance, r.Memory.Category, truncate(r.Memory.Content, 70))
	}
	return w.Flush()
}
