package main

import (
	"encoding/json"
	"os"
	"text/tabwriter"

	"golang.org/x/term"
)

// tableOutput reports whether results should be printed as an aligned table.
// Piped output and --json get JSON.
func tableOutput() bool {
	return !jsonOutput && term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
