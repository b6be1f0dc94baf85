package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/agentmem/internal/config"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("agentmem setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)
		cfg.HTTP.Addr = prompt(scanner, "Listen address", cfg.HTTP.Addr)
		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = promptSecret(scanner, "LLM API key (optional)", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)
		cfg.Context.BackgroundPath = prompt(scanner, "Project background file (optional)", cfg.Context.BackgroundPath)
		cfg.Handoff.TransitionsPath = prompt(scanner, "Handoff transitions YAML (optional)", cfg.Handoff.TransitionsPath)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(scanner *bufio.Scanner, label, defaultVal string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(scanner, label, defaultVal)
	}
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, config.MaskValue(defaultVal))
	} else {
		fmt.Printf("%s: ", label)
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return defaultVal
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return defaultVal
}
