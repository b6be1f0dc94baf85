package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

// readPID reads the PID from the agentmem.pid file and validates the
// process exists by sending signal 0.
func readPID() (int, error) {
	cfg := loadConfig()

	data, err := os.ReadFile(pidPath(cfg.DataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running daemon (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return pid, nil
}

func signalDaemon(sig syscall.Signal) (int, error) {
	pid, err := readPID()
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %v: %w", sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}
