package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/tui"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"tui"},
	Short:   "Launch the interactive task monitor",
	RunE:    runMonitor,
}

var (
	monitorRoom      string
	monitorAutoStart bool
)

func init() {
	monitorCmd.Flags().StringVar(&monitorRoom, "room", relay.DefaultRoom, "Room to monitor")
	monitorCmd.Flags().BoolVar(&monitorAutoStart, "start-daemon", true, "Start the daemon in the background if it is not running")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(cmd.Context()) {
		if !monitorAutoStart {
			return fmt.Errorf("daemon not reachable at %s", apiAddr)
		}
		fmt.Println("⚡ CineFlow daemon not running. Starting background service...")
		if err := startDaemon(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr, monitorRoom)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func startDaemon(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	// Detach process so it survives monitor exit
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(ctx) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
