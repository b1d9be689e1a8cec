package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjarmicki/fbuild/internal/client"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

var (
	monitorEnvironment   string
	monitorPort          string
	monitorBaud          int
	monitorHaltOnError   string
	monitorHaltOnSuccess string
	monitorTimeout       float64
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorEnvironment, "environment", "e", "", "project environment from fbuild.yaml (required)")
	monitorCmd.Flags().StringVarP(&monitorPort, "port", "p", "", "serial port (auto-detected if unset)")
	monitorCmd.Flags().IntVar(&monitorBaud, "baud", 115200, "baud rate")
	monitorCmd.Flags().StringVar(&monitorHaltOnError, "halt-on-error", "", "regex; matching a line ends the session as failed")
	monitorCmd.Flags().StringVar(&monitorHaltOnSuccess, "halt-on-success", "", "regex; matching a line ends the session as completed")
	monitorCmd.Flags().Float64Var(&monitorTimeout, "timeout", 30, "seconds before the session times out")
	_ = monitorCmd.MarkFlagRequired("environment")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Open a serial monitor session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
}

func runMonitor() error {
	projectDir, err := os.Getwd()
	if err != nil {
		return err
	}

	layout, err := paths.Default()
	if err != nil {
		return err
	}
	c := client.New(layout, daemonStaleThreshold())

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := c.EnsureDaemonRunning(exe); err != nil {
		return fmt.Errorf("ensure daemon running: %w", err)
	}

	req := &protocol.MonitorRequest{
		ProjectDir:    mustAbs(projectDir),
		Environment:   monitorEnvironment,
		Port:          monitorPort,
		BaudRate:      monitorBaud,
		HaltOnError:   monitorHaltOnError,
		HaltOnSuccess: monitorHaltOnSuccess,
		Timeout:       monitorTimeout,
		CallerPID:     os.Getpid(),
		CallerCWD:     projectDir,
	}
	if err := c.SubmitMonitor(req); err != nil {
		return fmt.Errorf("submit monitor request: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	interrupted := make(chan struct{})
	go func() {
		<-sigCh
		close(interrupted)
		cancel()
	}()

	timeout := time.Duration(monitorTimeout*float64(time.Second)) + 10*time.Second
	status := c.PollUntilTerminal(ctx, req.RequestID, timeout, func(s protocol.DaemonStatus) {
		fmt.Println(s.Message)
	})

	select {
	case <-interrupted:
		if client.PromptDetachOnInterrupt("keep running in background? [y/N] ") {
			fmt.Println("detached; check status with 'fbuild daemon status'")
			os.Exit(0)
		}
		_ = c.RequestCancel(req.RequestID)
		os.Exit(130)
	default:
	}

	fmt.Println(status.Message)
	if status.State == protocol.StateCompleted {
		return nil
	}
	os.Exit(1)
	return nil
}
