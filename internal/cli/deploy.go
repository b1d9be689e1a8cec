package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjarmicki/fbuild/internal/client"
	"github.com/kjarmicki/fbuild/internal/config"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

var (
	deployEnvironment string
	deployPort        string
	deployClean       bool
	deployMonitor     bool
)

func init() {
	deployCmd.Flags().StringVarP(&deployEnvironment, "environment", "e", "", "build environment name from fbuild.yaml (required)")
	deployCmd.Flags().StringVarP(&deployPort, "port", "p", "", "serial port (auto-detected if unset)")
	deployCmd.Flags().BoolVar(&deployClean, "clean", false, "clear the environment's build cache before building")
	deployCmd.Flags().BoolVar(&deployMonitor, "monitor", false, "open a serial monitor immediately after a successful flash")
	_ = deployCmd.MarkFlagRequired("environment")
	rootCmd.AddCommand(deployCmd)
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build and flash the current project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy()
	},
}

func runDeploy() error {
	projectDir, err := os.Getwd()
	if err != nil {
		return err
	}
	proj, err := config.LoadProject(projectDir)
	if err != nil {
		return err
	}
	if _, err := proj.Resolve(deployEnvironment); err != nil {
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

	req := &protocol.DeployRequest{
		ProjectDir:   mustAbs(projectDir),
		Environment:  deployEnvironment,
		Port:         deployPort,
		CleanBuild:   deployClean,
		MonitorAfter: deployMonitor,
		CallerPID:    os.Getpid(),
		CallerCWD:    projectDir,
	}
	if err := c.SubmitDeploy(req); err != nil {
		return fmt.Errorf("submit deploy request: %w", err)
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

	status := c.PollUntilTerminal(ctx, req.RequestID, 10*time.Minute, func(s protocol.DaemonStatus) {
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

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
