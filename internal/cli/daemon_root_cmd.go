package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjarmicki/fbuild/internal/build"
	"github.com/kjarmicki/fbuild/internal/client"
	"github.com/kjarmicki/fbuild/internal/config"
	"github.com/kjarmicki/fbuild/internal/daemon"
	"github.com/kjarmicki/fbuild/internal/flasher"
	"github.com/kjarmicki/fbuild/internal/logging"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/serialmon"
	"github.com/kjarmicki/fbuild/internal/statestore"
	"github.com/kjarmicki/fbuild/internal/systemd"
)

func init() {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background coordination daemon",
	}
	daemonCmd.AddCommand(daemonRunCmd, daemonStatusCmd, daemonStopCmd, daemonInstallServiceCmd)
	rootCmd.AddCommand(daemonCmd)
}

// daemonRunCmd is the hidden entrypoint the client library spawns
// detached; it is not meant to be invoked directly by a human, matching
// the teacher's internal `serve` entrypoint used only by systemd/launchd.
var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the coordination daemon in the foreground (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := paths.Default()
		if err != nil {
			return err
		}
		if err := layout.Ensure(); err != nil {
			return err
		}

		cfgPath, err := config.DefaultPath()
		if err != nil {
			return err
		}
		daemonCfg, err := config.LoadDaemon(cfgPath)
		if err != nil {
			return err
		}

		logFile, err := os.OpenFile(layout.Root+"/daemon.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		defer logFile.Close()
		log := logging.NewDaemonLogger(logFile, verbose)

		if warning := systemd.CheckUnitFileIntegrity(); warning != "" {
			log.Warn().Msg(warning)
		}

		collab := daemon.Collaborators{
			Builder: build.New(defaultCompilerDriver),
			Flasher: flasher.New(flasher.DefaultArgv),
			Monitor: serialmon.New(serialmon.OpenReal),
		}

		d, err := daemon.New(layout, daemonCfg, collab, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			<-sigCh
			cancel()
		}()

		return d.Run(ctx)
	},
}

// defaultCompilerDriver renders an arduino-cli-style invocation; a
// project can override this by naming a different driver in fbuild.yaml
// in a future revision. For now it is the one concrete driver fbuild ships.
func defaultCompilerDriver(projectDir string, env config.Environment, sources []string, cacheDir string) []string {
	argv := []string{"arduino-cli", "compile", "--fqbn", env.Board, "--build-path", cacheDir}
	argv = append(argv, env.Flags...)
	argv = append(argv, projectDir)
	return argv
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon's current status",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := paths.Default()
		if err != nil {
			return err
		}
		status := statestore.New(layout).ReadGlobal().Effective(time.Now(), daemonStaleThreshold())
		fmt.Printf("state: %s\nmessage: %s\nupdated_at: %s\n", status.State, status.Message, status.UpdatedAt)
		return nil
	},
}

var daemonInstallServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Install a systemd user unit that keeps the daemon running across logins",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := systemd.Install()
		if err != nil {
			return fmt.Errorf("install unit file: %w", err)
		}
		fmt.Printf("installed %s\nenable it with: systemctl --user enable --now fbuild-daemon.service\n", path)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := paths.Default()
		if err != nil {
			return err
		}
		c := client.New(layout, daemonStaleThreshold())
		if err := c.StopDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "forced stop: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("daemon stopped")
		return nil
	},
}
