package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabwire/tabwire/internal/appdir"
	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/client"
	"github.com/tabwire/tabwire/internal/lifecycle"
)

func newExtensionCmd() *cobra.Command {
	extensionCmd := &cobra.Command{
		Use:   "extension",
		Short: "Manage the browser extension bridge",
	}

	extensionCmd.PersistentFlags().Int("port", bridge.DefaultPort, "bridge port")

	extensionCmd.AddCommand(
		newServeCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newPingCmd(),
		newSendCmd(),
	)
	return extensionCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			return runServe(port)
		},
	}
}

func runServe(port int) error {
	if _, err := appdir.Ensure(); err != nil {
		return err
	}

	token, err := bridge.NewToken()
	if err != nil {
		return err
	}

	reg := bridge.NewRegistry(token)
	server := bridge.NewServer(port, reg)

	// Bind before touching any marker files: if another serve already owns
	// the port, exit without disturbing its pid/token state.
	if err := server.Start(); err != nil {
		return err
	}

	if err := bridge.WriteTokenFile(token); err != nil {
		return fmt.Errorf("cannot persist session token: %w", err)
	}
	if err := bridge.WritePIDFile(server.Port()); err != nil {
		return fmt.Errorf("cannot write pid file: %w", err)
	}
	defer cleanupServeFiles()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchdog := bridge.NewWatchdog(reg)
	watchdog.Start(ctx)
	defer watchdog.Stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("bridge stopped")
	return nil
}

func cleanupServeFiles() {
	bridge.DeletePIDFile()
	bridge.DeletePortFile()
	bridge.DeleteTokenFile()
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the bridge in the background if it is not running",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			started, err := lifecycle.EnsureRunning(ctx, port)
			if err != nil {
				return err
			}
			if started {
				fmt.Printf("Bridge started on port %d\n", port)
			} else {
				fmt.Printf("Bridge already running on port %d\n", port)
			}
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := lifecycle.Stop(ctx, port); err != nil {
				return err
			}
			fmt.Println("Bridge stopped")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the bridge is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")

			running, pid := lifecycle.Status(port)
			if !running {
				fmt.Printf("Bridge not running on port %d\n", port)
				return nil
			}
			if pid > 0 {
				fmt.Printf("Bridge running on port %d (pid %d)\n", port, pid)
			} else {
				fmt.Printf("Bridge running on port %d\n", port)
			}
			return nil
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip a ping through the bridge and extension",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")

			latency, err := client.Ping(cmd.Context(), port)
			if err != nil {
				return err
			}
			fmt.Printf("Pong in %s\n", latency.Round(time.Millisecond))
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send <method> [params-json]",
		Short: "Send a single command to the connected browser tab",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")

			var params any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be valid JSON: %w", err)
				}
			}

			ensureCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if _, err := lifecycle.EnsureRunning(ensureCtx, port); err != nil {
				return err
			}

			result, err := client.Send(cmd.Context(), port, args[0], params)
			if err != nil {
				return err
			}
			if len(result) == 0 {
				fmt.Println("{}")
				return nil
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(json.RawMessage(result))
		},
	}
	return sendCmd
}
