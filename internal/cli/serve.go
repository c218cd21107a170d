package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tether/internal/server"
	"tether/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tether gateway server",
		Long: `Start the HTTP/WebSocket gateway and the agent run orchestrator.

The server listens on the configured host and port (default:
localhost:18790).`,
		Example: `  # Start with the default configuration
  tether serve

  # Start with a custom config file
  tether serve --config /etc/tether/config.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	srv, err := server.New(server.Options{ConfigPath: globalFlags.ConfigPath})
	if err != nil {
		return err
	}

	// Serve until interrupted.
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return srv.Shutdown()
}
