package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openboard-dev/openboard/pkg/server"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the whiteboard relay server",
		Long: `Start the relay server.

Configuration is read from the environment (PORT, GRACE_PERIOD, ...);
flags override it. The default port is 5000.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			cfg, err := server.ConfigFromEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.New(cfg).Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 5000, "Port to listen on")

	return cmd
}
