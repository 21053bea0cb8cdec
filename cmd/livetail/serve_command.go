package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"livetail/internal/gateway"
	"livetail/internal/logging"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve [stream-glob...]",
		Short: "Tail streams and serve them over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			streams, err := selectStreams(cfg, args)
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cfg, logger, appOptions{ProcessMetrics: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.open(streams); err != nil {
				return err
			}

			opts := gateway.OptionsFromConfig(cfg)
			opts.Gatherer = a.registry
			opts.Logger = logger
			srv := gateway.New(a.manager, opts)
			if err := srv.Start(runCtx); err != nil {
				return err
			}
			defer srv.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Serving %d stream(s) on http://%s\n", len(streams), srv.Addr())
			<-runCtx.Done()
			logger.Info("shutting down", logging.String("reason", "signal"))
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides gateway.bind)")
	return cmd
}
