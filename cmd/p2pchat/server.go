package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pchat/internal/auth"
	"github.com/1ureka/p2pchat/internal/config"
	"github.com/1ureka/p2pchat/internal/metrics"
	"github.com/1ureka/p2pchat/internal/relay"
	"github.com/1ureka/p2pchat/internal/server"
	"github.com/1ureka/p2pchat/internal/util"
)

func serverCmd(flags *globalFlags) *cobra.Command {
	var listen, wsListen, metricsAddr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr = listen
			}
			if cmd.Flags().Changed("ws-listen") {
				cfg.Server.WSListenAddr = wsListen
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(config.RoleServer); err != nil {
				return err
			}

			ctx := cmd.Context()
			m := metrics.New()
			registry := relay.NewRegistry(cfg.Server.MaxPeers)
			srv := server.New(cfg.Server, relay.NewRouter(registry, m),
				auth.StaticVerifier{Accounts: cfg.Server.Accounts}, m)

			util.StartStatsReporter(ctx, cfg.Log.StatsInterval.Duration)
			util.LogInfo("p2pchat server v%s, %d account(s)", version, len(cfg.Server.Accounts))

			if err := srv.Run(ctx); err != nil {
				return err
			}
			util.LogInfo("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (empty disables)")
	cmd.Flags().StringVar(&wsListen, "ws-listen", "", "WebSocket listen address (empty disables)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus listen address (empty disables)")

	return cmd
}
