// p2pchat: call signaling for peer-to-peer chat.
//
// `p2pchat server` runs the signaling relay: clients sign in over TCP or
// WebSocket, see who is online and exchange the offers and answers that set
// up a direct WebRTC connection. `p2pchat client` is a terminal client for
// it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pchat/internal/config"
	"github.com/1ureka/p2pchat/internal/util"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "p2pchat",
		Short:         "Signaling relay and client for peer-to-peer calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		serverCmd(&flags),
		clientCmd(&flags),
		versionCmd(),
	)

	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// load reads the config file and environment, then turns on debug logging
// if either the flag or the config asks for it.
func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.debug {
		cfg.Log.Debug = true
	}
	if cfg.Log.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			pterm.Info.Printfln("p2pchat v%s", version)
		},
	}
}
