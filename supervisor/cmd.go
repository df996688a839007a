package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xarblu/portcache/configuration"
	"github.com/xarblu/portcache/internal/dcontext"
	"github.com/xarblu/portcache/version"
)

var (
	showVersion bool
	configPath  string
)

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
	ServeCmd.Flags().StringVarP(&configPath, "config", "c", "./portcache.toml", "path to the TOML configuration file")
}

// RootCmd is the main command for the portcache binary.
var RootCmd = &cobra.Command{
	Use:   "portcache",
	Short: "`portcache`",
	Long:  "`portcache` mirrors and serves Portage distfiles.",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		//nolint:errcheck
		cmd.Usage()
	},
}

// ServeCmd is a cobra command for running portcache as a long-lived
// server, the same shape as distribution/distribution's ServeCmd.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "`serve` mirrors and serves distfiles",
	Long:  "`serve` mirrors and serves distfiles using the given TOML configuration file.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := configuration.ParseFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			//nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		if err := ConfigureLogging(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sv, err := New(ctx, cfg)
		if err != nil {
			dcontext.GetLogger(ctx).Fatalln(err)
		}

		if err := sv.Run(ctx); err != nil {
			dcontext.GetLogger(ctx).Fatalln(err)
		}
	},
}
