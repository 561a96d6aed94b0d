// Tunnld is the tunnl reverse-tunnel server daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/internal/server"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tunnld",
	Short: "tunnl reverse-tunnel server daemon",
	Long: `Tunnld is the server component of the tunnl tunneling system.

Clients establish a persistent control channel and publish public
entrypoints: HTTP subdomains under the configured default domain, or
TCP ports drawn from the configured pool. External traffic reaching an
entrypoint is proxied back to the client over the control channel.

Configuration is read from /etc/tunnld/tunnld.yaml, ./tunnld.yaml, or
--config, with TUNNL_-prefixed environment overrides.`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/tunnld/tunnld.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.Flags().String("bind-addr", "", "Control plane bind address (overrides core.bind_addr)")
	rootCmd.Flags().String("http-addr", "", "Public HTTP bind address (overrides http.bind_addr)")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("core.bind_addr", rootCmd.Flags().Lookup("bind-addr"))
	viper.BindPFlag("http.bind_addr", rootCmd.Flags().Lookup("http-addr"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnld version %s\n", version)
		},
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tunnld")
		viper.AddConfigPath("/etc/tunnld")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TUNNL")
	viper.AutomaticEnv()

	viper.SetDefault("core.auth_method", config.AuthMethodToken)
	viper.SetDefault("core.bind_addr", "0.0.0.0:6443")
	viper.SetDefault("http.bind_addr", "0.0.0.0:8080")

	viper.ReadInConfig()
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "tunnld",
	})
	if viper.GetBool("debug") {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(context.Background())
}
