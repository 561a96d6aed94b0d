// Tunnl is the command-line client for the tunnl tunneling system.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tunnl-io/tunnl/internal/client"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

var (
	version = "1.0.0"

	serverURL string
	token     string
	subdomain string
	localHost string
	useTUI    bool
)

// fileConfig is the optional ~/.tunnl.yaml client configuration.
type fileConfig struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tunnl",
	Short: "Expose a local service through a tunnl server",
	Long: `Tunnl opens a tunnel from a public entrypoint on a tunnl server to a
service running on your machine.

Examples:
  tunnl http 3000                     # https-less vhost for localhost:3000
  tunnl http 3000 --subdomain demo    # request a specific subdomain
  tunnl tcp 5432                      # public TCP port for localhost:5432

The server URL and token can also be set in ~/.tunnl.yaml:
  server: http://tunnel.example.com:6443
  token: <token>`,
	SilenceUsage: true,
}

var httpCmd = &cobra.Command{
	Use:   "http <local-port>",
	Short: "Tunnel HTTP traffic to a local port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTunnel(cmd.Context(), protocol.ProtocolHTTP, args[0])
	},
}

var tcpCmd = &cobra.Command{
	Use:   "tcp <local-port>",
	Short: "Tunnel raw TCP traffic to a local port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTunnel(cmd.Context(), protocol.ProtocolTCP, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "tunnl server URL (e.g. http://tunnel.example.com:6443)")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "Authentication token")
	rootCmd.PersistentFlags().StringVar(&localHost, "host", "127.0.0.1", "Local host to forward to")
	rootCmd.PersistentFlags().BoolVar(&useTUI, "tui", false, "Show the interactive connection dashboard")

	httpCmd.Flags().StringVar(&subdomain, "subdomain", "", "Requested subdomain (random when empty)")

	rootCmd.AddCommand(httpCmd, tcpCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnl version %s\n", version)
		},
	})
}

// loadFileConfig fills unset flags from ~/.tunnl.yaml, if present.
func loadFileConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(home, ".tunnl.yaml"))
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return
	}
	if serverURL == "" {
		serverURL = fc.Server
	}
	if token == "" {
		token = fc.Token
	}
}

func runTunnel(ctx context.Context, proto protocol.Protocol, portArg string) error {
	loadFileConfig()

	if serverURL == "" {
		return fmt.Errorf("server URL is required (--server or ~/.tunnl.yaml)")
	}
	if token == "" {
		return fmt.Errorf("token is required (--token or ~/.tunnl.yaml)")
	}
	port, err := strconv.Atoi(portArg)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid local port %q", portArg)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "tunnl",
	})
	if useTUI {
		// The dashboard owns the terminal.
		logger.SetLevel(log.FatalLevel)
	}

	c, err := client.New(&client.Config{
		ServerURL: serverURL,
		Token:     token,
		Protocol:  proto,
		Subdomain: subdomain,
		LocalHost: localHost,
		LocalPort: port,
	}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	if useTUI {
		tuiDone := make(chan error, 1)
		go func() {
			tuiDone <- client.RunTUI(c)
		}()
		select {
		case err := <-tuiDone:
			return err
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	}
}
