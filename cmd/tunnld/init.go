package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFile  = "/etc/tunnld/tunnld.yaml"
	defaultSystemdPath = "/etc/systemd/system/tunnld.service"
	defaultBinaryPath  = "/usr/local/bin/tunnld"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize tunnld configuration",
	Long: `Interactive setup helper for the tunnld server.

This command will:
- Generate a user token
- Ask for the default domain and listen addresses
- Write the configuration file
- Optionally install and enable the systemd service

Run with sudo for full functionality (config in /etc, systemd).`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initFileConfig mirrors the config schema for YAML generation.
type initFileConfig struct {
	Core struct {
		AuthMethod string `yaml:"auth_method"`
		BindAddr   string `yaml:"bind_addr"`
		AllowPorts string `yaml:"allow_ports"`
	} `yaml:"core"`
	HTTP struct {
		BindAddr      string `yaml:"bind_addr"`
		DefaultDomain string `yaml:"default_domain"`
	} `yaml:"http"`
	Tokens map[string]string `yaml:"tokens"`
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println()
	fmt.Println("  tunnld setup")
	fmt.Println()

	isRoot := runtime.GOOS != "windows" && os.Geteuid() == 0
	configPath := defaultConfigFile
	if !isRoot {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".tunnld.yaml")
		fmt.Println("Not running as root; writing config to", configPath)
		fmt.Println()
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Existing configuration found at %s\n", configPath)
		if !askYesNo(reader, "Overwrite?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	username := ask(reader, "Username for the first client", "admin")
	token, err := generateToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	var cfg initFileConfig
	cfg.Core.AuthMethod = "token"
	cfg.Core.BindAddr = ask(reader, "Control plane bind address", "0.0.0.0:6443")
	cfg.Core.AllowPorts = ask(reader, "TCP tunnel port range (min-max)", "42000-42999")
	cfg.HTTP.BindAddr = ask(reader, "Public HTTP bind address", "0.0.0.0:8080")
	cfg.HTTP.DefaultDomain = ask(reader, "Default domain (e.g. tunnel.example.com)", "")
	cfg.Tokens = map[string]string{username: token}

	if cfg.HTTP.DefaultDomain == "" {
		return fmt.Errorf("default domain is required")
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Println()
	fmt.Println("Configuration written to", configPath)
	fmt.Printf("Token for %s: %s\n", username, token)
	fmt.Println()

	if isRoot && runtime.GOOS == "linux" && askYesNo(reader, "Install systemd service?") {
		if err := installSystemd(configPath); err != nil {
			return err
		}
	}
	return nil
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func askYesNo(reader *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const systemdUnit = `[Unit]
Description=tunnl reverse-tunnel server
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s --config %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

func installSystemd(configPath string) error {
	unit := fmt.Sprintf(systemdUnit, defaultBinaryPath, configPath)
	if err := os.WriteFile(defaultSystemdPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("failed to write systemd unit: %w", err)
	}
	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "tunnld"},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s failed: %v: %s", strings.Join(args, " "), err, out)
		}
	}
	fmt.Println("Systemd service installed. Start it with: systemctl start tunnld")
	return nil
}
