package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "clawwrap"

// appVersion is overridden at build time with -ldflags "-X main.appVersion=...".
var appVersion = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Supervisor and reverse proxy for the OpenClaw gateway",
	Long: `clawwrap runs in front of an OpenClaw gateway on a single public port:
  - starts, health-checks and restarts the gateway on a loopback port
  - reverse-proxies HTTP and WebSocket traffic to it
  - serves a password-protected /setup API for onboarding and reset
  - migrates legacy MOLTBOT_/CLAWDBOT_ settings and config files`,
	Version:      appVersion,
	SilenceUsage: true,
	// No subcommand means serve, which is what container platforms invoke.
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s v%s\n", appName, appVersion)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
