package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run the gateway's doctor command with the supervisor's environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		if _, err := cfg.EnsureGatewayToken(); err != nil {
			return err
		}
		res, err := newManager(cfg, logger).RunDoctor(context.Background())
		fmt.Print(res.Output())
		if err != nil {
			return err
		}
		if !res.OK() {
			os.Exit(res.ExitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
