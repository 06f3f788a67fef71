package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openclaw/clawwrap/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply legacy env and config file migration, then exit",
	Long: `Copy MOLTBOT_* and CLAWDBOT_* variables to their OPENCLAW_* names (for this
process only) and rename a legacy moltbot.json or clawdbot.json to
openclaw.json in the state directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		if err := migrateConfigFiles(cfg, logger); err != nil {
			return err
		}
		if path, ok := configPath(cfg); ok {
			fmt.Printf("Config: %s\n", path)
		} else {
			fmt.Println("Config: not configured")
		}
		return nil
	},
}

var initConfigForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a documented clawwrap.kdl to the state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.StateDir, config.SettingsFileName)
		if fileExists(path) && !initConfigForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func configPath(cfg *config.Config) (string, bool) {
	if !cfg.IsConfigured() {
		return "", false
	}
	return cfg.ConfigPath(), true
}

func init() {
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "Overwrite an existing file")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(initConfigCmd)
}
