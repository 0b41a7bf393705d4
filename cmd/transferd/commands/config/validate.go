package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pxecore/transferd/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the transferd configuration file and report whether it is valid:
syntax errors, missing required fields, and invalid values.

Examples:
  transferd config validate
  transferd config validate --config /etc/transferd/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out := cmd.OutOrStdout()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Configuration invalid: %v\n", err)
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.DefaultConfigPath()
	}

	fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	fmt.Fprintln(out, "Validation: OK")
	fmt.Fprintln(out, "\nConfiguration summary:")
	fmt.Fprintf(out, "  Logging level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  Metrics:       enabled=%t addr=%s\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
	fmt.Fprintf(out, "  TFTP:          enabled=%t bind_addr=%s root_dir=%s\n", cfg.TFTP.Enabled, cfg.TFTP.BindAddr, cfg.TFTP.RootDir)
	fmt.Fprintf(out, "  SFTP:          enabled=%t bind_addr=%s root_dir=%s\n", cfg.SFTP.Enabled, cfg.SFTP.BindAddr, cfg.SFTP.RootDir)

	return nil
}
