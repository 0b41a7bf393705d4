// Package commands implements the transferd CLI: starting the TFTP/SFTP
// servers, inspecting and validating configuration, and a debug TFTP
// client for smoke-testing either server's packet codec directly.
package commands

import (
	"os"

	configcmd "github.com/pxecore/transferd/cmd/transferd/commands/config"
	"github.com/pxecore/transferd/cmd/transferd/commands/tftpclient"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

// rootCmd is the base command when transferd is called without arguments.
var rootCmd = &cobra.Command{
	Use:   "transferd",
	Short: "transferd - TFTP and SFTP network-boot file transfer servers",
	Long: `transferd runs a TFTP server (RFC 1350/2347/2348/2349/7440/2090) and an
SFTP server over an SSH transport restricted to CNSA 2.0 algorithms,
either together or independently, for network-boot and file-transfer
infrastructure.

Use "transferd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetConfigFile returns the --config flag value, or "" for the default
// search path.
func GetConfigFile() string {
	return configFile
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/transferd/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configcmd.Cmd)
	rootCmd.AddCommand(tftpclient.GetCmd)
	rootCmd.AddCommand(tftpclient.PutCmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
