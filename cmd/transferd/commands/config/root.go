// Package config implements "transferd config" and its subcommands.
package config

import "github.com/spf13/cobra"

// Cmd is the "config" command group, added to the root command.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate transferd configuration",
}

func init() {
	Cmd.AddCommand(schemaCmd)
	Cmd.AddCommand(validateCmd)
	Cmd.AddCommand(showCmd)
}
