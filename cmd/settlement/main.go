/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the Move-Out Settlement Engine. The root command
  only wires subcommands; each lives in its own file.

COMMANDS:
  serve                    Run the HTTP API and the move-out scheduler
  tariff check <file>      Validate a tariff JSON file
  tariff quote <file> <n>  Price a usage against a tariff JSON file

ENVIRONMENT:
  See package config for the full list. Flags on serve override PORT and
  SETTLEMENT_DB.

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - tariff.go: Offline tariff tooling
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "settlement",
		Short:        "Move-out settlement engine",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newTariffCmd())
	return root
}
