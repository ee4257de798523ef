package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fidogate",
	Short: "fidogate is a FIDO relying-party authentication service",
	Long: `A FIDO U2F / FIDO2 relying-party server: challenge issuance, signed
response validation, counter-based replay detection and key lifecycle
management. Complete documentation is available at
https://github.com/jmcleod/fidogate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
