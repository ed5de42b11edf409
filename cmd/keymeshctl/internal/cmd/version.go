package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"keymesh/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of keymeshctl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("keymeshctl v" + version.Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
