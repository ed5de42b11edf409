package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// fingerprintCmd prints the identity digest for out-of-band comparison.
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print this device's identity fingerprint",
	Run: func(cmd *cobra.Command, args []string) {
		ks, db, err := openKeys(cmd)
		if err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
		defer db.Close()

		fmt.Println(ks.Fingerprint())
	},
}

func init() {
	RootCmd.AddCommand(fingerprintCmd)
}
