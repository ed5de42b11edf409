package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// publishCmd re-uploads the current bundle and capability record, for
// when the directory lost or never saw this device.
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Re-publish the current prekey bundle and capabilities",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPublish(cmd); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

// rotateCmd retires the signed prekey, refills the one-time pool and
// publishes the result.
var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the signed prekey, refill one-time keys and publish",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRotate(cmd); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

func init() {
	RootCmd.AddCommand(publishCmd)
	RootCmd.AddCommand(rotateCmd)
}

func runPublish(cmd *cobra.Command) error {
	e, db, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := e.PublishIdentity(context.Background()); err != nil {
		return fmt.Errorf("publish identity: %w", err)
	}
	fmt.Printf("bundle for %s published\n", e.Device())
	return nil
}

func runRotate(cmd *cobra.Command) error {
	e, db, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	id, minted, err := e.RotatePrekeys(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("signed prekey rotated to id %d, %d one-time keys minted\n", id, minted)
	return nil
}
