package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keymesh/internal/model"
)

// backupCmd captures session state into an encrypted snapshot, either a
// local file or the server's blob store.
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write an encrypted snapshot of all session state",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runBackup(cmd); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore session state from an encrypted snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRestore(cmd); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

func init() {
	RootCmd.AddCommand(backupCmd)
	backupCmd.Flags().String("passphrase", "", "Passphrase sealing the snapshot")
	backupCmd.Flags().StringP("out", "o", "", "Write the snapshot to this file")
	backupCmd.Flags().Bool("sync", false, "Upload the snapshot to the server's blob store instead")
	backupCmd.Flags().Duration("ttl", 30*24*time.Hour, "How long the snapshot stays restorable")

	RootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().String("passphrase", "", "Passphrase sealing the snapshot")
	restoreCmd.Flags().StringP("in", "i", "", "Read the snapshot from this file")
	restoreCmd.Flags().String("from", "", "Fetch the snapshot another device uploaded, as user/device")
}

func runBackup(cmd *cobra.Command) error {
	pass := cmd.Flag("passphrase").Value.String()
	if pass == "" {
		return fmt.Errorf("--passphrase cannot be empty")
	}
	out := cmd.Flag("out").Value.String()
	sync, _ := cmd.Flags().GetBool("sync")
	if out == "" && !sync {
		return fmt.Errorf("pass --out or --sync")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	e, db, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if sync {
		snap, err := e.SyncBackup(context.Background(), []byte(pass), ttl)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s uploaded, expires %s\n", snap.ID, snap.ExpiresAt.Format(time.RFC3339))
		return nil
	}

	snap, err := e.Backup(context.Background(), []byte(pass), ttl)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0600); err != nil {
		return err
	}
	fmt.Printf("snapshot %s written to %s\n", snap.ID, out)
	return nil
}

func runRestore(cmd *cobra.Command) error {
	pass := cmd.Flag("passphrase").Value.String()
	if pass == "" {
		return fmt.Errorf("--passphrase cannot be empty")
	}
	in := cmd.Flag("in").Value.String()
	from := cmd.Flag("from").Value.String()
	if in == "" && from == "" {
		return fmt.Errorf("pass --in or --from")
	}

	e, db, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if from != "" {
		parts := strings.SplitN(from, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("--from must be user/device")
		}
		src := model.DeviceID{User: parts[0], Device: parts[1]}
		if err := e.RestoreFrom(context.Background(), []byte(pass), src); err != nil {
			return err
		}
		fmt.Printf("session state restored from %s\n", src)
		return nil
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var snap model.BackupSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("malformed snapshot file: %w", err)
	}
	if err := e.Restore(context.Background(), []byte(pass), snap); err != nil {
		return err
	}
	fmt.Printf("session state restored from %s\n", in)
	return nil
}
