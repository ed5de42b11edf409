package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"keymesh/internal/prekeys"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
	"keymesh/internal/service/engine"
	"keymesh/internal/storage/kv"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create this device's identity and publish it to the directory",
	Long: `Create this device's identity and publish it to the directory

Generates the long-term identity keys, the first signed prekey and a
pool of one-time prekeys, seals them into the home directory and
uploads the public bundle plus the capability record.
	`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runInit(cmd); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("pq", false, "Mint a post-quantum KEM prekey alongside the classical set")
	initCmd.Flags().Int("one-time", prekeys.DefaultOneTimeTarget, "Size of the one-time prekey pool")
}

func runInit(cmd *cobra.Command) error {
	home := cmd.Flag("home").Value.String()
	dev, err := deviceFromFlags(cmd)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(home, 0700); err != nil {
		return err
	}
	if err := ensureStateKey(home); err != nil {
		return err
	}

	key, err := loadStateKey(home)
	if err != nil {
		return err
	}

	db, err := kv.OpenLevelDB(filepath.Join(home, "state"))
	if err != nil {
		return err
	}
	defer db.Close()

	withPQ, _ := strconv.ParseBool(cmd.Flag("pq").Value.String())
	target, _ := strconv.Atoi(cmd.Flag("one-time").Value.String())
	ks, err := prekeys.Open(db, key, dev, prekeys.Options{OneTimeTarget: target, WithPQ: withPQ})
	if err != nil {
		return err
	}

	host := cmd.Flag("server").Value.String()
	e := engine.New(ks, directory.NewClient(host), blob.NewClient(host), engine.Options{StateKey: key})
	if err := e.PublishIdentity(context.Background()); err != nil {
		return fmt.Errorf("publish identity: %w", err)
	}

	fmt.Printf("device %s initialized\nfingerprint:\n  %s\n", dev, ks.Fingerprint())
	return nil
}

func ensureStateKey(home string) error {
	path := filepath.Join(home, stateKeyFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600)
}
