// Package cmd implements the CLI commands for operating one keymesh
// device: identity creation, prekey publishing, rotation and encrypted
// session backups.
package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"keymesh/internal/model"
	"keymesh/internal/prekeys"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
	"keymesh/internal/service/engine"
	"keymesh/internal/storage/kv"
)

const stateKeyFile = "state.key"

// RootCmd represents the base "keymeshctl" command when called without
// any subcommands.
var RootCmd = &cobra.Command{
	Use:   "keymeshctl",
	Short: "Operate a keymesh device: identity, prekeys and backups",
}

// Execute adds all subcommands to the RootCmd and runs it.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	RootCmd.PersistentFlags().String("home", defaultHome(), "Directory holding the device state")
	RootCmd.PersistentFlags().String("server", "localhost:9090", "Address of the keymeshd directory")
	RootCmd.PersistentFlags().StringP("user", "u", "", "Account name")
	RootCmd.PersistentFlags().StringP("device", "d", "primary", "Device name within the account")
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keymesh"
	}
	return filepath.Join(home, ".keymesh")
}

func deviceFromFlags(cmd *cobra.Command) (model.DeviceID, error) {
	user := cmd.Flag("user").Value.String()
	if user == "" {
		return model.DeviceID{}, fmt.Errorf("--user cannot be empty")
	}
	return model.DeviceID{User: user, Device: cmd.Flag("device").Value.String()}, nil
}

func loadStateKey(home string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(home, stateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read state key (run \"keymeshctl init\" first): %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("malformed state key: %w", err)
	}
	return key, nil
}

// openKeys loads the device's sealed key record from the home directory.
// The caller owns closing the returned database.
func openKeys(cmd *cobra.Command) (*prekeys.Store, kv.DB, error) {
	home := cmd.Flag("home").Value.String()
	dev, err := deviceFromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}

	key, err := loadStateKey(home)
	if err != nil {
		return nil, nil, err
	}

	db, err := kv.OpenLevelDB(filepath.Join(home, "state"))
	if err != nil {
		return nil, nil, err
	}

	ks, err := prekeys.Open(db, key, dev, prekeys.Options{})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return ks, db, nil
}

// openEngine builds a full session engine against the configured server.
func openEngine(cmd *cobra.Command) (*engine.Engine, kv.DB, error) {
	ks, db, err := openKeys(cmd)
	if err != nil {
		return nil, nil, err
	}

	key, err := loadStateKey(cmd.Flag("home").Value.String())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	host := cmd.Flag("server").Value.String()
	e := engine.New(ks, directory.NewClient(host), blob.NewClient(host), engine.Options{StateKey: key})
	return e, db, nil
}
