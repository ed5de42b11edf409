package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"keymesh/internal/model"
	"keymesh/internal/prekeys"
	"keymesh/internal/service/directory"
)

// showCmd fetches a peer device's published bundle and capabilities and
// prints them for inspection, fingerprint included.
var showCmd = &cobra.Command{
	Use:   "show user/device",
	Short: "Print a device's published bundle and capabilities",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runShow(cmd, args[0]); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

// suiteCmd prints the suite pinned for one conversation on this device.
var suiteCmd = &cobra.Command{
	Use:   "suite conversation",
	Short: "Print the algorithm suite pinned for a conversation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSuite(cmd, args[0]); err != nil {
			fmt.Println(err)
			os.Exit(-1)
		}
	},
}

func init() {
	RootCmd.AddCommand(showCmd)
	RootCmd.AddCommand(suiteCmd)
}

func parsePeer(arg string) (model.DeviceID, error) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return model.DeviceID{}, fmt.Errorf("peer must be user/device")
	}
	return model.DeviceID{User: parts[0], Device: parts[1]}, nil
}

func runShow(cmd *cobra.Command, arg string) error {
	peer, err := parsePeer(arg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	dir := directory.NewClient(cmd.Flag("server").Value.String())

	bundle, err := dir.FetchBundle(ctx, peer)
	if err != nil {
		return fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}

	fmt.Printf("device:        %s\n", bundle.Device)
	fmt.Printf("fingerprint:   %s\n", prekeys.Fingerprint(bundle.IdentityDH, bundle.IdentitySig))
	fmt.Printf("signed prekey: id %d\n", bundle.SignedPrekeyID)
	if bundle.OneTime != nil {
		fmt.Printf("one-time key:  id %d available\n", bundle.OneTime.ID)
	} else {
		fmt.Println("one-time key:  none left")
	}
	if len(bundle.PQKEMPub) > 0 {
		fmt.Println("post-quantum:  kem prekey published")
	}

	caps, err := dir.FetchCapabilities(ctx, peer)
	if errors.Is(err, directory.ErrNotFound) {
		fmt.Println("capabilities:  not published")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch capabilities for %s: %w", peer, err)
	}

	fmt.Println("capabilities:")
	fmt.Printf("  ciphers:       %s\n", joinAlgs(caps.Ciphers))
	fmt.Printf("  key exchanges: %s\n", joinAlgs(caps.KeyExchanges))
	fmt.Printf("  macs:          %s\n", joinAlgs(caps.MACs))
	fmt.Printf("  signatures:    %s\n", joinAlgs(caps.Signatures))
	fmt.Printf("  kdfs:          %s\n", joinAlgs(caps.KDFs))
	if len(caps.PQKEMs) > 0 {
		fmt.Printf("  pq kems:       %s\n", joinAlgs(caps.PQKEMs))
	}
	if len(caps.PQSignatures) > 0 {
		fmt.Printf("  pq signatures: %s\n", joinAlgs(caps.PQSignatures))
	}
	return nil
}

func runSuite(cmd *cobra.Command, conv string) error {
	e, db, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	desc, ok := e.PinnedSuite(context.Background(), conv)
	if !ok {
		return fmt.Errorf("no suite pinned for %q", conv)
	}

	fmt.Printf("conversation: %s (version %d, sealed %s)\n", desc.Conversation, desc.Version, desc.SealedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("cipher:       %s\n", desc.Cipher)
	fmt.Printf("key exchange: %s\n", desc.KeyExchange)
	fmt.Printf("mac:          %s\n", desc.MAC)
	fmt.Printf("signature:    %s\n", desc.Signature)
	fmt.Printf("kdf:          %s\n", desc.KDF)
	if desc.Hybrid() {
		fmt.Printf("pq kem:       %s\n", desc.PQKEM)
	}
	if desc.PQSignature != "" {
		fmt.Printf("pq signature: %s\n", desc.PQSignature)
	}
	return nil
}

func joinAlgs(algs []model.Algorithm) string {
	out := make([]string, len(algs))
	for i, a := range algs {
		out[i] = string(a)
	}
	return strings.Join(out, ", ")
}
