package commands

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/enodenetwork/enoded/src/crypto/keys"
)

var keyFile string

// NewKeygenCmd produces a KeygenCmd which creates a new enode operating key
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new enode key",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

// AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&keyFile, "key", _config.Keyfile(), "File where the private key will be written")
}

func keygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keyFile); err == nil {
		return fmt.Errorf("A key already lives under: %s", path.Dir(keyFile))
	}

	key, err := keys.GenerateKey()
	if err != nil {
		return fmt.Errorf("Error generating key: %s", err)
	}

	keyfile := keys.NewSimpleKeyfile(keyFile)

	if err := keyfile.WriteKey(key); err != nil {
		return fmt.Errorf("Writing private key: %s", err)
	}

	fmt.Printf("Your enode key has been saved to: %s\n", keyFile)
	fmt.Printf("Public key: %x\n", key.PubKey().SerializeCompressed())

	return nil
}
