package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/control"
	"github.com/stakewatch/warden/pkg/keys"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate a config file, root key descriptor, and control user keys",
	Long: `Generate the initial configuration.

Prompts for the root key password, derives the key descriptor, and
creates one auth key per --user. The auth keys are printed once and
never stored by the daemon in recoverable form; hand each to its
operator out of band.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		network, _ := cmd.Flags().GetString("network")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		client, _ := cmd.Flags().GetString("client")
		binary, _ := cmd.Flags().GetString("binary")
		relays, _ := cmd.Flags().GetStringArray("relay")
		users, _ := cmd.Flags().GetStringArray("user")

		if _, err := os.Stat(cfgPath); err == nil {
			return fmt.Errorf("refusing to overwrite existing config %s", cfgPath)
		}

		password, err := readPassword("New root key password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}

		fmt.Fprintln(os.Stderr, "Deriving root key (argon2id, this takes a moment)...")
		descriptor, root, err := keys.Generate(password, keys.AlgoArgon2id)
		if err != nil {
			return err
		}
		root.Zero()

		cfg := &config.Config{
			Network:       network,
			DataDir:       dataDir,
			KeyDescriptor: descriptor,
			ControlUsers:  make(map[string]string, len(users)),
			Validator: config.Validator{
				Client: client,
				Binary: binary,
			},
		}
		for _, host := range relays {
			cfg.Relays = append(cfg.Relays, config.Relay{
				Host:         host,
				IdentityFile: filepath.Join(dataDir, "id_ed25519"),
			})
		}

		for _, user := range users {
			key, err := control.GenUserKey()
			if err != nil {
				return err
			}
			cfg.ControlUsers[user] = key
			fmt.Printf("Auth key for %s: %s\n", user, key)
		}

		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}

		fmt.Printf("✓ Config written to %s\n", cfgPath)
		fmt.Println("Fill in relay host keys and beacon endpoints before starting the daemon.")
		return nil
	},
}

func init() {
	setupCmd.Flags().String("network", "mainnet", "Consensus network to validate on")
	setupCmd.Flags().String("data-dir", "/var/lib/warden", "Durable data directory")
	setupCmd.Flags().String("client", "lighthouse", "Validator client (lighthouse or prysm)")
	setupCmd.Flags().String("binary", "", "Path to the validator client binary")
	setupCmd.Flags().StringArray("relay", nil, "Relay host (repeatable)")
	setupCmd.Flags().StringArray("user", nil, "Control user to create an auth key for (repeatable)")
}
