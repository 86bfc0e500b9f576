package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/klingon-exchange/klingon-wallet/internal/vault"
	"github.com/klingon-exchange/klingon-wallet/internal/wallet"
)

func newInitCmd(flags *globalFlags) *cobra.Command {
	var (
		importMnemonic bool
		passphrase     string
		account        uint32
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the wallet, or import one with --import",
		Long: `Create the wallet vault. A new 24-word mnemonic is generated and printed
once. With --import the mnemonic is read from standard input.

The vault is sealed with the password in KLINGWALLET_VAULT_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			store, vaults, err := openVault(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var mnemonic string
			if importMnemonic {
				mnemonic, err = readMnemonic(cmd.InOrStdin())
			} else {
				mnemonic, err = wallet.GenerateMnemonic()
			}
			if err != nil {
				return err
			}

			v, err := vaults.Create(mnemonic, passphrase, account)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wallet %s created on %s\n", v.ID, cfg.Network)
			if !importMnemonic {
				fmt.Fprintln(out, "Write down your recovery phrase:")
				fmt.Fprintln(out, mnemonic)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&importMnemonic, "import", false, "Read an existing mnemonic from stdin")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Optional BIP39 passphrase")
	cmd.Flags().Uint32Var(&account, "account", 0, "BIP44 account index")
	return cmd
}

func newSetAccountCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-account <index>",
		Short: "Change the BIP44 account index of the wallet",
		Long: `Change the account index every chain derives from. It can only change
before any address has been handed out; afterwards the command fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid account index %q", args[0])
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			store, vaults, err := openVault(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := vaults.SetAccountIndex(uint32(index)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account index set to %d\n", index)
			return nil
		},
	}
}

func readMnemonic(r io.Reader) (string, error) {
	var words []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		words = append(words, strings.Fields(sc.Text())...)
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("failed to read mnemonic: %w", err)
	}
	if len(words) == 0 {
		return "", vault.ErrInvalidMnemonic
	}
	return strings.Join(words, " "), nil
}

func newResetCmd(flags *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the wallet vault from this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("reset destroys the vault; pass --yes to confirm")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			store, vaults, err := openVault(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := vaults.Reset(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wallet removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
