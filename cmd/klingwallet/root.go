package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "klingwallet",
		Short: "Multi-chain non-custodial wallet",
		Long: `klingwallet holds one BIP39 wallet on this device and serves Bitcoin,
Solana and Ethereum assets from it.

Example:
  klingwallet init
  klingwallet overview BTC
  klingwallet send USDC-SOL <address> 12.5`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.dataDir, "datadir", "~/.klingwallet", "Data directory")
	pf.BoolVar(&flags.testnet, "testnet", false, "Use testnet (separate data directory)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(flags),
		newResetCmd(flags),
		newSetAccountCmd(flags),
		newAssetsCmd(flags),
		newParseCmd(flags),
		newOverviewCmd(flags),
		newReceiveCmd(flags),
		newHistoryCmd(flags),
		newSendCmd(flags),
		newServeCmd(flags),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
