package main

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

func newOverviewCmd(flags *globalFlags) *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "overview <asset>",
		Short: "Show the balance of an asset",
		Long: `Show the balance of an asset. Without --cached the command waits for the
background refresh and prints the updated value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			code := strings.ToUpper(args[0])
			ctx := cmd.Context()
			ov, err := a.orch.GetOverview(ctx, code, nil)
			if err != nil {
				return err
			}
			if !cached {
				a.cache.Refresher().WaitIdle()
				if ov, err = a.orch.GetOverview(ctx, code, nil); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), ov)
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "Print the cached value without waiting")
	return cmd
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "history <asset>",
		Short: "Show the transaction history of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			code := strings.ToUpper(args[0])
			ctx := cmd.Context()
			txs, err := a.orch.GetTransactions(ctx, code, nil)
			if err != nil {
				return err
			}
			if !cached {
				a.cache.Refresher().WaitIdle()
				if txs, err = a.orch.GetTransactions(ctx, code, nil); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), txs)
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "Print the cached value without waiting")
	return cmd
}

func newReceiveCmd(flags *globalFlags) *cobra.Command {
	var next bool

	cmd := &cobra.Command{
		Use:   "receive <asset>",
		Short: "Show the receive address of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			code := strings.ToUpper(args[0])
			var info *provider.ReceiveInfo
			if next {
				info, err = a.orch.NextReceiveAddress(cmd.Context(), code)
			} else {
				info, err = a.orch.GetReceiveInfo(cmd.Context(), code)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().BoolVar(&next, "next", false, "Advance to a fresh address first")
	return cmd
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <asset> <destination> <amount>",
		Short: "Send an asset",
		Long: `Build, sign and broadcast a transfer. The destination may be a plain
address or a payment URI; a URI amount is ignored in favour of <amount>.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(strings.TrimSpace(args[2]))
			if err != nil {
				return walleterr.ErrAmountInvalid.WithDetail("amount", args[2])
			}

			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			code := strings.ToUpper(args[0])
			dest, err := destination(a, code, args[1])
			if err != nil {
				return err
			}

			res, err := a.orch.Send(cmd.Context(), code, dest, amount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	return cmd
}

// destination resolves a payment URI to its address, checking it targets
// the asset being sent. Plain addresses pass through.
func destination(a *app, code, input string) (string, error) {
	input = strings.TrimSpace(input)
	if !strings.Contains(input, ":") {
		return input, nil
	}
	expected, ok := a.assets.Get(code)
	if !ok {
		return "", walleterr.ErrAssetNotSupported.WithDetail("asset", code)
	}
	req, err := a.parser().Parse(input, &expected)
	if err != nil {
		return "", err
	}
	return req.Address, nil
}
