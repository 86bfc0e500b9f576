package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/payreq"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

func newAssetsCmd(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List supported assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			assets, err := loadAssets(cfg)
			if err != nil {
				return err
			}
			list := assets.Visible()
			if all {
				list = assets.List()
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tNETWORK\tDECIMALS\tCONTRACT")
			for _, a := range list {
				contract := a.ContractAddress
				if contract == "" {
					contract = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Code, a.Network, a.Decimals, contract)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include hidden assets")
	return cmd
}

func newParseCmd(flags *globalFlags) *cobra.Command {
	var expect string

	cmd := &cobra.Command{
		Use:   "parse <uri-or-address>",
		Short: "Parse a payment request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			assets, err := loadAssets(cfg)
			if err != nil {
				return err
			}

			var expected *asset.Asset
			if expect != "" {
				a, ok := assets.Get(strings.ToUpper(expect))
				if !ok {
					return walleterr.ErrAssetNotSupported.WithDetail("asset", expect)
				}
				expected = &a
			}

			req, err := payreq.NewParser(assets, cfg.Network).Parse(args[0], expected)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "Asset code the request must be for")
	return cmd
}
