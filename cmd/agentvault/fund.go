package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var fundFlags struct {
	amount string
	min    string
}

var fundCmd = &cobra.Command{
	Use:   "fund <address>",
	Short: "Send native balance from the funder key",
	Long: "Fund sends --amount wei (default funder.top_up_amount) from the funder key. With --min " +
		"it only sends when the address holds less than that balance.",
	Args: cobra.ExactArgs(1),
	RunE: runFund,
}

func init() {
	fundCmd.Flags().StringVar(&fundFlags.amount, "amount", "", "wei to send")
	fundCmd.Flags().StringVar(&fundFlags.min, "min", "", "only send when the balance is below this many wei")
	rootCmd.AddCommand(fundCmd)
}

func runFund(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("%q is not an address", args[0])
	}
	to := common.HexToAddress(args[0])
	if cfg.Funder.PrivateKey == "" {
		return fmt.Errorf("funder.private_key or AGENTVAULT_FUNDER_PRIVATE_KEY is required")
	}
	if fundFlags.amount != "" {
		cfg.Funder.TopUpAmount = fundFlags.amount
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	funder, err := newFunder(ctx, cfg, remoteNetwork(cfg), nil)
	if err != nil {
		return err
	}
	defer funder.Close()

	if fundFlags.min != "" {
		floor, err := parseWei("--min", fundFlags.min)
		if err != nil {
			return err
		}
		hash, err := funder.TopUp(ctx, to, floor)
		if err != nil {
			return err
		}
		if hash == (common.Hash{}) {
			fmt.Println("balance above minimum; nothing sent")
			return nil
		}
		fmt.Println(hash.Hex())
		return nil
	}

	amount, err := parseWei("--amount", cfg.Funder.TopUpAmount)
	if err != nil {
		return err
	}
	hash, err := funder.Send(ctx, to, amount)
	if err != nil {
		return err
	}
	fmt.Println(hash.Hex())
	return nil
}
