package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var accountFlags struct {
	owner   string
	agentID string
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Print the smart-account address the factory assigns to an owner and agent",
	RunE:  runAccount,
}

func init() {
	accountCmd.Flags().StringVar(&accountFlags.owner, "owner", "", "account owner address")
	accountCmd.Flags().StringVar(&accountFlags.agentID, "agent-id", "", "agent identity token id")
	_ = accountCmd.MarkFlagRequired("owner")
	_ = accountCmd.MarkFlagRequired("agent-id")
	rootCmd.AddCommand(accountCmd)
}

func parseOwnerAgent(owner, agent string) (common.Address, *big.Int, error) {
	if !common.IsHexAddress(owner) {
		return common.Address{}, nil, fmt.Errorf("owner %q is not an address", owner)
	}
	agentID, ok := new(big.Int).SetString(agent, 10)
	if !ok || agentID.Sign() <= 0 {
		return common.Address{}, nil, fmt.Errorf("agent id %q must be a positive integer", agent)
	}
	return common.HexToAddress(owner), agentID, nil
}

func runAccount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	owner, agentID, err := parseOwnerAgent(accountFlags.owner, accountFlags.agentID)
	if err != nil {
		return err
	}

	nw := remoteNetwork(cfg)
	client, err := newInstructionClient(nw, cfg.Relay)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	addr, err := client.AccountAddress(ctx, nw.factory, owner, agentID)
	if err != nil {
		return err
	}
	fmt.Println(addr.Hex())
	return nil
}
