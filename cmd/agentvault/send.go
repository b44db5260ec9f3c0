package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/instruction"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var sendFlags struct {
	key        string
	account    string
	to         string
	value      string
	data       string
	owner      string
	agentID    string
	dailyLimit string
	expiresIn  time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign and send one call from a smart account through the relay",
	Long: "Send builds a user operation for a single call, signs it with the operator key and " +
		"waits for its receipt. With --owner, --agent-id and --daily-limit the account is " +
		"deployed by the same operation when it has no code yet.",
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.key, "key", os.Getenv("AGENTVAULT_OPERATOR_KEY"), "operator private key (hex)")
	f.StringVar(&sendFlags.account, "account", "", "smart account address (predicted from --owner and --agent-id when empty)")
	f.StringVar(&sendFlags.to, "to", "", "call target")
	f.StringVar(&sendFlags.value, "value", "0", "native value in wei")
	f.StringVar(&sendFlags.data, "data", "0x", "calldata (hex)")
	f.StringVar(&sendFlags.owner, "owner", "", "account owner, for prediction and deployment")
	f.StringVar(&sendFlags.agentID, "agent-id", "", "agent identity token id, for prediction and deployment")
	f.StringVar(&sendFlags.dailyLimit, "daily-limit", "", "daily spending limit set at deployment")
	f.DurationVar(&sendFlags.expiresIn, "expires-in", 30*24*time.Hour, "operator validity set at deployment")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sendFlags.key == "" {
		return fmt.Errorf("--key or AGENTVAULT_OPERATOR_KEY is required")
	}
	key, err := parseKey(sendFlags.key)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}
	if !common.IsHexAddress(sendFlags.to) {
		return fmt.Errorf("--to %q is not an address", sendFlags.to)
	}
	value, ok := new(big.Int).SetString(sendFlags.value, 0)
	if !ok || value.Sign() < 0 {
		return fmt.Errorf("--value %q is not a non-negative integer", sendFlags.value)
	}
	data, err := hexutil.Decode(sendFlags.data)
	if err != nil {
		return fmt.Errorf("--data: %w", err)
	}

	nw := remoteNetwork(cfg)
	client, err := newInstructionClient(nw, cfg.Relay)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Relay.PollTimeout+30*time.Second)
	defer cancel()

	req := instruction.Request{
		Calls: []abis.Call{{Target: common.HexToAddress(sendFlags.to), Value: value, Data: data}},
		Key:   key,
	}
	if sendFlags.owner != "" || sendFlags.agentID != "" {
		owner, agentID, err := parseOwnerAgent(sendFlags.owner, sendFlags.agentID)
		if err != nil {
			return err
		}
		if sendFlags.account == "" {
			if req.Sender, err = client.AccountAddress(ctx, nw.factory, owner, agentID); err != nil {
				return err
			}
		}
		if sendFlags.dailyLimit != "" {
			limit, err := parseWei("--daily-limit", sendFlags.dailyLimit)
			if err != nil {
				return err
			}
			signer := ethcrypto.PubkeyToAddress(key.PublicKey)
			expires := uint64(time.Now().Add(sendFlags.expiresIn).Unix())
			if req.Deploy, err = instruction.CreateAccount(nw.factory, owner, owner, signer, agentID, limit, expires); err != nil {
				return err
			}
		}
	}
	if sendFlags.account != "" {
		if !common.IsHexAddress(sendFlags.account) {
			return fmt.Errorf("--account %q is not an address", sendFlags.account)
		}
		req.Sender = common.HexToAddress(sendFlags.account)
	}
	if req.Sender == (common.Address{}) {
		return fmt.Errorf("--account or --owner with --agent-id is required")
	}

	res, err := client.Send(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
