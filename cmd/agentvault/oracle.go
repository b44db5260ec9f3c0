package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var oracleFlags struct {
	server  string
	tags    []string
	weights []int64
}

var oracleCmd = &cobra.Command{
	Use:   "oracle <agent-id>",
	Short: "Recalculate an agent's score and move its pool cap on a running server",
	Long: "Oracle calls the admin oracle endpoint of a serve process running an embedded devnet. " +
		"Without --tags the server's configured tags and weights are used.",
	Args: cobra.ExactArgs(1),
	RunE: runOracle,
}

func init() {
	f := oracleCmd.Flags()
	f.StringVar(&oracleFlags.server, "server", "", "server base URL (default http://localhost:<server.port>)")
	f.StringSliceVar(&oracleFlags.tags, "tags", nil, "feedback tags to combine")
	f.Int64SliceVar(&oracleFlags.weights, "weights", nil, "signed basis-point weight per tag")
	rootCmd.AddCommand(oracleCmd)
}

func runOracle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Admin.Key == "" {
		return fmt.Errorf("admin.key or AGENTVAULT_ADMIN_KEY is required")
	}
	if len(oracleFlags.tags) != len(oracleFlags.weights) {
		return fmt.Errorf("--tags and --weights must have the same length")
	}
	server := oracleFlags.server
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	var body io.Reader
	if len(oracleFlags.tags) > 0 {
		b, err := json.Marshal(map[string]any{"tags": oracleFlags.tags, "weights": oracleFlags.weights})
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/v1/admin/oracle/"+args[0], body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Admin.Key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling oracle endpoint: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle run failed (%d): %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	_, err = os.Stdout.Write(out)
	return err
}
