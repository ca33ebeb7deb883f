package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/storage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
)

const (
	hardRefreshTimeout = 30 * time.Second
)

var (
	hardRefreshFlags struct {
		server string
		token  string
	}

	hardRefreshCmd = &cobra.Command{
		Use:   "hard-refresh",
		Short: "wipe the mirror store and resync from the genesis block",
		Long: "With --server, asks a running indexer to resync. " +
			"Without it, clears the store directly; a running indexer picks this up only after a restart.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var deps struct {
				fx.In
				MetaStorage metastorage.MetaStorage
			}

			app, err := startApp(storage.Module, fx.Populate(&deps))
			if err != nil {
				return err
			}
			defer app.Close()

			if !confirm(color.RedString("delete all users, events and packages")) {
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), hardRefreshTimeout)
			defer cancel()

			if hardRefreshFlags.server != "" {
				return requestHardRefresh(ctx, hardRefreshFlags.server, hardRefreshFlags.token)
			}

			if err := deps.MetaStorage.Clear(ctx); err != nil {
				return xerrors.Errorf("failed to clear mirror store: %w", err)
			}

			logger.Info("cleared mirror store", zap.Uint64("genesis_block", cfg.Contract.GenesisBlock))
			return nil
		},
	}
)

func init() {
	hardRefreshCmd.Flags().StringVar(&hardRefreshFlags.server, "server", "", "base url of a running indexer, e.g. http://localhost:9090")
	hardRefreshCmd.Flags().StringVar(&hardRefreshFlags.token, "token", "", "bearer token of the indexer api")
	rootCmd.AddCommand(hardRefreshCmd)
}

func requestHardRefresh(ctx context.Context, server string, token string) error {
	url := strings.TrimSuffix(server, "/") + "/hard-refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to send request to %v: %w", url, err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return xerrors.Errorf("failed to decode response (status=%v): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return xerrors.Errorf("hard refresh was rejected (status=%v): %v", resp.StatusCode, body["error"])
	}

	logger.Info("hard refresh accepted", zap.String("request_id", body["request_id"]))
	return nil
}
