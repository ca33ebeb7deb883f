package main

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/storage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
)

const (
	blockFlagName = "block"
)

var (
	checkpointFlags struct {
		block uint64
	}

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "inspect or move the sync checkpoint",
	}

	getCheckpointCmd = &cobra.Command{
		Use:   "get",
		Short: "print the last fully processed block",
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

			checkpoint, found, err := deps.MetaStorage.GetCheckpoint(context.Background())
			if err != nil {
				return xerrors.Errorf("failed to get checkpoint: %w", err)
			}
			if !found {
				logger.Info("no checkpoint", zap.Uint64("genesis_block", cfg.Contract.GenesisBlock))
				return nil
			}

			logger.Info("checkpoint", zap.Uint64("block", checkpoint))
			return nil
		},
	}

	setCheckpointCmd = &cobra.Command{
		Use:   "set",
		Short: "overwrite the sync checkpoint; the indexer resumes from the next block after a restart",
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

			if !confirm(color.CyanString("set the checkpoint to ") + color.MagentaString("%d", checkpointFlags.block)) {
				return nil
			}

			if err := deps.MetaStorage.SetCheckpoint(context.Background(), checkpointFlags.block); err != nil {
				return xerrors.Errorf("failed to set checkpoint: %w", err)
			}

			logger.Info("checkpoint is updated", zap.Uint64("block", checkpointFlags.block))
			return nil
		},
	}
)

func init() {
	setCheckpointCmd.Flags().Uint64Var(&checkpointFlags.block, blockFlagName, 0, "last fully processed block")
	if err := setCheckpointCmd.MarkFlagRequired(blockFlagName); err != nil {
		panic(err)
	}

	checkpointCmd.AddCommand(getCheckpointCmd)
	checkpointCmd.AddCommand(setCheckpointCmd)
	rootCmd.AddCommand(checkpointCmd)
}
