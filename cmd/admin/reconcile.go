package main

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/reconciler"
	"github.com/coinbase/chainmirror/internal/storage"
)

var (
	reconcileFlags struct {
		dryRun bool
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "recompute user aggregates from the event history and repair drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			var deps struct {
				fx.In
				Reconciler reconciler.Reconciler
			}

			app, err := startApp(storage.Module, processor.Module, reconciler.Module, fx.Populate(&deps))
			if err != nil {
				return err
			}
			defer app.Close()

			if !reconcileFlags.dryRun {
				if !confirm(color.CyanString("overwrite drifted aggregates")) {
					return nil
				}
			}

			result, err := deps.Reconciler.Reconcile(context.Background(), reconciler.WithDryRun(reconcileFlags.dryRun))
			if err != nil {
				return xerrors.Errorf("failed to reconcile: %w", err)
			}

			return printJSON(result)
		},
	}
)

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileFlags.dryRun, "dry-run", false, "report drift without writing")
	rootCmd.AddCommand(reconcileCmd)
}
