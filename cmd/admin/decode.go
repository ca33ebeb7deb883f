package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/aws"
	"github.com/coinbase/chainmirror/internal/blockchain"
	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

const (
	fromFlagName = "from"
	toFlagName   = "to"
)

type (
	decodedLog struct {
		Block    uint64          `json:"block"`
		TxHash   string          `json:"tx_hash"`
		LogIndex uint            `json:"log_index"`
		Type     string          `json:"type,omitempty"`
		Subject  string          `json:"subject,omitempty"`
		Amount   string          `json:"amount,omitempty"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		Deltas   []string        `json:"deltas,omitempty"`
		Error    string          `json:"error,omitempty"`
	}
)

var (
	decodeFlags struct {
		from uint64
		to   uint64
	}

	decodeCmd = &cobra.Command{
		Use:   "decode",
		Short: "decode the contract logs of a block range without persisting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			var deps struct {
				fx.In
				Client    client.Client
				Parser    parser.Parser
				Processor processor.Processor
			}

			if decodeFlags.from > decodeFlags.to {
				return xerrors.Errorf("invalid range [%v, %v]", decodeFlags.from, decodeFlags.to)
			}

			app, err := startApp(aws.Module, blockchain.Module, processor.Module, fx.Populate(&deps))
			if err != nil {
				return err
			}
			defer app.Close()

			contract := common.HexToAddress(cfg.Contract.Address)
			chunkSize := utils.MaxUint64(cfg.Sync.ChunkSize, 1)
			ctx := context.Background()

			var decoded, failed int
			for from := decodeFlags.from; from <= decodeFlags.to; from += chunkSize {
				to := utils.MinUint64(from+chunkSize-1, decodeFlags.to)
				logs, err := deps.Client.GetLogs(ctx, from, to, contract)
				if err != nil {
					return xerrors.Errorf("failed to get logs in [%v, %v]: %w", from, to, err)
				}

				for _, l := range logs {
					out := decodeLog(deps.Parser, deps.Processor, l)
					if out.Error != "" {
						failed++
						fmt.Println(color.RedString("%v/%v/%v: %v", out.Block, out.TxHash, out.LogIndex, out.Error))
						continue
					}

					decoded++
					if err := printJSON(out); err != nil {
						return err
					}
				}
			}

			logger.Info(
				"decoded range",
				zap.Uint64("from", decodeFlags.from),
				zap.Uint64("to", decodeFlags.to),
				zap.Int("decoded", decoded),
				zap.Int("failed", failed),
			)
			return nil
		},
	}
)

func init() {
	decodeCmd.Flags().Uint64Var(&decodeFlags.from, fromFlagName, 0, "first block, inclusive")
	decodeCmd.Flags().Uint64Var(&decodeFlags.to, toFlagName, 0, "last block, inclusive")
	for _, name := range []string{fromFlagName, toFlagName} {
		if err := decodeCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(decodeCmd)
}

func decodeLog(p parser.Parser, proc processor.Processor, l types.Log) *decodedLog {
	out := &decodedLog{
		Block:    l.BlockNumber,
		TxHash:   l.TxHash.Hex(),
		LogIndex: l.Index,
	}

	event, err := p.Decode(l)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	record, deltas, err := proc.Apply(event)
	if err != nil {
		out.Type = string(event.Type)
		out.Error = err.Error()
		return out
	}

	out.Type = record.EventType
	out.Subject = record.Subject
	out.Amount = record.Amount
	out.Payload = record.Payload
	for _, delta := range deltas {
		out.Deltas = append(out.Deltas, fmt.Sprintf("%v(%v)", delta.Kind, delta.Address))
	}
	return out
}
