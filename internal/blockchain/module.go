package blockchain

import (
	"go.uber.org/fx"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/blockchain/jsonrpc"
	"github.com/coinbase/chainmirror/internal/blockchain/parser"
)

var Module = fx.Options(
	client.Module,
	endpoints.Module,
	jsonrpc.Module,
	parser.Module,
)
