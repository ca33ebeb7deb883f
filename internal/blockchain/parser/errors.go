package parser

import (
	"golang.org/x/xerrors"
)

var (
	// ErrUnknownEvent means the log does not carry a signature of the contract ABI.
	ErrUnknownEvent = xerrors.New("unknown event")
	// ErrDecode means the signature is known but the log could not be decoded.
	ErrDecode = xerrors.New("failed to decode event")
)
