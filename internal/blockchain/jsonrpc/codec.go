package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/utils/retry"
)

type (
	Request struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
		ID      uint   `json:"id"`
	}

	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
		ID      uint            `json:"id"`
	}

	// RPCError is the error object of a JSON-RPC response.
	RPCError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}

	// HTTPError is a non-200 status whose body carries no JSON-RPC error.
	HTTPError struct {
		Code     int
		Response string
	}

	RequestMethod struct {
		Name    string
		Timeout time.Duration
	}

	Params []any
)

const version = "2.0"

var (
	emptyObject = []byte("{}")
	null        = []byte("null")
)

func newRequest(method *RequestMethod, params Params, id int) *Request {
	return &Request{
		JSONRPC: version,
		Method:  method.Name,
		Params:  params,
		ID:      uint(id),
	}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPCError %v: %v", e.Code, e.Message)
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTPError %v: %v", e.Code, e.Response)
}

func (r *Response) Unmarshal(out any) error {
	return json.Unmarshal(r.Result, out)
}

// IsNullOrEmpty reports whether a result is missing, null or an empty object.
func IsNullOrEmpty(r json.RawMessage) bool {
	return len(r) == 0 || bytes.Equal(r, emptyObject) || bytes.Equal(r, null)
}

// sortBatch indexes a batch reply by request id, since nodes may answer out of order.
// A null result is retryable: load-balanced nodes occasionally trail each other by a block.
func sortBatch(replies []Response, size int, allowRPCError bool) ([]*Response, error) {
	if len(replies) != size {
		return nil, xerrors.Errorf("received wrong number of responses (want=%v, got=%v)", size, len(replies))
	}

	sorted := make([]*Response, size)
	for i := range replies {
		reply := &replies[i]
		id := int(reply.ID)
		switch {
		case id >= size:
			return nil, xerrors.Errorf("received unexpected response id %v", id)
		case sorted[id] != nil:
			return nil, xerrors.Errorf("received duplicate response id %v", id)
		case reply.Error != nil && !allowRPCError:
			return nil, xerrors.Errorf("received rpc error: %w", reply.Error)
		case reply.Error == nil && IsNullOrEmpty(reply.Result):
			return nil, retry.Retryable(xerrors.Errorf("received a null response (id=%v, response=%v)", id, string(reply.Result)))
		}
		sorted[id] = reply
	}
	return sorted, nil
}
