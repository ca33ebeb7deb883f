package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/utils/finalizer"
	"github.com/coinbase/chainmirror/internal/utils/retry"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// exchange posts payload to a single endpoint and decodes the reply into out.
type exchange struct {
	endpoint *endpoints.Endpoint
	client   HTTPClient
	timeout  time.Duration
}

func (x *exchange) do(ctx context.Context, payload any, out any) error {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	req, err := x.newRequest(ctx, payload)
	if err != nil {
		return err
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return retry.Retryable(xerrors.Errorf("failed to send http request: %w", withoutURL(err)))
	}
	closer := finalizer.WithCloser(resp.Body)
	defer closer.Finalize()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Retryable(xerrors.Errorf("failed to read http response: %w", err))
	}
	if err := decodeBody(resp.StatusCode, body, out); err != nil {
		return err
	}
	return closer.Close()
}

func (x *exchange) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal request: %w", err)
	}

	cfg := x.endpoint.Config
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Url, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Errorf("failed to create request: %w", withoutURL(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cfg.User != "" && cfg.Password != "" {
		req.SetBasicAuth(cfg.User, cfg.Password)
	}
	return req, nil
}

// decodeBody classifies the reply: 429 is rate limited, 5xx and undecodable bodies are retryable.
// On other non-200 statuses out is still filled when the node sent a JSON-RPC error.
func decodeBody(status int, body []byte, out any) error {
	if status == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			// Public BSC nodes sometimes answer with an HTML error page or a truncated body.
			return retry.Retryable(xerrors.Errorf("failed to decode response %v: %w", string(body), err))
		}
		return nil
	}

	_ = json.Unmarshal(body, out)
	err := xerrors.Errorf("received http error: %w", &HTTPError{Code: status, Response: string(body)})
	switch {
	case status == http.StatusTooManyRequests:
		return retry.RateLimit(err)
	case status >= http.StatusInternalServerError:
		return retry.Retryable(err)
	default:
		return err
	}
}

// withoutURL unwraps transport errors, whose message would otherwise include a node url with its API key.
func withoutURL(err error) error {
	var urlErr *url.Error
	if xerrors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
