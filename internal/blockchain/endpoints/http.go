package endpoints

import (
	"net/http"
	"time"
)

// headerTransport sets the static headers of an endpoint group, e.g. a provider API key.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

const defaultTimeout = 120 * time.Second

func newHTTPClient(timeout time.Duration, headers map[string]string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Zero enables HTTP/2, see https://github.com/golang/go/issues/14391.
	transport.ExpectContinueTimeout = 0

	var rt http.RoundTripper = transport
	if len(headers) > 0 {
		rt = &headerTransport{base: transport, headers: headers}
	}
	return &http.Client{Timeout: timeout, Transport: rt}, nil
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	for key, val := range t.headers {
		req.Header.Set(key, val)
	}
	return t.base.RoundTrip(req)
}
