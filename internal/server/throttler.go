package server

import (
	"net/http"
	"sync"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/ratelimiter"
)

type (
	// Throttler admits a request when both its client limit and the global limit have room.
	// The client limit comes from the client's entry in "api.auth.clients" (falling back to
	// "api.auth.default_rps"), or from "api.rate_limit.per_client_rps" for unknown clients.
	// The global limit is "api.rate_limit.global_rps". Zero means unlimited.
	Throttler struct {
		global    *ratelimiter.RateLimiter
		perClient sync.Map
		newLimit  func() *ratelimiter.RateLimiter
	}

	// ClientIDFn extracts the id used to pick the per-client rate limiter of a request.
	ClientIDFn func(r *http.Request) string
)

func NewThrottler(cfg *config.ApiConfig) *Throttler {
	t := &Throttler{
		global: ratelimiter.New(cfg.RateLimit.GlobalRPS),
		newLimit: func() *ratelimiter.RateLimiter {
			return ratelimiter.New(cfg.RateLimit.PerClientRPS)
		},
	}

	for _, client := range cfg.Auth.Clients {
		rps := client.RPS
		if rps == 0 {
			rps = cfg.Auth.DefaultRPS
		}
		t.perClient.Store(client.ClientID, ratelimiter.New(rps))
	}
	return t
}

func (t *Throttler) Allow(clientID string) bool {
	// Both limiters consume a token, even when the first one already refused.
	clientAllowed := t.clientLimiter(clientID).Allow()
	globalAllowed := t.global.Allow()
	return clientAllowed && globalAllowed
}

// Middleware rejects requests with 429 once the caller or the whole API is over its limit.
func (t *Throttler) Middleware(clientID ClientIDFn) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.Allow(clientID(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (t *Throttler) clientLimiter(clientID string) *ratelimiter.RateLimiter {
	if limiter, ok := t.perClient.Load(clientID); ok {
		return limiter.(*ratelimiter.RateLimiter)
	}
	limiter, _ := t.perClient.LoadOrStore(clientID, t.newLimit())
	return limiter.(*ratelimiter.RateLimiter)
}
