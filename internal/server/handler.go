package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/services"
	"github.com/coinbase/chainmirror/internal/storage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/syncer"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	// Server exposes the mirror store and the sync status over HTTP.
	Server struct {
		config      *config.Config
		logger      *zap.Logger
		metaStorage metastorage.MetaStorage
		parser      parser.Parser
		syncer      syncer.Syncer
		throttler   *Throttler
		authClients map[string]*config.AuthClient
		validate    *validator.Validate
		scope       tally.Scope
		router      *mux.Router
	}

	ServerParams struct {
		fx.In
		fxparams.Params
		MetaStorage metastorage.MetaStorage
		Parser      parser.Parser
		Syncer      syncer.Syncer
	}

	RegisterParams struct {
		fx.In
		fxparams.Params
		Manager services.SystemManager
		Server  *Server
	}
)

const (
	requestCounter = "request"
	errorCounter   = "error"
	latencyTimer   = "latency"
	routeTag       = "route"
	statusTag      = "status"

	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

var (
	errUnauthorized = xerrors.New("unauthorized")
	errRateLimited  = xerrors.New("rate limit exceeded")
)

func NewServer(params ServerParams) *Server {
	s := &Server{
		config:      params.Config,
		logger:      log.WithPackage(params.Logger),
		metaStorage: params.MetaStorage,
		parser:      params.Parser,
		syncer:      params.Syncer,
		throttler:   NewThrottler(&params.Config.Api),
		authClients: params.Config.Api.Auth.AsMap(),
		validate:    validator.New(),
		scope:       params.Metrics.SubScope("server"),
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestMiddleware, s.throttler.Middleware(s.clientID))

	r.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)

	r.HandleFunc("/users", s.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{address}", s.getUser).Methods(http.MethodGet)
	r.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/summary", s.getEventsSummary).Methods(http.MethodGet)
	r.HandleFunc("/events/user/{address}", s.listEventsByUser).Methods(http.MethodGet)
	r.HandleFunc("/packages", s.listPackages).Methods(http.MethodGet)

	r.Handle("/users", s.authenticated(s.upsertUser)).Methods(http.MethodPost)
	r.Handle("/events", s.authenticated(s.appendEvent)).Methods(http.MethodPost)
	r.Handle("/packages", s.authenticated(s.upsertPackage)).Methods(http.MethodPost)
	r.Handle("/hard-refresh", s.authenticated(s.hardRefresh)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Register serves the API on the configured bind address until the service context is canceled.
// A listener failure restarts the server.
func Register(params RegisterParams) {
	manager := params.Manager
	cfg := params.Config.Server

	grace := cfg.ShutdownTimeout
	if grace <= 0 {
		grace = defaultShutdownTimeout
	}

	params.Server.logger.Info(
		"registering server",
		zap.String("namespace", params.Config.Namespace()),
		zap.String("env", string(params.Config.Env())),
		zap.String("chain", params.Config.Blockchain()+"-"+params.Config.Network()),
		zap.String("bind_address", cfg.BindAddress),
	)

	manager.ServiceWaitGroup().Add(1)
	go func() {
		defer manager.ServiceWaitGroup().Done()
		services.Daemonize(manager, func(ctx context.Context) (services.ShutdownFunction, chan error) {
			return params.Server.listen(ctx, cfg.BindAddress, grace)
		}, "http")
	}()
}

// listen serves in the background. The returned function drains in-flight requests for up to grace.
func (s *Server) listen(ctx context.Context, addr string, grace time.Duration) (services.ShutdownFunction, chan error) {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	failed := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.logger.Info("listening", zap.String("addr", addr))
		if err := hs.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to serve", zap.Error(err))
			failed <- err
		}
	}()

	return func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		err := hs.Shutdown(ctx)
		<-stopped
		s.logger.Info("stopped server")
		return err
	}, failed
}

// mapError translates an error into an HTTP status code and a description.
func (s *Server) mapError(err error) (int, string) {
	switch {
	case xerrors.Is(err, storage.ErrItemNotFound):
		return http.StatusNotFound, "not found"
	case xerrors.Is(err, storage.ErrInvalidArgument), xerrors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case xerrors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case xerrors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case xerrors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "context canceled"
	case xerrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "context deadline exceeded"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// handleError writes the error response and records it.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code, description := s.mapError(err)
	route := routeName(r)

	s.scope.Tagged(map[string]string{
		routeTag:  route,
		statusTag: http.StatusText(code),
	}).Counter(errorCounter).Inc(1)

	logFn := s.logger.Warn
	if code >= http.StatusInternalServerError {
		logFn = s.logger.Error
	}
	logFn(
		"server.error",
		zap.String("route", route),
		zap.String("method", r.Method),
		zap.Int("status", code),
		zap.String("description", description),
		zap.Error(err),
	)

	writeError(w, code, description)
}
