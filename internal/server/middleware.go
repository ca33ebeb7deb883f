package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	statusRecorder struct {
		http.ResponseWriter
		status int
	}
)

const (
	requestIDHeader = "X-Request-Id"
	clientIDHeader  = "X-Client-Id"
	bearerPrefix    = "Bearer "
	unknownRoute    = "unknown"
)

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestMiddleware tags every request with an id, then records its outcome.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeName(r)
		scope := s.scope.Tagged(map[string]string{
			routeTag:  route,
			statusTag: strconv.Itoa(recorder.status),
		})
		scope.Counter(requestCounter).Inc(1)
		scope.Timer(latencyTimer).Record(time.Since(start))

		s.logger.Debug(
			"handler.request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", recorder.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// authenticated requires a known bearer token when auth clients are configured.
func (s *Server) authenticated(handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.authClients) == 0 {
			handler(w, r)
			return
		}

		if _, ok := s.authClient(r); !ok {
			s.handleError(w, r, errUnauthorized)
			return
		}

		handler(w, r)
	})
}

func (s *Server) authClient(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}

	client, ok := s.authClients[strings.TrimPrefix(header, bearerPrefix)]
	if !ok {
		return "", false
	}
	return client.ClientID, true
}

// clientID identifies the caller for rate limiting: the authenticated client,
// then the X-Client-Id header, then the remote host.
func (s *Server) clientID(r *http.Request) string {
	if clientID, ok := s.authClient(r); ok {
		return clientID
	}

	if clientID := r.Header.Get(clientIDHeader); clientID != "" {
		return clientID
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routeName(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unknownRoute
	}

	template, err := route.GetPathTemplate()
	if err != nil {
		return unknownRoute
	}
	return r.Method + " " + template
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
