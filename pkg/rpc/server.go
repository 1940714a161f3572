// Package rpc implements the JSON-RPC 2.0 server for tern.
//
// The server lets clients submit program images, execute them, and
// inspect recorded runs.
//
// Supported methods:
//   - Program: submitProgram, getProgram, listPrograms, deleteProgram, disassembleProgram
//   - Execution: executeProgram, runProgram
//   - Run history: getRun, listRuns, getSteps, deleteRun
//   - Service: getHealth, getVersion, getStats
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ternvm/tern/pkg/runner"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	// Program images travel in request bodies, so this is generous.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8650",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 32 * 1024 * 1024,
		EnableCORS:     true,
		LogRequests:    false,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config

	// Dependencies
	images    *store.Store
	traces    *trace.Store
	runConfig runner.Config

	// State
	healthy  bool
	healthMu sync.RWMutex

	// HTTP server
	server *http.Server

	// Method handlers
	handlers map[string]handlerFunc

	// Lifecycle
	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server. runConfig is the base execution
// configuration; per-request options override it run by run.
func New(config Config, images *store.Store, traces *trace.Store, runConfig runner.Config) *Server {
	s := &Server{
		config:    config,
		images:    images,
		traces:    traces,
		runConfig: runConfig,
		healthy:   true,
		handlers:  make(map[string]handlerFunc),
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Program methods
	s.handlers["submitProgram"] = s.submitProgram
	s.handlers["getProgram"] = s.getProgram
	s.handlers["listPrograms"] = s.listPrograms
	s.handlers["deleteProgram"] = s.deleteProgram
	s.handlers["disassembleProgram"] = s.disassembleProgram

	// Execution methods
	s.handlers["executeProgram"] = s.executeProgram
	s.handlers["runProgram"] = s.runProgram

	// Run history methods
	s.handlers["getRun"] = s.getRun
	s.handlers["listRuns"] = s.listRuns
	s.handlers["getSteps"] = s.getSteps
	s.handlers["deleteRun"] = s.deleteRun

	// Service methods
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["getStats"] = s.getStats
}

// Start starts the RPC server and blocks until ctx is canceled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)

	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if s.config.LogRequests {
		log.Printf("[RPC] Server starting on %s", s.config.Addr)
	}

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetHealthy sets the server health status.
func (s *Server) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if req.JSONRPC != JSONRPCVersion {
		s.writeError(w, req.ID, ErrInvalidRequest)
		return
	}

	if s.config.LogRequests {
		log.Printf("[RPC] %s id=%v", req.Method, req.ID)
	}

	result, rpcErr := s.dispatch(req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(requests) == 0 {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		if req.JSONRPC != JSONRPCVersion {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Error:   ErrInvalidRequest,
			}
			continue
		}

		result, rpcErr := s.dispatch(req.Method, req.Params)
		if rpcErr != nil {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Error:   rpcErr,
			}
		} else {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Result:  result,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}
	return handler(params)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, err *RPCError) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
