package client

import (
	"errors"

	"github.com/ternvm/tern/pkg/rpc"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when no RPC endpoints are available.
	ErrNoEndpoints = errors.New("no RPC endpoints available")

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("endpoint pool is closed")

	// ErrUnhealthy is returned when the node reports an unexpected
	// health payload.
	ErrUnhealthy = errors.New("node is unhealthy")
)

// RPCErrorCode extracts the JSON-RPC error code from err.
// Returns false if err does not carry a server error response.
func RPCErrorCode(err error) (int, bool) {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}

// IsProgramNotFound returns true if the error indicates a missing
// stored program.
func IsProgramNotFound(err error) bool {
	code, ok := RPCErrorCode(err)
	return ok && code == rpc.ProgramNotFound
}

// IsRunNotFound returns true if the error indicates a missing run
// record.
func IsRunNotFound(err error) bool {
	code, ok := RPCErrorCode(err)
	return ok && code == rpc.RunNotFound
}

// IsNotFound returns true if the error indicates a missing program or
// run.
func IsNotFound(err error) bool {
	return IsProgramNotFound(err) || IsRunNotFound(err)
}

// IsRetryable returns true if the error is likely transient and worth
// retrying on another attempt or endpoint.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Server error responses are authoritative
	if _, ok := RPCErrorCode(err); ok {
		return false
	}

	// Don't retry against a closed pool
	if errors.Is(err, ErrPoolClosed) {
		return false
	}

	// Most other errors are potentially retryable
	return true
}
