package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// tern-specific error codes.
const (
	// ProgramNotFound indicates no stored program has the requested ID.
	ProgramNotFound = -32001

	// RunNotFound indicates no recorded run has the requested ID.
	RunNotFound = -32002

	// InvalidProgram indicates the submitted bytes are not a valid program image.
	InvalidProgram = -32003

	// ExecutionFailed indicates the run could not be started or recorded.
	ExecutionFailed = -32004

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// TraceNotAvailable indicates the trace store is not configured.
	TraceNotAvailable = -32006
)

// Common error values.
var (
	ErrParseError        = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest    = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound    = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams     = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError     = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy     = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrTraceNotAvailable = NewRPCError(TraceNotAvailable, "Trace store not available on this node")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerError creates an internal server error with a custom message.
func InternalServerError(msg string) *RPCError {
	return NewRPCError(InternalError, msg)
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ProgramNotFoundError creates an error for a missing program.
func ProgramNotFoundError(id string) *RPCError {
	return NewRPCErrorWithData(ProgramNotFound,
		fmt.Sprintf("Program %s not found", id),
		map[string]string{"id": id})
}

// RunNotFoundError creates an error for a missing run record.
func RunNotFoundError(id string) *RPCError {
	return NewRPCErrorWithData(RunNotFound,
		fmt.Sprintf("Run %s not found", id),
		map[string]string{"id": id})
}

// InvalidProgramError creates an error for rejected program bytes.
func InvalidProgramError(reason string) *RPCError {
	return NewRPCError(InvalidProgram, fmt.Sprintf("Invalid program: %s", reason))
}

// ExecutionFailedError creates an error for a run the host could not complete.
func ExecutionFailedError(reason string) *RPCError {
	return NewRPCError(ExecutionFailed, fmt.Sprintf("Execution failed: %s", reason))
}
