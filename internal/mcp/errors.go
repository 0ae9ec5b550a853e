// Package mcp implements the Model Context Protocol (MCP) server for heuristic-mcp.
package mcp

import (
	"context"
	"errors"
	"fmt"

	eerrors "github.com/softerist/heuristic-mcp-sub001/internal/errors"
)

// Custom MCP error codes for heuristic-mcp.
const (
	// ErrCodeIndexNotFound indicates no index exists for the workspace.
	ErrCodeIndexNotFound = -32001

	// ErrCodeEmbeddingFailed indicates embedding generation failed.
	ErrCodeEmbeddingFailed = -32002

	// ErrCodeTimeout indicates the request timed out or was cancelled.
	ErrCodeTimeout = -32003

	// ErrCodeFileNotFound indicates a file no longer exists on disk.
	ErrCodeFileNotFound = -32004

	// ErrCodeFileTooLarge indicates a file is too large to process.
	ErrCodeFileTooLarge = -32005

	// ErrCodeBusy indicates the engine refused the request because a
	// conflicting operation (indexing, saving) is already in progress.
	ErrCodeBusy = -32006

	// ErrCodeWorkspaceLocked indicates another process already owns the
	// workspace's cache directory.
	ErrCodeWorkspaceLocked = -32007

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Sentinel errors for internal use.
var (
	// ErrIndexNotFound indicates no index exists for the workspace.
	ErrIndexNotFound = errors.New("index not found")

	// ErrEmbeddingFailed indicates embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrFileTooLarge indicates a file is too large to process.
	ErrFileTooLarge = errors.New("file too large")

	// ErrToolNotFound indicates the requested tool does not exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidParams indicates invalid parameters were provided.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrResourceNotFound indicates the requested resource does not exist.
	ErrResourceNotFound = errors.New("resource not found")
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors. It maps the engine's
// EngineError kinds (internal/errors) to MCP error codes and human-readable
// messages; a handler should never leak a raw Go error across the tool
// boundary.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var ee *eerrors.EngineError
	if errors.As(err, &ee) {
		return mapEngineError(ee)
	}

	switch {
	case errors.Is(err, ErrIndexNotFound):
		return &MCPError{
			Code:    ErrCodeIndexNotFound,
			Message: "Index not found. Run b_index_codebase first.",
		}
	case errors.Is(err, ErrEmbeddingFailed):
		return &MCPError{
			Code:    ErrCodeEmbeddingFailed,
			Message: "Embedding generation failed.",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{
			Code:    ErrCodeTimeout,
			Message: "Request timed out.",
		}
	case errors.Is(err, context.Canceled):
		return &MCPError{
			Code:    ErrCodeTimeout,
			Message: "Request was canceled.",
		}
	case errors.Is(err, ErrFileTooLarge):
		return &MCPError{
			Code:    ErrCodeFileTooLarge,
			Message: "File is too large to process.",
		}
	case errors.Is(err, ErrToolNotFound):
		return &MCPError{
			Code:    ErrCodeMethodNotFound,
			Message: "Tool not found.",
		}
	case errors.Is(err, ErrInvalidParams):
		return &MCPError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid parameters.",
		}
	case errors.Is(err, ErrResourceNotFound):
		return &MCPError{
			Code:    ErrCodeMethodNotFound,
			Message: "Resource not found.",
		}
	default:
		return &MCPError{
			Code:    ErrCodeInternalError,
			Message: "Internal server error.",
		}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{
		Code:    ErrCodeInvalidParams,
		Message: msg,
	}
}

// NewMethodNotFoundError creates an error for unknown methods/tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

// NewResourceNotFoundError creates an error for unknown resources.
func NewResourceNotFoundError(uri string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Resource '%s' not found.", uri),
	}
}

// mapEngineError converts an *eerrors.EngineError to an MCPError, one case
// per error kind.
func mapEngineError(ee *eerrors.EngineError) *MCPError {
	message := ee.Message
	if ee.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ee.Message, ee.Suggestion)
	}

	switch ee.Kind {
	case eerrors.WorkspaceLocked:
		return &MCPError{Code: ErrCodeWorkspaceLocked, Message: message}
	case eerrors.IndexInProgress, eerrors.SaveInProgress:
		return &MCPError{Code: ErrCodeBusy, Message: message}
	case eerrors.CacheCorrupt, eerrors.CacheVersionMismatch, eerrors.ModelMismatch, eerrors.DimensionMismatch:
		return &MCPError{Code: ErrCodeIndexNotFound, Message: message}
	case eerrors.ModelLoadFailed, eerrors.ChildCrashed, eerrors.BatchTimeout:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: message}
	case eerrors.FileTooLarge:
		return &MCPError{Code: ErrCodeFileTooLarge, Message: message}
	case eerrors.FileReadError:
		return &MCPError{Code: ErrCodeFileNotFound, Message: message}
	case eerrors.Cancelled:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	case eerrors.AnnUnavailable:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	case eerrors.ConfigInvalid, eerrors.InvalidEncoding:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	default: // WatcherError, Internal, and anything unrecognized
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
