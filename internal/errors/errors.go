// Package errors provides the categorized error taxonomy for the lending client.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/defi-lever/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents caller input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents upstream protocol/RPC errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryPlan represents plan-construction errors raised before any
	// network mutation
	CategoryPlan ErrorCategory = "plan"
	// CategoryExecution represents simulation or execution failures
	CategoryExecution ErrorCategory = "execution"
)

// Error codes surfaced to callers
const (
	CodeNotInitialized         = "NOT_INITIALIZED"
	CodeUnknownAsset           = "UNKNOWN_ASSET"
	CodeUnknownReserve         = "UNKNOWN_RESERVE"
	CodeNoObligation           = "NO_OBLIGATION"
	CodeNoRoute                = "NO_ROUTE"
	CodeInsufficientCollateral = "INSUFFICIENT_COLLATERAL"
	CodeSimulationFailed       = "SIMULATION_FAILED"
	CodeExecutionFailed        = "EXECUTION_FAILED"
	CodeInvalidParameter       = "INVALID_PARAMETER"
	CodeInternal               = "INTERNAL_ERROR"
	CodeProvider               = "PROVIDER_ERROR"
	CodeCache                  = "CACHE_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewNotInitializedError indicates the client has not been initialized with a
// transport and identity
func NewNotInitializedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusConflict,
		Code:       CodeNotInitialized,
		Message:    "client is not initialized",
	}
}

// NewUnknownAssetError indicates an asset symbol or id could not be resolved
func NewUnknownAssetError(asset string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeUnknownAsset,
		Message:    fmt.Sprintf("unknown asset: %s", asset),
		Details: map[string]interface{}{
			"asset": asset,
		},
	}
}

// NewUnknownReserveError indicates an asset id does not map to a market reserve
func NewUnknownReserveError(market types.MarketID, assetID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeUnknownReserve,
		Message:    fmt.Sprintf("no reserve for asset %s in market %s", assetID, market),
		Details: map[string]interface{}{
			"market":  string(market),
			"assetId": assetID,
		},
	}
}

// NewNoObligationError indicates the operation requires an existing position
// and none exists
func NewNoObligationError(market types.MarketID, owner string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNoObligation,
		Message:    fmt.Sprintf("no obligation for %s in market %s", owner, market),
		Details: map[string]interface{}{
			"market": string(market),
			"owner":  owner,
		},
	}
}

// NewNoRouteError indicates no swap route exists between two assets
func NewNoRouteError(assetIn, assetOut string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPlan,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNoRoute,
		Message:    fmt.Sprintf("no swap route from %s to %s", assetIn, assetOut),
		Details: map[string]interface{}{
			"assetIn":  assetIn,
			"assetOut": assetOut,
		},
	}
}

// NewInsufficientCollateralError indicates the position cannot cover the
// flash-loan repayment and is not safely closable this way
func NewInsufficientCollateralError(message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPlan,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientCollateral,
		Message:    message,
		Details:    details,
	}
}

// NewSimulationFailedError surfaces a dry-run failure reason verbatim
func NewSimulationFailedError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExecution,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeSimulationFailed,
		Message:    reason,
	}
}

// NewExecutionFailedError indicates submission of a plan failed
func NewExecutionFailedError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExecution,
		StatusCode: http.StatusBadGateway,
		Code:       CodeExecutionFailed,
		Message:    "execution failed",
		Cause:      cause,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewProviderError creates an upstream protocol/RPC error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProvider,
		Message:    fmt.Sprintf("provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewCacheError creates a cache error. Cache errors are advisory: read paths
// degrade to fallbacks instead of aborting.
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCache,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// IsCode reports whether the error carries the given code
func IsCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryCache:
		return true
	default:
		return false
	}
}
