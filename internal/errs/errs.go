// Package errs defines the gateway error taxonomy. Codes are part of
// the API compatibility contract: they are stable strings grouped by
// category and are never renamed without a breaking-version bump.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category groups error codes for routing and logging.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryPolicy        Category = "policy"
	CategoryRisk          Category = "risk"
	CategoryExecution     Category = "execution"
	CategoryMarketData    Category = "market_data"
	CategoryAuth          Category = "authentication"
	CategoryValidation    Category = "validation"
	CategoryRateLimit     Category = "rate_limit"
	CategoryInternal      Category = "internal"
)

// Stable error codes. Deterministic rejections (validation, policy,
// risk, rate-limit) are synchronous and never auto-retried.
const (
	CodeInvalidConfiguration = "CFG_001"
	CodeSignerNotConfigured  = "CFG_002"

	CodeChainNotAllowed    = "POL_101"
	CodeTokenNotAllowed    = "POL_102"
	CodeVenueNotAllowed    = "POL_103"
	CodeAddressNotAllowed  = "POL_104"
	CodeAmountExceedsLimit = "POL_105"

	CodePositionTooLarge  = "RISK_201"
	CodeDailyLossLimit    = "RISK_202"
	CodeMaxDrawdown       = "RISK_203"
	CodeNegativeSentiment = "RISK_204"
	CodeTradingHalted     = "RISK_205"

	CodeVenueRejected     = "EXEC_301"
	CodeRetriesExhausted  = "EXEC_302"
	CodeNonceConflict     = "EXEC_303"
	CodeBroadcastUnknown  = "EXEC_304"
	CodeProposalNotFound  = "EXEC_305"
	CodeProposalExpired   = "EXEC_306"
	CodeTokenInvalid      = "EXEC_307"
	CodeAlreadyExecuted   = "EXEC_308"
	CodeDuplicateInFlight = "EXEC_309"

	CodeStaleMarketData       = "MKT_401"
	CodeOutlierMarketData     = "MKT_402"
	CodeMarketDataUnavailable = "MKT_403"

	CodeAuthRequired = "AUTH_601"

	CodeInvalidRequest = "VAL_701"
	CodeInvalidAmount  = "VAL_702"
	CodeInvalidSymbol  = "VAL_703"

	CodeRateLimited = "RATE_801"

	CodeInternal          = "SYS_901"
	CodeAuditChainBroken  = "SYS_902"
	CodeBootSessionBroken = "SYS_903"
)

// Error is a coded gateway error. Every rejection surfaced to a caller
// names the specific rule or threshold behind it; there is no generic
// "denied".
type Error struct {
	Code     string                 `json:"code"`
	Category Category               `json:"category"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithData attaches structured detail.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// WithCause wraps an underlying error without exposing it in Code.
func (e *Error) WithCause(err error) *Error {
	e.cause = errors.WithStack(err)
	return e
}

// New creates a coded error.
func New(code string, category Category, format string, args ...interface{}) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

func Configuration(code, format string, args ...interface{}) *Error {
	return New(code, CategoryConfiguration, format, args...)
}

func Policy(code, format string, args ...interface{}) *Error {
	return New(code, CategoryPolicy, format, args...)
}

func Risk(code, format string, args ...interface{}) *Error {
	return New(code, CategoryRisk, format, args...)
}

func Execution(code, format string, args ...interface{}) *Error {
	return New(code, CategoryExecution, format, args...)
}

func MarketData(code, format string, args ...interface{}) *Error {
	return New(code, CategoryMarketData, format, args...)
}

func Validation(code, format string, args ...interface{}) *Error {
	return New(code, CategoryValidation, format, args...)
}

func RateLimit(format string, args ...interface{}) *Error {
	return New(CodeRateLimited, CategoryRateLimit, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return New(CodeInternal, CategoryInternal, format, args...)
}

// AsError extracts a coded error from err's chain. Anything else is
// classified as internal so callers always see a stable code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal("%v", err).WithCause(err)
}

// CodeOf returns the stable code for err, or SYS_901 for uncoded errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Code == code
}
