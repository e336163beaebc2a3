package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
)

// ErrorCategory is the closed failure taxonomy.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryPermanent ErrorCategory = "permanent"
	CategoryUser      ErrorCategory = "user_error"
	CategorySystem    ErrorCategory = "system_error"
)

// Error codes.
const (
	CodeRateLimited   = "RATE_LIMITED"
	CodeAuthFailed    = "AUTH_FAILED"
	CodeTimeout       = "TIMEOUT"
	CodeNetwork       = "NETWORK_ERROR"
	CodeSyncFailed    = "SYNC_FAILED"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeMaxIterations = "MAX_ITERATIONS"
	CodeNoSandbox     = "NO_ACTIVE_SANDBOX"
	CodeInternal      = "INTERNAL_ERROR"
)

var (
	ErrNoActiveSandbox   = errors.New("no active sandbox")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionNotFound   = domain.ErrSessionNotFound
	ErrMaxIterations     = errors.New("max iterations reached")
)

// WorkerError is the normalized shape every failure takes before it reaches
// the lifecycle managers or the retry layer.
type WorkerError struct {
	Category    ErrorCategory
	Code        string
	Message     string // internal
	UserMessage string // short, non-technical
	Retryable   bool
	Details     map[string]any
	Cause       error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// Payload renders the user-facing ERROR event body.
func (e *WorkerError) Payload(at time.Time) domain.ErrorPayload {
	return domain.ErrorPayload{
		Code:      e.Code,
		Message:   e.UserMessage,
		Category:  string(e.Category),
		Retryable: e.Retryable,
		Timestamp: at,
	}
}

// NewTransientError, NewPermanentError, NewUserError and NewSystemError build
// WorkerErrors with the category's default retryability.
func NewTransientError(code, message, userMessage string, cause error) *WorkerError {
	return &WorkerError{Category: CategoryTransient, Code: code, Message: message, UserMessage: userMessage, Retryable: true, Cause: cause}
}

func NewPermanentError(code, message, userMessage string, cause error) *WorkerError {
	return &WorkerError{Category: CategoryPermanent, Code: code, Message: message, UserMessage: userMessage, Cause: cause}
}

func NewUserError(code, message, userMessage string, cause error) *WorkerError {
	return &WorkerError{Category: CategoryUser, Code: code, Message: message, UserMessage: userMessage, Cause: cause}
}

func NewSystemError(code, message, userMessage string, cause error) *WorkerError {
	return &WorkerError{Category: CategorySystem, Code: code, Message: message, UserMessage: userMessage, Cause: cause}
}

// permanentError marks any error as not worth retrying.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so WithRetry aborts on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err may succeed on another attempt. Errors marked
// with Permanent, non-retryable WorkerErrors and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Retryable
	}
	return true
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify maps a raw failure into the taxonomy. Existing WorkerErrors pass through.
func Classify(err error) *WorkerError {
	if err == nil {
		return nil
	}
	var we *WorkerError
	if errors.As(err, &we) {
		return we
	}
	if errors.Is(err, ErrMaxIterations) {
		return NewPermanentError(CodeMaxIterations, err.Error(),
			"The agent ran out of steps before finishing. Try a simpler prompt.", err)
	}
	if errors.Is(err, ErrNoActiveSandbox) {
		return NewSystemError(CodeNoSandbox, err.Error(),
			"Something went wrong on our side. We have been notified.", err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429:
			return NewTransientError(CodeRateLimited, err.Error(),
				"The service is busy. Retrying shortly.", err)
		case status == 401 || status == 403:
			return NewPermanentError(CodeAuthFailed, err.Error(),
				"The worker could not authenticate with the AI provider.", err)
		case status >= 500:
			return NewTransientError(CodeNetwork, err.Error(),
				"A temporary network problem occurred. Retrying shortly.", err)
		case status == 400:
			return NewUserError(CodeInvalidInput, err.Error(),
				"The request could not be processed. Please rephrase your prompt.", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sandbox.ErrExecTimeout) {
		return NewPermanentError(CodeTimeout, err.Error(), "The operation took too long.", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewPermanentError(CodeTimeout, err.Error(), "The operation took too long.", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return NewTransientError(CodeRateLimited, err.Error(),
			"The service is busy. Retrying shortly.", err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "invalid api key"):
		return NewPermanentError(CodeAuthFailed, err.Error(),
			"The worker could not authenticate with the AI provider.", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return NewPermanentError(CodeTimeout, err.Error(), "The operation took too long.", err)
	case strings.Contains(msg, "network") || strings.Contains(msg, "econnrefused") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return NewTransientError(CodeNetwork, err.Error(),
			"A temporary network problem occurred. Retrying shortly.", err)
	case strings.Contains(msg, "quota"):
		return NewUserError(CodeQuotaExceeded, err.Error(),
			"Your project has run out of storage space.", err)
	}
	return NewSystemError(CodeInternal, err.Error(),
		"Something went wrong on our side. We have been notified.", err)
}

// Outcome is the explicit result of a best-effort side effect. Callers decide
// whether to log it; nothing is silently swallowed.
type Outcome struct {
	Op  string
	Err error
}

// OK reports whether the side effect succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// LogIfFailed writes a one-line warning when the side effect failed.
func (o Outcome) LogIfFailed(logger *log.Logger, component string) {
	if o.Err != nil && logger != nil {
		logger.Printf("%s: best-effort %s failed: %v", component, o.Op, o.Err)
	}
}

// EventSink appends session events.
type EventSink interface {
	AppendEvent(ctx context.Context, ev *domain.SessionEvent) error
}

// Emit appends a session event and reports the outcome.
func Emit(ctx context.Context, sink EventSink, sessionID string, payload domain.EventPayload) Outcome {
	ev := domain.NewSessionEvent(sessionID, payload, time.Now())
	return Outcome{Op: "emit " + string(payload.EventType()), Err: sink.AppendEvent(ctx, &ev)}
}

// ErrorHandler normalizes failures, records them as ERROR events and raises
// system errors to the operational log.
type ErrorHandler struct {
	events EventSink
	logger *log.Logger
	now    func() time.Time
}

// NewErrorHandler creates an ErrorHandler.
func NewErrorHandler(events EventSink, logger *log.Logger) *ErrorHandler {
	return &ErrorHandler{events: events, logger: logger, now: time.Now}
}

// HandleError classifies err, emits an ERROR event for the session and returns
// the normalized error for the caller to re-raise.
func (h *ErrorHandler) HandleError(ctx context.Context, sessionID string, err error) *WorkerError {
	we := Classify(err)
	if we == nil {
		return nil
	}
	ev := domain.NewSessionEvent(sessionID, we.Payload(h.now()), h.now())
	out := Outcome{Op: "emit ERROR", Err: h.events.AppendEvent(ctx, &ev)}
	out.LogIfFailed(h.logger, "ErrorHandler")

	if we.Category == CategorySystem {
		h.logger.Printf("ALERT: ErrorHandler: system error in session %s: %s (%s)", sessionID, we.Message, we.Code)
	} else {
		h.logger.Printf("ErrorHandler: session %s: %s", sessionID, we.Error())
	}
	return we
}
