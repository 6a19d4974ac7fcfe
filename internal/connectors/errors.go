package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// NotFoundError — дашборд (или иной ресурс) не существует. Фатально для Aggregate.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// AuthError — бэкенд отверг учетные данные. Фатально для Aggregate.
type AuthError struct {
	Backend string
	Cause   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: credentials rejected (cause: %v)", e.Backend, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TimeoutError — задача не уложилась в свой таймаут.
type TimeoutError struct {
	After time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v (cause: %v)", e.After, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// BackendError — бэкенд ответил ошибкой.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return "backend error: " + e.Message
	}
	return fmt.Sprintf("backend error [%d]: %s", e.StatusCode, e.Message)
}

// ThrottleError — бэкенд ответил 429. RetryAfter берется из заголовка Retry-After (0, если его нет).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// MalformedDataError — ответ бэкенда не удалось разобрать в TimeSeries.
type MalformedDataError struct {
	Reason string
	Cause  error
}

func (e *MalformedDataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed response: %s: %v", e.Reason, e.Cause)
	}
	return "malformed response: " + e.Reason
}

func (e *MalformedDataError) Unwrap() error { return e.Cause }

// CancelledError — задача отменена жестким дедлайном вызывающего.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled (cause: %v)", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// IsFatal: ошибки, которые прерывают агрегацию целиком.
func IsFatal(err error) bool {
	var nf *NotFoundError
	var ae *AuthError
	return errors.As(err, &nf) || errors.As(err, &ae)
}

// IsTransient: ошибки, которые имеет смысл повторить.
func IsTransient(err error) bool {
	var te *TimeoutError
	var th *ThrottleError
	if errors.As(err, &te) || errors.As(err, &th) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.StatusCode == 0 || be.StatusCode >= 500 || be.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Classify приводит любую ошибку к ErrorInfo на границе с бэкендом.
func Classify(err error) *domain.ErrorInfo {
	if err == nil {
		return nil
	}
	var info *domain.ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	var (
		nf *NotFoundError
		ae *AuthError
		te *TimeoutError
		ce *CancelledError
		be *BackendError
		me *MalformedDataError
		th *ThrottleError
	)
	switch {
	case errors.As(err, &ce):
		return &domain.ErrorInfo{Kind: domain.ErrorKindCancelled, Message: err.Error()}
	case errors.As(err, &nf):
		return &domain.ErrorInfo{Kind: domain.ErrorKindNotFound, Message: err.Error(), StatusCode: http.StatusNotFound}
	case errors.As(err, &ae):
		return &domain.ErrorInfo{Kind: domain.ErrorKindAuth, Message: err.Error(), StatusCode: http.StatusUnauthorized}
	case errors.As(err, &te):
		return &domain.ErrorInfo{Kind: domain.ErrorKindTimeout, Message: err.Error()}
	case errors.As(err, &me):
		return &domain.ErrorInfo{Kind: domain.ErrorKindMalformed, Message: err.Error()}
	case errors.As(err, &th):
		return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: err.Error(), StatusCode: http.StatusTooManyRequests}
	case errors.As(err, &be):
		return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: be.Message, StatusCode: be.StatusCode}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.ErrorInfo{Kind: domain.ErrorKindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &domain.ErrorInfo{Kind: domain.ErrorKindCancelled, Message: err.Error()}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classifyGRPC(st)
	}
	return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: err.Error()}
}

func classifyGRPC(st *status.Status) *domain.ErrorInfo {
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &domain.ErrorInfo{Kind: domain.ErrorKindAuth, Message: st.Message(), StatusCode: http.StatusUnauthorized}
	case codes.DeadlineExceeded:
		return &domain.ErrorInfo{Kind: domain.ErrorKindTimeout, Message: st.Message()}
	case codes.Canceled:
		return &domain.ErrorInfo{Kind: domain.ErrorKindCancelled, Message: st.Message()}
	case codes.NotFound:
		return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: st.Message(), StatusCode: http.StatusNotFound}
	case codes.InvalidArgument:
		return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: st.Message(), StatusCode: http.StatusBadRequest}
	case codes.Unavailable:
		return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: st.Message(), StatusCode: http.StatusServiceUnavailable}
	default:
		return &domain.ErrorInfo{Kind: domain.ErrorKindBackend, Message: st.Message(), StatusCode: http.StatusInternalServerError}
	}
}
