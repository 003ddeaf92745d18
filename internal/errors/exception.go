package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

type Kind string

const (
	KindPrecondition      Kind = "precondition"
	KindInvalidTransition Kind = "invalid_transition"
	KindRetryLimit        Kind = "retry_limit"
	KindValidation        Kind = "validation"
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindExecution         Kind = "execution"
	KindNotFound          Kind = "not_found"
	KindBadRequest        Kind = "bad_request"
	KindConflict          Kind = "conflict"
)

type Exception struct {
	Kind       Kind
	Message    string
	StatusCode int
	Details    []string
	Err        error
}

func (e *Exception) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Exception) Unwrap() error {
	return e.Err
}

func StatusCode(err error) int {
	var appErr *Exception
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// KindOf returns the kind of the outermost Exception in the chain.
func KindOf(err error) Kind {
	var appErr *Exception
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a remote call failing with err may be attempted again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, "":
		return true
	default:
		return false
	}
}

func Precondition(message string) error {
	return &Exception{Kind: KindPrecondition, Message: message, StatusCode: http.StatusPreconditionFailed}
}

func InvalidTransition(from, to constants.TaskStatus) error {
	return &Exception{
		Kind:       KindInvalidTransition,
		Message:    fmt.Sprintf("invalid task status transition: %s -> %s", from, to),
		StatusCode: http.StatusConflict,
	}
}

func Validation(message string, details ...string) error {
	return &Exception{Kind: KindValidation, Message: message, Details: details, StatusCode: http.StatusUnprocessableEntity}
}

func Network(message string, err error) error {
	return &Exception{Kind: KindNetwork, Message: message, Err: err, StatusCode: http.StatusBadGateway}
}

func Timeout(message string, err error) error {
	return &Exception{Kind: KindTimeout, Message: message, Err: err, StatusCode: http.StatusGatewayTimeout}
}

func Execution(message string, err error) error {
	return &Exception{Kind: KindExecution, Message: message, Err: err, StatusCode: http.StatusBadGateway}
}

func NotFound(message string) error {
	return &Exception{Kind: KindNotFound, Message: message, StatusCode: http.StatusNotFound}
}

func BadRequest(message string) error {
	return &Exception{Kind: KindBadRequest, Message: message, StatusCode: http.StatusBadRequest}
}
