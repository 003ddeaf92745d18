package errors

import "net/http"

var ErrMaxRetriesReached = &Exception{
	Kind:       KindRetryLimit,
	Message:    "max retries reached",
	StatusCode: http.StatusConflict,
}
