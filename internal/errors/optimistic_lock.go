package errors

import "net/http"

// ErrOptimisticLock is returned when a conditional status update matched no row.
var ErrOptimisticLock = &Exception{
	Kind:       KindConflict,
	Message:    "task status changed concurrently",
	StatusCode: http.StatusConflict,
}
