package errors

import "net/http"

var ErrInvalidLimit = &Exception{
	Kind:       KindBadRequest,
	Message:    "invalid limit or offset",
	StatusCode: http.StatusBadRequest,
}
