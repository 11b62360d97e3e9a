// Package errhttp maps catga's result/error taxonomy to HTTP status codes.
// Add a case to mapCodeToStatus for each new catgaerr.Code.
package errhttp

import (
	"errors"
	"net/http"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/httpx"
	"github.com/catgadev/catga/pkg/resilience"
)

// WriteError maps err to an HTTP status code and writes a JSON error response.
// If err carries a catgaerr.Code (directly, or wrapped in a
// resilience.CodedError), that code drives the mapping; otherwise it defaults
// to 500 Internal Server Error.
func WriteError(w http.ResponseWriter, err error) {
	httpx.JSONError(w, statusFor(err), err.Error())
}

// statusFor extracts the catgaerr.Code carried by err, if any, and maps it to
// an HTTP status. Unwraps resilience.CodedError the same way callers extract
// codes elsewhere (see pkg/flow/store.go's errConcurrencyConflict).
func statusFor(err error) int {
	var coded *resilience.CodedError
	if errors.As(err, &coded) {
		return mapCodeToStatus(coded.Code)
	}

	var withCode interface{ Code() catgaerr.Code }
	if errors.As(err, &withCode) {
		return mapCodeToStatus(withCode.Code())
	}

	return http.StatusInternalServerError
}

func mapCodeToStatus(code catgaerr.Code) int {
	switch code {
	case catgaerr.ValidationFailed:
		return http.StatusUnprocessableEntity // 422
	case catgaerr.HandlerNotFound:
		return http.StatusNotFound // 404
	case catgaerr.HandlerAmbiguous:
		return http.StatusConflict // 409
	case catgaerr.HandlerFailed, catgaerr.PartialEventFailure, catgaerr.PipelineFailed:
		return http.StatusInternalServerError // 500
	case catgaerr.Timeout:
		return http.StatusGatewayTimeout // 504
	case catgaerr.Cancelled:
		return http.StatusRequestTimeout // 408
	case catgaerr.CircuitOpen:
		return http.StatusServiceUnavailable // 503
	case catgaerr.Overloaded:
		return http.StatusTooManyRequests // 429
	case catgaerr.SerializationFailed:
		return http.StatusBadRequest // 400
	case catgaerr.PersistenceFailed, catgaerr.TransportFailed:
		return http.StatusInternalServerError // 500
	case catgaerr.LockFailed, catgaerr.ConcurrencyConflict:
		return http.StatusConflict // 409
	case catgaerr.NotLeader:
		return http.StatusServiceUnavailable // 503
	case catgaerr.ClockRegression:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}
