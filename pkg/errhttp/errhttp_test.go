package errhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/resilience"
)

func TestWriteError_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"ValidationFailed", &resilience.CodedError{Code: catgaerr.ValidationFailed, Err: errors.New("bad input")}, http.StatusUnprocessableEntity},
		{"HandlerNotFound", &resilience.CodedError{Code: catgaerr.HandlerNotFound, Err: errors.New("no handler")}, http.StatusNotFound},
		{"HandlerAmbiguous", &resilience.CodedError{Code: catgaerr.HandlerAmbiguous, Err: errors.New("multiple handlers")}, http.StatusConflict},
		{"Timeout", &resilience.CodedError{Code: catgaerr.Timeout, Err: errors.New("deadline exceeded")}, http.StatusGatewayTimeout},
		{"Cancelled", &resilience.CodedError{Code: catgaerr.Cancelled, Err: errors.New("context cancelled")}, http.StatusRequestTimeout},
		{"CircuitOpen", &resilience.CodedError{Code: catgaerr.CircuitOpen, Err: errors.New("breaker open")}, http.StatusServiceUnavailable},
		{"Overloaded", &resilience.CodedError{Code: catgaerr.Overloaded, Err: errors.New("bulkhead full")}, http.StatusTooManyRequests},
		{"SerializationFailed", &resilience.CodedError{Code: catgaerr.SerializationFailed, Err: errors.New("bad payload")}, http.StatusBadRequest},
		{"ConcurrencyConflict", &resilience.CodedError{Code: catgaerr.ConcurrencyConflict, Err: errors.New("stale version")}, http.StatusConflict},
		{"LockFailed", &resilience.CodedError{Code: catgaerr.LockFailed, Err: errors.New("lock held")}, http.StatusConflict},
		{"NotLeader", &resilience.CodedError{Code: catgaerr.NotLeader, Err: errors.New("not leader")}, http.StatusServiceUnavailable},
		{"PersistenceFailed", &resilience.CodedError{Code: catgaerr.PersistenceFailed, Err: errors.New("db down")}, http.StatusInternalServerError},
		{
			"wrapped CodedError",
			fmt.Errorf("handling request: %w", &resilience.CodedError{Code: catgaerr.ValidationFailed, Err: errors.New("bad input")}),
			http.StatusUnprocessableEntity,
		},
		{"unknown error", errors.New("something unexpected"), http.StatusInternalServerError},
		{"generic wrapped error", fmt.Errorf("context: %w", errors.New("db down")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestWriteError_JSONBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &resilience.CodedError{Code: catgaerr.HandlerNotFound, Err: errors.New("no handler")})

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Fatal("response body missing 'error' key")
	}
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &resilience.CodedError{Code: catgaerr.HandlerNotFound, Err: errors.New("no handler")})

	ct := w.Header().Get("Content-Type")
	if ct == "" {
		t.Fatal("Content-Type header not set")
	}
}
