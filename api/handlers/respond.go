package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vionex/impact/api/handlers/dberror"
	"github.com/vionex/impact/api/metrics"
	"github.com/vionex/impact/impact/pkg/coordinator"
	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/lifecycle"
	"github.com/vionex/impact/impact/pkg/store"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps an error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrAlreadyClosed):
		return http.StatusConflict, "already_closed"
	case errors.Is(err, lifecycle.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, coordinator.ErrCounterUninitialized):
		return http.StatusServiceUnavailable, "counter_uninitialized"
	case errors.Is(err, coordinator.ErrLedgerContention):
		return http.StatusServiceUnavailable, "ledger_contention"
	case errors.Is(err, coordinator.ErrLedgerUnreachable):
		return http.StatusBadGateway, "ledger_unreachable"
	case errors.Is(err, coordinator.ErrLedgerRejected):
		return http.StatusBadGateway, "ledger_rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case dberror.IsTransient(err):
		return http.StatusServiceUnavailable, "database_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	metrics.HandlerErrorsTotal.WithLabelValues(code).Inc()

	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		a.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "An unexpected error occurred. Please try again."
	case code == "database_unavailable":
		a.log.Warn("api: database unavailable", "path", r.URL.Path, "error", err)
		msg = dberror.UserMessage(err)
	default:
		a.log.Debug("api: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if code == "ledger_contention" {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
