package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soyeahso/voxgate/internal/domain"
)

// Fixed error details returned to callers. Internal error text stays in the log.
const (
	DetailMalformedConfig = "Missing or malformed configuration object"
	DetailBadBotConfig    = "Failed to parse bot type or client info"
	DetailStartFailed     = "Failed to start subprocess or handle bot"
	DetailHostDenied      = "Host access denied"
	DetailUnauthorized    = "Unauthorized"
	DetailRateLimited     = "Too many requests"
	DetailNotFound        = "Not found"
	DetailBadWebhook      = "Invalid webhook payload"
	DetailBadSignature    = "Invalid webhook signature"
)

// Stable error codes for failures that carry no taxonomy kind.
const (
	CodeHostDenied   = "host_denied"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindValidation:   http.StatusUnprocessableEntity,
	domain.KindProvisioning: http.StatusBadGateway,
	domain.KindLaunch:       http.StatusInternalServerError,
	domain.KindConflict:     http.StatusConflict,
	domain.KindTimeout:      http.StatusGatewayTimeout,
	domain.KindNotFound:     http.StatusNotFound,
	domain.KindInternal:     http.StatusInternalServerError,
}

// statusFor maps a taxonomy kind to an HTTP status.
func statusFor(kind domain.ErrorKind) int {
	if st, ok := kindStatus[kind]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// errorWriter renders failures. In legacy mode every taxonomy failure is
// answered with 500; access-control and routing statuses are unaffected.
type errorWriter struct {
	legacy bool
}

// write sends detail with an explicit status.
func (ew errorWriter) write(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail, Code: code})
}

// kind writes a taxonomy failure with the kind's status.
func (ew errorWriter) kind(w http.ResponseWriter, kind domain.ErrorKind, detail string) {
	ew.kindStatus(w, kind, statusFor(kind), detail)
}

// kindStatus writes a taxonomy failure with an explicit status.
func (ew errorWriter) kindStatus(w http.ResponseWriter, kind domain.ErrorKind, status int, detail string) {
	if ew.legacy {
		status = http.StatusInternalServerError
	}
	ew.write(w, status, string(kind), detail)
}

// err writes err using its taxonomy kind. Context errors from the caller
// going away map to timeout.
func (ew errorWriter) err(w http.ResponseWriter, err error, detail string) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		kind = domain.KindTimeout
	}
	ew.kind(w, kind, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
