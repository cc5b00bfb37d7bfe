package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/siteflow/siteflow/internal/apperr"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(apperr.KindValidation), message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:    http.StatusBadRequest,
	apperr.KindNotFound:      http.StatusNotFound,
	apperr.KindConflict:      http.StatusConflict,
	apperr.KindTransport:     http.StatusBadGateway,
	apperr.KindTimeout:       http.StatusGatewayTimeout,
	apperr.KindCommandFailed: http.StatusInternalServerError,
	apperr.KindIntegrity:     http.StatusInternalServerError,
	apperr.KindFatal:         http.StatusInternalServerError,
}

// writeAppError maps typed errors to HTTP responses. Context deadline
// errors become 504 even when the remote layer did not classify them.
func writeAppError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		WriteError(w, http.StatusGatewayTimeout, string(apperr.KindTimeout), err.Error())
		return
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status, ok := kindStatus[appErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		WriteError(w, status, string(appErr.Kind), appErr.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}
