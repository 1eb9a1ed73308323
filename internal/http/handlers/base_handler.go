// README: Base handler utilities (JSON helpers, request parsing, error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

type errorResponse struct {
	Error   string   `json:"error"`
	State   string   `json:"state,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// isValidID accepts the uuid ids we generate and opaque provider ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 500 {
		writeError(c, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return nil, false
	}
	return &t, true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeAppError maps the service error taxonomy onto HTTP statuses.
func writeAppError(c *gin.Context, err error) {
	_ = c.Error(err)
	var missing *apperr.MissingDocumentsError
	switch {
	case errors.Is(err, apperr.ErrCapturedPendingFollowUp):
		writeJSON(c, http.StatusAccepted, errorResponse{Error: err.Error(), State: "captured_pending_follow_up"})
	case errors.As(err, &missing):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: apperr.ErrDocumentsIncomplete.Error(), Missing: missing.Missing})
	case errors.Is(err, apperr.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrPermissionDenied):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInviteUsed):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrInviteExpired):
		writeError(c, http.StatusGone, err.Error())
	case errors.Is(err, apperr.ErrDriverNotReady), errors.Is(err, apperr.ErrNotVerified), errors.Is(err, apperr.ErrDocumentsIncomplete):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		if ge, ok := apperr.AsGateway(err); ok {
			status := http.StatusPaymentRequired
			if ge.Retryable {
				status = http.StatusBadGateway
			}
			writeError(c, status, ge.Error())
			return
		}
		if errors.Is(err, apperr.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			writeError(c, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
