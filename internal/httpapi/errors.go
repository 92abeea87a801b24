package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pushrelay/internal/collab/auth"
	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/model"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeError(c *gin.Context, status int, code, msg string, fields map[string]string) {
	c.JSON(status, gin.H{"error": errorBody{Code: code, Message: msg, Fields: fields}})
}

func badRequest(c *gin.Context, field, msg string) {
	ve := model.NewValidationError(field, msg)
	writeError(c, http.StatusBadRequest, "validation_failed", ve.Error(), ve.Fields)
}

// abort maps err to a response and stops the handler chain.
func (s *Server) abort(c *gin.Context, err error) {
	defer c.Abort()

	var (
		ve *model.ValidationError
		rl *ratelimit.Error
	)
	switch {
	case errors.As(err, &ve):
		writeError(c, http.StatusBadRequest, "validation_failed", ve.Error(), ve.Fields)
	case errors.Is(err, auth.ErrMissing), errors.Is(err, auth.ErrInvalid),
		errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrRevoked):
		writeError(c, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, auth.ErrForbidden):
		writeError(c, http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		writeError(c, http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, storage.ErrConflict):
		writeError(c, http.StatusConflict, "conflict", "already exists", nil)
	default:
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		writeError(c, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
