package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leyvacars/similarity-api/internal/domain"
)

// retryAfterSeconds is advertised while the first index build runs
const retryAfterSeconds = "5"

// ErrorBody is the error payload
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse wraps every failed response
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// ToHTTPStatus maps a domain error to its status code
func ToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrServiceNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrImageFetch), errors.Is(err, domain.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrEmbedding):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrRefreshInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError aborts the request with the mapped status and the error body.
// Internal errors are not echoed to clients.
func writeError(c *gin.Context, err error) {
	status := ToHTTPStatus(err)
	kind := domain.ErrorKind(err)
	message := err.Error()

	switch {
	case errors.Is(err, domain.ErrRefreshInProgress):
		kind = "refresh_in_progress"
	case status == http.StatusInternalServerError:
		message = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		Success: false,
		Error:   ErrorBody{Kind: kind, Message: message},
	})
}
