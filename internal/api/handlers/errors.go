package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/weighprint/internal/core"
)

type ErrorResponse struct {
	Error   string        `json:"error"`
	Message string        `json:"message"`
	Job     *core.JobView `json:"job,omitempty"`
}

// respondError maps service errors onto status codes.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrJobNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrJobFinished):
		status, code = http.StatusConflict, "job_finished"
	case errors.Is(err, core.ErrRenderFailed):
		status, code = http.StatusBadGateway, "render_failed"
	case errors.Is(err, core.ErrDispatchFailed):
		status, code = http.StatusBadGateway, "dispatch_failed"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
