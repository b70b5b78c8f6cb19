package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/roach88/stepflow/internal/compiler"
	"github.com/roach88/stepflow/internal/workflow"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code       string                     `json:"code"`
	Message    string                     `json:"message"`
	InstanceID string                     `json:"instance_id,omitempty"`
	StepID     string                     `json:"step_id,omitempty"`
	Findings   []compiler.ValidationError `json:"findings,omitempty"`
}

// validationFailed carries compiler findings to the error handler.
type validationFailed struct {
	findings []compiler.ValidationError
}

func (e *validationFailed) Error() string {
	return "definition validation failed"
}

// statusFor maps an error code to an HTTP status.
func statusFor(code workflow.ErrorCode) int {
	switch code {
	case workflow.ErrCodeNotFound:
		return http.StatusNotFound
	case workflow.ErrCodeValidation, workflow.ErrCodeUnroutableDecision:
		return http.StatusUnprocessableEntity
	case workflow.ErrCodeStaleResume, workflow.ErrCodeConcurrentModification, workflow.ErrCodeInvalidTransition:
		return http.StatusConflict
	case workflow.ErrCodeExternalCall, workflow.ErrCodeNotificationDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := describe(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error("write error response", "error", err)
		}
	}
}

func describe(err error) (int, ErrorResponse) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg, ok := httpErr.Message.(string)
		if !ok {
			msg = http.StatusText(httpErr.Code)
		}
		code := strings.ToUpper(strings.ReplaceAll(http.StatusText(httpErr.Code), " ", "_"))
		return httpErr.Code, ErrorResponse{Code: code, Message: msg}
	}

	var vf *validationFailed
	if errors.As(err, &vf) {
		return http.StatusUnprocessableEntity, ErrorResponse{
			Code:     string(workflow.ErrCodeValidation),
			Message:  vf.Error(),
			Findings: vf.findings,
		}
	}

	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return http.StatusUnprocessableEntity, ErrorResponse{
			Code:    string(workflow.ErrCodeValidation),
			Message: compileErr.Error(),
		}
	}

	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		return statusFor(wfErr.Code), ErrorResponse{
			Code:       string(wfErr.Code),
			Message:    wfErr.Error(),
			InstanceID: wfErr.InstanceID,
			StepID:     wfErr.StepID,
		}
	}

	return http.StatusInternalServerError, ErrorResponse{Code: string(workflow.ErrCodeInternal), Message: err.Error()}
}
