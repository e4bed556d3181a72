package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"github.com/smallbiznis/tenantbilling/internal/validation"
)

type errorPayload struct {
	Type    string                  `json:"type"`
	Message string                  `json:"message"`
	Errors  []validation.FieldError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrUnauthorized = errs.New(errs.ErrInvalidSignature, "unauthorized")

// kindResponse is the HTTP rendering of one error kind. An empty message
// echoes the domain error code.
type kindResponse struct {
	kind    error
	status  int
	typ     string
	message string
}

var kindResponses = []kindResponse{
	{errs.ErrNotFound, http.StatusNotFound, "not_found", ""},
	{errs.ErrInvalidSignature, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{errs.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition", ""},
	{errs.ErrConcurrencyConflict, http.StatusConflict, "conflict", "conflict"},
	{errs.ErrGateway, http.StatusBadGateway, "gateway_error", "payment gateway unavailable"},
}

var internalError = errorPayload{Type: "internal_error", Message: "internal server error"}

// ErrorHandlingMiddleware renders the last handler error when the handler
// did not write a response itself.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return validation.Field("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return validation.Field(field, code, message)
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalError
	}

	kind := errs.KindOf(err)
	if kind == errs.ErrValidation {
		fields := validation.Fields(err)
		if len(fields) == 0 {
			fields = []validation.FieldError{{Field: "request", Code: err.Error(), Message: err.Error()}}
		}
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: fields}
	}

	for _, r := range kindResponses {
		if kind != r.kind {
			continue
		}
		message := r.message
		if message == "" {
			message = err.Error()
		}
		return r.status, errorPayload{Type: r.typ, Message: message}
	}
	return http.StatusInternalServerError, internalError
}

// classifyErrorForLog returns the error_type and error_code fields of the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	if errs.KindOf(err) == nil {
		return payload.Type, payload.Type
	}
	if fields := validation.Fields(err); len(fields) > 0 {
		return payload.Type, fields[0].Code
	}
	return payload.Type, err.Error()
}
