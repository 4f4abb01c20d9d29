package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imkarma/ralph/internal/apperr"
)

const codeInternal apperr.Code = "INTERNAL_ERROR"

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeStateConflict:
		return http.StatusConflict
	case apperr.CodeExternalProcess:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status matching err's code.
func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if code == "" {
		code = codeInternal
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), Code: code})
}

// badRequest responds 400 for a payload that failed to bind.
func badRequest(c *gin.Context, err error) {
	writeError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
}
