package httpmiddleware

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gymtrack/internal/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Abort answers with err mapped to its status and stops the chain.
// Internal errors are logged with their cause and shown generically.
func Abort(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code, msg := apperr.Public(err)
	if code == apperr.CodeInternal {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: string(code), Message: msg}})
}
