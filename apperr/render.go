package apperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// body is the JSON shape every error response takes, replacing the
// ad-hoc gin.H{"error": ...} literals scattered through individual handlers.
type body struct {
	Error     string `json:"error"`
	Transient bool   `json:"transient,omitempty"`
}

// Render writes err to the response as JSON with the correct status code.
// If err isn't an *Error, it's treated as an unclassified internal error
// and logged with its full detail; Error values wrapping another error are
// logged too, but only the Message is ever sent to the client.
func Render(c *gin.Context, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = Internal(err, "internal server error")
	}

	if appErr.Err != nil {
		slog.Error("request failed",
			"path", c.Request.URL.Path,
			"status", appErr.Status(),
			"error", appErr.Err,
		)
	}

	c.JSON(appErr.Status(), body{
		Error:     appErr.Message,
		Transient: appErr.Transient(),
	})
}

// Abort is Render followed by c.Abort, for use in middleware that must stop
// the gin handler chain after writing the error response.
func Abort(c *gin.Context, err error) {
	Render(c, err)
	c.Abort()
}

// NotFoundHandler is a gin.HandlerFunc for unmatched routes, replacing
// gin's default plain-text 404.
func NotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, body{Error: "not found"})
}
