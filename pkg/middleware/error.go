package middleware

import (
	"agent-provisioner/pkg/httpapi"

	"github.com/gin-gonic/gin"
)

// Error renders the last error a handler attached with c.Error when the
// handler wrote no response itself.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}
		httpapi.Fail(c, err.Err)
	}
}
