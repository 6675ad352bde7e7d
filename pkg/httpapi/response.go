package httpapi

import (
	"errors"
	"net/http"

	"agent-provisioner/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the envelope of every API reply. Code is 0 on success and the
// HTTP status otherwise.
type Response struct {
	Code    int              `json:"code"`
	Msg     string           `json:"msg"`
	Data    any              `json:"data,omitempty"`
	Details []errutil.Detail `json:"details,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Msg: "ok", Data: data})
}

// Fail writes err with the HTTP status of its errutil code.
func Fail(c *gin.Context, err error) {
	status := errutil.StatusOf(err).HTTPStatus()

	resp := Response{Code: status, Msg: err.Error()}
	var be errutil.BaseError
	if errors.As(err, &be) {
		resp.Msg = be.Text()
		resp.Details = be.Details
	}

	if status >= http.StatusInternalServerError {
		zap.L().Error("[HTTP] request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	c.AbortWithStatusJSON(status, resp)
}
