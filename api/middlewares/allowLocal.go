package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/moyoez/vaultdrop/tool"
)

// OnlyAllowLocal guards administrative routes that the file service calls
// from the same host.
func OnlyAllowLocal(c *gin.Context) {
	if ip := c.ClientIP(); ip == "127.0.0.1" || ip == "::1" {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusForbidden, tool.FastReturnError("Forbidden"))
}
