package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/vaultdrop/admission"
	"github.com/moyoez/vaultdrop/tool"
)

// QueueController exposes the download admission queue.
type QueueController struct {
	admission *admission.Controller
}

func NewQueueController(adm *admission.Controller) *QueueController {
	return &QueueController{admission: adm}
}

func (qc *QueueController) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(qc.admission.Status()))
}

func (qc *QueueController) HandleCancel(c *gin.Context) {
	id := c.Param("downloadId")
	if !qc.admission.CancelQueued(id) {
		c.JSON(http.StatusNotFound, tool.FastReturnErrorWithData("Download not found in queue", map[string]any{"downloadId": id}))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnMessage("Download cancelled successfully", map[string]any{"downloadId": id}))
}

// HandleClear rejects every queued download.
func (qc *QueueController) HandleClear(c *gin.Context) {
	n := qc.admission.ClearQueue()
	c.JSON(http.StatusOK, tool.FastReturnMessage("Download queue cleared", map[string]any{"clearedCount": n}))
}
