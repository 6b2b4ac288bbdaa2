package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/moyoez/vaultdrop/storage"
	"github.com/moyoez/vaultdrop/tool"
)

// PresignRequest is the body of POST /storage/presign. ExpiresIn is in
// seconds; zero means the configured default.
type PresignRequest struct {
	ObjectName string `json:"objectName" binding:"required"`
	Operation  string `json:"operation" binding:"required,oneof=put get"`
	FileName   string `json:"fileName"`
	ExpiresIn  int    `json:"expiresIn" binding:"gte=0"`
}

type PresignResponse struct {
	URL       string `json:"url"`
	Provider  string `json:"provider"`
	ExpiresIn int    `json:"expiresIn"`
}

// StorageController lets the file service on the same host mint presigned
// URLs and delete objects through the active provider.
type StorageController struct {
	provider   storage.Provider
	defaultTTL time.Duration
	logger     *log.Logger
}

func NewStorageController(provider storage.Provider, defaultTTL time.Duration) *StorageController {
	return &StorageController{
		provider:   provider,
		defaultTTL: defaultTTL,
		logger:     tool.NewComponentLogger("storage-api"),
	}
}

func (sc *StorageController) HandlePresign(c *gin.Context) {
	var req PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid request: "+err.Error()))
		return
	}
	ttl := sc.defaultTTL
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}

	ctx := c.Request.Context()
	var (
		url string
		err error
	)
	if req.Operation == "put" {
		url, err = sc.provider.PresignPut(ctx, req.ObjectName, ttl)
	} else {
		url, err = sc.provider.PresignGet(ctx, req.ObjectName, ttl, req.FileName)
	}
	if err != nil {
		sc.writeError(c, req.ObjectName, err)
		return
	}
	c.JSON(http.StatusOK, PresignResponse{
		URL:       url,
		Provider:  sc.provider.Name(),
		ExpiresIn: int(ttl / time.Second),
	})
}

// HandleDelete removes an object. Deleting a missing object succeeds.
func (sc *StorageController) HandleDelete(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing object name"))
		return
	}
	if err := sc.provider.Delete(c.Request.Context(), name); err != nil {
		sc.writeError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}

func (sc *StorageController) writeError(c *gin.Context, objectName string, err error) {
	if errors.Is(err, storage.ErrInvalidObjectName) {
		c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
		return
	}
	sc.logger.Errorf("%s on %s failed: %v", sc.provider.Name(), objectName, err)
	c.JSON(http.StatusBadGateway, tool.FastReturnError("Storage operation failed"))
}
