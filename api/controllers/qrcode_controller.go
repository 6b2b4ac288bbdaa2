package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/moyoez/vaultdrop/storage"
	"github.com/moyoez/vaultdrop/tool"
)

const (
	defaultQRSize = 200
	maxQRSize     = 512
)

// HandleDownloadQR returns a PNG QR code of the absolute download link for a
// live token. The token is only looked at, not claimed. GET ?size=200x200
func (tc *TransferController) HandleDownloadQR(c *gin.Context) {
	token := c.Param("token")
	if _, err := tc.fs.Tokens().ValidateDownload(token); err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid or expired download token"))
		return
	}

	size := qrSize(c.Query("size"))
	link := tc.baseURL(c) + storage.DownloadRoutePrefix + token
	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Failed to encode QR code: "+err.Error()))
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// baseURL is the configured public URL, or the scheme and host the request
// came in on.
func (tc *TransferController) baseURL(c *gin.Context) string {
	if tc.publicURL != "" {
		return tc.publicURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// qrSize reads "200" or "200x200" (the smaller side wins) and clamps the
// result to (0, maxQRSize]. Anything unparsable falls back to the default.
func qrSize(s string) int {
	size := defaultQRSize
	w, h, found := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if n, err := strconv.Atoi(strings.TrimSpace(w)); err == nil && n > 0 {
		size = n
	}
	if found {
		if n, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && n > 0 {
			size = min(size, n)
		}
	}
	return min(size, maxQRSize)
}
