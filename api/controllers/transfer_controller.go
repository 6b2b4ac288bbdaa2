package controllers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/moyoez/vaultdrop/admission"
	"github.com/moyoez/vaultdrop/chunks"
	"github.com/moyoez/vaultdrop/codec"
	"github.com/moyoez/vaultdrop/metrics"
	"github.com/moyoez/vaultdrop/storage"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
)

const (
	headerFileID      = "X-File-Id"
	headerChunkIndex  = "X-Chunk-Index"
	headerTotalChunks = "X-Total-Chunks"
	headerChunkSize   = "X-Chunk-Size"
	headerTotalSize   = "X-Total-Size"
	headerFileName    = "X-File-Name"
	headerIsLast      = "X-Is-Last-Chunk"
	headerDownloadID  = "X-Download-ID"

	throttleChunk = 1024 * 1024
	maxIDLength   = 128
)

// errRangeRejected means the response was already sent with 416.
var errRangeRejected = errors.New("range not satisfiable")

// TransferController serves the presigned filesystem paths: uploads (plain or
// chunked), admitted downloads and chunk progress.
type TransferController struct {
	fs        *storage.Filesystem
	chunks    *chunks.Reconstructor
	admission *admission.Controller
	metrics   *metrics.Metrics
	publicURL string
	logger    *log.Logger
}

func NewTransferController(fs *storage.Filesystem, r *chunks.Reconstructor, adm *admission.Controller, m *metrics.Metrics, publicURL string) *TransferController {
	return &TransferController{
		fs:        fs,
		chunks:    r,
		admission: adm,
		metrics:   m,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    tool.NewComponentLogger("transfer"),
	}
}

// HandleUpload streams the body into the object the token names. Requests
// carrying chunk headers go through the reconstructor instead, and the token
// lives until the last chunk completes the object.
func (tc *TransferController) HandleUpload(c *gin.Context) {
	token := c.Param("token")
	registry := tc.fs.Tokens()
	if isChunked(c) {
		rec, err := registry.ValidateUpload(token)
		if err != nil {
			c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid or expired upload token"))
			return
		}
		tc.handleChunk(c, token, rec.ObjectName)
		return
	}

	rec, err := registry.ClaimUpload(token)
	if err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid or expired upload token"))
		return
	}
	n, err := tc.fs.PutStream(c.Request.Context(), rec.ObjectName, c.Request.Body)
	if err != nil {
		registry.ReleaseUpload(token)
		tc.logger.Errorf("upload of %s failed: %v", rec.ObjectName, err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
		return
	}
	registry.ConsumeUpload(token)
	tc.metrics.RecordUpload(n)
	tc.logger.Infof("stored %s (%d bytes)", rec.ObjectName, n)
	c.JSON(http.StatusOK, tool.FastReturnMessage("File uploaded successfully", nil))
}

func isChunked(c *gin.Context) bool {
	return c.GetHeader(headerFileID) != "" && c.GetHeader(headerChunkIndex) != ""
}

func parseChunkHeaders(c *gin.Context) (types.ChunkMetadata, error) {
	meta := types.ChunkMetadata{
		UploadID: c.GetHeader(headerFileID),
		FileName: c.GetHeader(headerFileName),
	}
	var err error
	if meta.ChunkIndex, err = strconv.Atoi(c.GetHeader(headerChunkIndex)); err != nil {
		return meta, fmt.Errorf("invalid %s header", headerChunkIndex)
	}
	if meta.TotalChunks, err = strconv.Atoi(c.GetHeader(headerTotalChunks)); err != nil {
		return meta, fmt.Errorf("invalid %s header", headerTotalChunks)
	}
	if meta.TotalSize, err = strconv.ParseInt(c.GetHeader(headerTotalSize), 10, 64); err != nil {
		return meta, fmt.Errorf("invalid %s header", headerTotalSize)
	}
	if v := c.GetHeader(headerChunkSize); v != "" {
		if meta.ChunkSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return meta, fmt.Errorf("invalid %s header", headerChunkSize)
		}
	}
	meta.IsLastChunk, _ = strconv.ParseBool(c.GetHeader(headerIsLast))
	return meta, nil
}

func (tc *TransferController) handleChunk(c *gin.Context, token, objectName string) {
	meta, err := parseChunkHeaders(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
		return
	}
	meta.ObjectName = objectName

	res, err := tc.chunks.ProcessChunk(c.Request.Context(), meta, c.Request.Body)
	if err != nil {
		var verr *chunks.ValidationError
		switch {
		case errors.As(err, &verr):
			body := tool.FastReturnError(verr.Msg)
			if len(verr.Missing) > 0 {
				body = tool.FastReturnErrorWithData(verr.Msg, map[string]any{"missingChunks": verr.Missing})
			}
			c.JSON(http.StatusBadRequest, body)
		case errors.Is(err, chunks.ErrSessionNotFound), errors.Is(err, chunks.ErrSizeMismatch):
			c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
		default:
			tc.logger.Errorf("chunk %d of %s failed: %v", meta.ChunkIndex, meta.UploadID, err)
			c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
		}
		return
	}

	if !res.IsComplete {
		c.JSON(http.StatusOK, tool.FastReturnMessage("Chunk uploaded successfully", map[string]any{
			"isComplete": false,
			"chunkIndex": meta.ChunkIndex,
		}))
		return
	}
	tc.fs.Tokens().ConsumeUpload(token)
	tc.metrics.RecordUpload(res.Size)
	c.JSON(http.StatusOK, tool.FastReturnMessage("File uploaded successfully", map[string]any{
		"isComplete":      true,
		"finalObjectName": res.FinalObjectName,
		"size":            res.Size,
	}))
}

// HandleUploadProgress reports received chunks of an in-progress upload.
func (tc *TransferController) HandleUploadProgress(c *gin.Context) {
	progress, ok := tc.chunks.Progress(c.Param("fileId"))
	if !ok {
		c.JSON(http.StatusNotFound, tool.FastReturnError("Upload not found"))
		return
	}
	c.JSON(http.StatusOK, progress)
}

// HandleCancelUpload drops an in-progress upload. Unknown ids succeed.
func (tc *TransferController) HandleCancelUpload(c *gin.Context) {
	id := c.Param("fileId")
	if tc.chunks.Cancel(id) {
		tc.logger.Infof("upload %s cancelled by client", id)
	}
	c.JSON(http.StatusOK, tool.FastReturnMessage("Upload cancelled successfully", nil))
}

// HandleDownload claims the token, waits for an admission slot and streams
// the plaintext. A single byte range is answered with 206.
func (tc *TransferController) HandleDownload(c *gin.Context) {
	token := c.Param("token")
	registry := tc.fs.Tokens()
	rec, err := registry.ClaimDownload(token)
	if err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid or expired download token"))
		return
	}
	consumed := false
	defer func() {
		if !consumed {
			registry.ReleaseDownload(token)
		}
	}()

	ctx := c.Request.Context()
	info, err := tc.fs.Stat(ctx, rec.ObjectName)
	if err != nil {
		tc.writeStorageError(c, rec.ObjectName, err)
		return
	}

	fileSize := info.Size
	if fileSize < 0 {
		fileSize = info.StoredSize
	}
	req := types.DownloadRequest{
		DownloadID: downloadID(c),
		FileName:   rec.FileName,
		FileSize:   &fileSize,
		ObjectName: rec.ObjectName,
	}
	ticket, err := tc.admission.RequestSlot(req)
	if err != nil {
		tc.writeAdmissionError(c, req.DownloadID, err)
		return
	}
	if ticket.Queued() {
		tc.logger.Infof("download %s waiting at position %d", ticket.ID(), ticket.Position())
	}
	if err := ticket.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnErrorWithData(err.Error(), map[string]any{"downloadId": ticket.ID()}))
		return
	}
	defer tc.admission.EndDownload(ticket.ID())
	if err := tc.admission.StartDownload(ticket.ID()); err != nil {
		tc.logger.Warnf("start download %s: %v", ticket.ID(), err)
	}

	start := time.Now()
	n, err := tc.stream(c, rec.ObjectName, rec.FileName, info, ticket.ID())
	if err != nil {
		switch {
		case errors.Is(err, errRangeRejected):
		case !c.Writer.Written():
			tc.writeStorageError(c, rec.ObjectName, err)
		default:
			tc.logger.Warnf("download %s of %s interrupted after %d bytes: %v", ticket.ID(), rec.ObjectName, n, err)
		}
		return
	}
	registry.ConsumeDownload(token)
	consumed = true
	tc.metrics.RecordDownload(n, time.Since(start))
}

func downloadID(c *gin.Context) string {
	if id := c.GetHeader(headerDownloadID); id != "" && len(id) <= maxIDLength {
		return id
	}
	return uuid.NewString()
}

func (tc *TransferController) writeAdmissionError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		wait := int(math.Ceil(tc.admission.EstimatedWait().Seconds()))
		if wait <= 0 {
			wait = int(admission.DefaultEstimatedWait.Seconds())
		}
		c.Header(headerDownloadID, id)
		c.Header("Retry-After", strconv.Itoa(wait))
		c.JSON(http.StatusAccepted, types.QueuedResponse{
			Queued:            true,
			DownloadID:        id,
			Message:           "Download queued due to memory constraints",
			EstimatedWaitTime: wait,
		})
	case errors.Is(err, admission.ErrDuplicateDownload):
		c.JSON(http.StatusConflict, tool.FastReturnErrorWithData("Download id already in use", map[string]any{"downloadId": id}))
	case errors.Is(err, admission.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError(err.Error()))
	default:
		tc.logger.Errorf("admission of %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
	}
}

func (tc *TransferController) writeStorageError(c *gin.Context, objectName string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, tool.FastReturnError("File not found"))
	case errors.Is(err, storage.ErrInvalidObjectName):
		c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
	case errors.Is(err, codec.ErrDecrypt):
		tc.logger.Errorf("decrypt %s failed: %v", objectName, err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Unable to decrypt file"))
	default:
		tc.logger.Errorf("read %s failed: %v", objectName, err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
	}
}

// stream writes headers and body. Objects whose plaintext size is unknown
// are decrypted in memory first so Content-Length stays exact.
func (tc *TransferController) stream(c *gin.Context, objectName, fileName string, info storage.ObjectInfo, id string) (int64, error) {
	ctx := c.Request.Context()
	size := info.Size
	var data []byte
	if size < 0 {
		var err error
		if data, err = tc.fs.Get(ctx, objectName); err != nil {
			return 0, err
		}
		size = int64(len(data))
	}

	h := c.Writer.Header()
	h.Set("Content-Disposition", tool.ContentDisposition(fileName))
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Ranges", "bytes")
	h.Set(headerDownloadID, id)

	status := http.StatusOK
	length := size
	var body io.ReadCloser
	if spec := c.GetHeader("Range"); spec != "" {
		start, end, ok, err := parseRange(spec, size)
		if err != nil {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			c.JSON(http.StatusRequestedRangeNotSatisfiable, tool.FastReturnError(err.Error()))
			return 0, errRangeRejected
		}
		if ok {
			status = http.StatusPartialContent
			length = end - start + 1
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
			if data != nil {
				data = data[start : end+1]
			} else if body, err = tc.fs.OpenRange(ctx, objectName, start, end); err != nil {
				return 0, err
			}
		}
	}
	switch {
	case data != nil:
		body = io.NopCloser(bytes.NewReader(data))
	case body == nil:
		var err error
		if body, err = tc.fs.Open(ctx, objectName); err != nil {
			return 0, err
		}
	}
	defer body.Close()

	h.Set("Content-Length", strconv.FormatInt(length, 10))
	c.Status(status)
	return tool.CopyWithContext(ctx, c.Writer, tc.throttle(ctx, body))
}

// parseRange understands a single "bytes=" range. ok is false for headers
// that should be ignored, such as multiple ranges.
func parseRange(spec string, size int64) (start, end int64, ok bool, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) {
		return 0, 0, false, nil
	}
	spec = strings.TrimSpace(strings.TrimPrefix(spec, prefix))
	if strings.Contains(spec, ",") {
		return 0, 0, false, nil
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, fmt.Errorf("malformed range %q", spec)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// suffix range: the last n bytes
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 || size == 0 {
			return 0, 0, false, fmt.Errorf("unsatisfiable range %q", spec)
		}
		return max(size-n, 0), size - 1, true, nil
	}
	start, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || start < 0 || start >= size {
		return 0, 0, false, fmt.Errorf("unsatisfiable range %q", spec)
	}
	end = size - 1
	if last != "" {
		e, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || e < start {
			return 0, 0, false, fmt.Errorf("unsatisfiable range %q", spec)
		}
		end = min(e, size-1)
	}
	return start, end, true, nil
}

// throttledReader slows a download down while the admission controller
// reports memory pressure.
type throttledReader struct {
	ctx       context.Context
	r         io.Reader
	admission *admission.Controller
	limiter   *rate.Limiter
}

func (tc *TransferController) throttle(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{
		ctx:       ctx,
		r:         r,
		admission: tc.admission,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > throttleChunk {
		p = p[:throttleChunk]
	}
	if t.admission.ShouldThrottle() {
		t.limiter.SetLimit(rate.Every(t.admission.ThrottleDelay()))
		if err := t.limiter.Wait(t.ctx); err != nil {
			return 0, err
		}
	} else if t.limiter.Limit() != rate.Inf {
		t.limiter.SetLimit(rate.Inf)
	}
	return t.r.Read(p)
}
