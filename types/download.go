package types

import "time"

// DownloadRequest is what the admission controller is told about a
// download. FileSize is nil when the size is unknown.
type DownloadRequest struct {
	DownloadID string `json:"downloadId"`
	FileName   string `json:"fileName,omitempty"`
	FileSize   *int64 `json:"fileSize,omitempty"`
	ObjectName string `json:"objectName,omitempty"`
}

type QueuedDownloadInfo struct {
	DownloadID string `json:"downloadId"`
	Position   int    `json:"position"`
	WaitTime   int64  `json:"waitTime"` // milliseconds
	FileName   string `json:"fileName,omitempty"`
	FileSize   *int64 `json:"fileSize,omitempty"`
}

type QueueStatus struct {
	QueueLength       int                  `json:"queueLength"`
	MaxQueueSize      int                  `json:"maxQueueSize"`
	ActiveDownloads   int                  `json:"activeDownloads"`
	MaxConcurrent     int                  `json:"maxConcurrent"`
	MemoryUsageMB     float64              `json:"memoryUsageMB"`
	MemoryThresholdMB int                  `json:"memoryThresholdMB"`
	QueuedDownloads   []QueuedDownloadInfo `json:"queuedDownloads"`
}

// QueuedResponse is the 202 body sent when a download must be retried later.
type QueuedResponse struct {
	Queued            bool   `json:"queued"`
	DownloadID        string `json:"downloadId"`
	Message           string `json:"message"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
}

// DownloadEvent is pushed to websocket subscribers of the download queue.
type DownloadEvent struct {
	Type       string    `json:"type"`
	DownloadID string    `json:"downloadId"`
	FileName   string    `json:"fileName,omitempty"`
	Position   int       `json:"position,omitempty"`
	Active     int       `json:"active"`
	Queued     int       `json:"queued"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}
