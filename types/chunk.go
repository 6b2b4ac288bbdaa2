package types

import "time"

// ChunkMetadata describes one chunk of a chunked upload. ChunkSize and
// ObjectName are optional.
type ChunkMetadata struct {
	UploadID    string `json:"uploadId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int64  `json:"totalSize"`
	FileName    string `json:"fileName"`
	IsLastChunk bool   `json:"isLastChunk"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
	ObjectName  string `json:"objectName,omitempty"`
}

// ChunkResult is returned for every processed chunk. FinalObjectName and Size
// are only set once the upload is complete.
type ChunkResult struct {
	IsComplete      bool   `json:"isComplete"`
	FinalObjectName string `json:"finalObjectName,omitempty"`
	Size            int64  `json:"size,omitempty"`
}

// UploadProgress lets a client resume: ReceivedChunks lists the indices
// already stored, in ascending order.
type UploadProgress struct {
	Uploaded       int       `json:"uploaded"`
	Total          int       `json:"total"`
	Percentage     int       `json:"percentage"`
	ReceivedChunks []int     `json:"receivedChunks"`
	StartedAt      time.Time `json:"startedAt"`
}
