package tool

import (
	"maps"

	"github.com/gin-gonic/gin"
)

// FastReturnError is the body of every 4xx/5xx answer.
func FastReturnError(msg string) gin.H {
	return gin.H{"error": msg}
}

// FastReturnErrorWithData merges extra fields (missing chunk list, queue
// position and so on) into an error body.
func FastReturnErrorWithData(msg string, data map[string]any) gin.H {
	resp := FastReturnError(msg)
	maps.Copy(resp, data)
	return resp
}

func FastReturnSuccess() gin.H {
	return gin.H{"status": "ok"}
}

func FastReturnSuccessWithData(data any) gin.H {
	return gin.H{
		"status": "success",
		"data":   data,
	}
}

// FastReturnMessage is a human readable outcome plus optional fields.
func FastReturnMessage(msg string, data map[string]any) gin.H {
	resp := gin.H{"message": msg}
	maps.Copy(resp, data)
	return resp
}
