package tool

import (
	"context"
	"io"
)

const copyBufferSize = 2 * 1024 * 1024

// ctxReader fails the next Read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// CopyWithContext copies from src to dst and stops between reads when ctx is
// cancelled. The byte count written so far is returned with ctx's error.
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return CopyBufferWithContext(ctx, dst, src, make([]byte, copyBufferSize))
}

// CopyBufferWithContext is CopyWithContext with a caller-owned buffer, for
// hot paths that copy many small bodies.
func CopyBufferWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	return io.CopyBuffer(dst, ctxReader{ctx: ctx, r: src}, buf)
}
