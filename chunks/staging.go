package chunks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moyoez/vaultdrop/tool"
)

func stagingDir(root, uploadID string) string {
	return filepath.Join(root, uploadID)
}

// writeChunk must be called with sess.mu held. A chunk that continues the
// staging file is appended; one that arrives early is parked in its own part
// file until the gap before it closes.
func (r *Reconstructor) writeChunk(ctx context.Context, sess *session, index int, body io.Reader) error {
	if err := os.MkdirAll(sess.dir, 0o755); err != nil {
		return fmt.Errorf("create staging directory failed: %w", err)
	}
	if index != sess.next {
		return r.park(ctx, sess, index, body)
	}
	if err := r.appendStaging(ctx, sess, body, index == 0); err != nil {
		return err
	}
	sess.next++
	if err := r.drain(ctx, sess); err != nil {
		// The chunk itself is safe; parked parts are retried later.
		r.logger.Warnf("append parked chunks for %s failed: %v", sess.uploadID, err)
	}
	return nil
}

func (r *Reconstructor) park(ctx context.Context, sess *session, index int, body io.Reader) error {
	final := sess.partPath(index)
	tmp := final + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create part file failed: %w", err)
	}
	_, err = r.copy(ctx, f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	sess.parked[index] = final
	r.logger.Debugf("chunk %d of %s parked until chunk %d arrives", index, sess.uploadID, sess.next)
	return nil
}

// drain appends parked parts that now continue the staging file.
func (r *Reconstructor) drain(ctx context.Context, sess *session) error {
	for {
		part, ok := sess.parked[sess.next]
		if !ok {
			return nil
		}
		f, err := os.Open(part)
		if err != nil {
			return fmt.Errorf("open part %d failed: %w", sess.next, err)
		}
		err = r.appendStaging(ctx, sess, f, false)
		f.Close()
		if err != nil {
			return err
		}
		os.Remove(part)
		delete(sess.parked, sess.next)
		sess.next++
	}
}

// appendStaging copies body onto the staging file. A partial write is cut
// back off so a retried chunk starts from a clean end.
func (r *Reconstructor) appendStaging(ctx context.Context, sess *session, body io.Reader, first bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if first {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(sess.stagingPath(), flags, 0o600)
	if err != nil {
		return fmt.Errorf("open staging file failed: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat staging file failed: %w", err)
	}
	before := st.Size()

	_, err = r.copy(ctx, f, body)
	if err != nil {
		if truncErr := f.Truncate(before); truncErr != nil {
			r.logger.Errorf("truncate staging file for %s failed: %v", sess.uploadID, truncErr)
		}
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (r *Reconstructor) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := r.bufPool.Get().(*[]byte)
	defer r.bufPool.Put(buf)
	return tool.CopyBufferWithContext(ctx, dst, src, *buf)
}
