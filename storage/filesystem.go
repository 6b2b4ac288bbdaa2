package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/moyoez/vaultdrop/codec"
	"github.com/moyoez/vaultdrop/tokens"
	"github.com/moyoez/vaultdrop/tool"
)

const (
	UploadRoutePrefix   = "/api/filesystem/upload/"
	DownloadRoutePrefix = "/api/filesystem/download/"

	// TempCleanupInterval is how often the temp-uploads tree is swept.
	TempCleanupInterval = 10 * time.Minute
	// StaleTempAge is the age after which an orphaned .tmp file is removed.
	StaleTempAge = time.Hour

	readBufferSize = 256 * 1024
	legacyHeadSize = 10
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_./]`)

// SanitizeObjectName replaces every character outside [a-zA-Z0-9-_./] with "_".
func SanitizeObjectName(objectName string) string {
	return unsafeNameChars.ReplaceAllString(objectName, "_")
}

// FilesystemConfig points the backend at its two roots.
type FilesystemConfig struct {
	UploadsDir string
	TempDir    string
}

// ObjectInfo describes a stored object. Size is the plaintext length, or -1
// when it cannot be known without decrypting the whole object.
type ObjectInfo struct {
	StoredSize int64
	Size       int64
	Legacy     bool
	ModTime    time.Time
}

// Filesystem stores encrypted objects on local disk and hands out single-use
// tokens in place of presigned URLs.
type Filesystem struct {
	uploadsDir string
	tempDir    string
	codec      *codec.Codec
	tokens     *tokens.Registry
	logger     *log.Logger
	now        func() time.Time
}

type FilesystemOption func(*Filesystem)

func WithFilesystemLogger(l *log.Logger) FilesystemOption {
	return func(f *Filesystem) { f.logger = l }
}

func WithFilesystemClock(now func() time.Time) FilesystemOption {
	return func(f *Filesystem) { f.now = now }
}

// NewFilesystem creates both roots if they are missing.
func NewFilesystem(cfg FilesystemConfig, c *codec.Codec, registry *tokens.Registry, opts ...FilesystemOption) (*Filesystem, error) {
	if cfg.UploadsDir == "" || cfg.TempDir == "" {
		return nil, fmt.Errorf("%w: uploads and temp directories are required", ErrNotConfigured)
	}
	if c == nil || registry == nil {
		return nil, fmt.Errorf("%w: codec and token registry are required", ErrNotConfigured)
	}
	uploads, err := filepath.Abs(cfg.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir failed: %w", err)
	}
	temp, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir failed: %w", err)
	}
	for _, dir := range []string{uploads, temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s failed: %w", dir, err)
		}
	}
	f := &Filesystem{
		uploadsDir: uploads,
		tempDir:    temp,
		codec:      c,
		tokens:     registry,
		logger:     tool.NewComponentLogger("filesystem"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Filesystem) Name() string { return "filesystem" }

// Tokens exposes the registry backing the presigned paths.
func (f *Filesystem) Tokens() *tokens.Registry { return f.tokens }

// TempDir is the temp-uploads root shared with the chunk reconstructor.
func (f *Filesystem) TempDir() string { return f.tempDir }

// ObjectPath returns the on-disk path of objectName inside the uploads root.
func (f *Filesystem) ObjectPath(objectName string) (string, error) {
	sanitized := SanitizeObjectName(objectName)
	if strings.Trim(sanitized, "./") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectName, objectName)
	}
	full := filepath.Join(f.uploadsDir, sanitized)
	if full != f.uploadsDir && !strings.HasPrefix(full, f.uploadsDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the uploads root", ErrInvalidObjectName, objectName)
	}
	return full, nil
}

func (f *Filesystem) PresignPut(_ context.Context, objectName string, ttl time.Duration) (string, error) {
	if _, err := f.ObjectPath(objectName); err != nil {
		return "", err
	}
	token, err := f.tokens.IssueUploadToken(objectName, ttl)
	if err != nil {
		return "", err
	}
	return UploadRoutePrefix + token, nil
}

func (f *Filesystem) PresignGet(_ context.Context, objectName string, ttl time.Duration, fileName string) (string, error) {
	if _, err := f.ObjectPath(objectName); err != nil {
		return "", err
	}
	token, err := f.tokens.IssueDownloadToken(objectName, ttl, fileName)
	if err != nil {
		return "", err
	}
	return DownloadRoutePrefix + token, nil
}

func (f *Filesystem) Delete(_ context.Context, objectName string) error {
	path, err := f.ObjectPath(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s failed: %w", objectName, err)
	}
	return nil
}

// Exists reports whether objectName is stored.
func (f *Filesystem) Exists(objectName string) bool {
	path, err := f.ObjectPath(objectName)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Put stores data. Payloads up to codec.InMemoryThreshold are encrypted as one
// buffer; larger ones go through the stream stage.
func (f *Filesystem) Put(ctx context.Context, objectName string, data []byte) error {
	if len(data) > codec.InMemoryThreshold {
		_, err := f.PutStream(ctx, objectName, bytes.NewReader(data))
		return err
	}
	sealed, err := f.codec.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt %s failed: %w", objectName, err)
	}
	_, err = f.writeAtomically(ctx, objectName, func(w io.Writer) (int64, error) {
		n, err := w.Write(sealed)
		return int64(n), err
	})
	return err
}

// PutStream encrypts r into objectName and returns the number of plaintext
// bytes read. The object only appears once it is complete.
func (f *Filesystem) PutStream(ctx context.Context, objectName string, r io.Reader) (int64, error) {
	return f.writeAtomically(ctx, objectName, func(w io.Writer) (int64, error) {
		enc, err := f.codec.EncryptWriter(w)
		if err != nil {
			return 0, err
		}
		n, err := tool.CopyWithContext(ctx, enc, r)
		if err != nil {
			return n, err
		}
		return n, enc.Close()
	})
}

func (f *Filesystem) writeAtomically(ctx context.Context, objectName string, write func(io.Writer) (int64, error)) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	finalPath, err := f.ObjectPath(objectName)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, fmt.Errorf("create object directory failed: %w", err)
	}
	tempPath := f.tempFilePath(objectName)
	tmp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create temp file failed: %w", err)
	}

	buffered := bufio.NewWriterSize(tmp, readBufferSize)
	n, err := write(buffered)
	if err == nil {
		err = buffered.Flush()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempPath, finalPath)
	}
	if err != nil {
		f.removeTemp(tempPath)
		return n, fmt.Errorf("store %s failed: %w", objectName, err)
	}
	f.logger.Debugf("stored %s (%d bytes)", objectName, n)
	return n, nil
}

func (f *Filesystem) tempFilePath(objectName string) string {
	flat := strings.ReplaceAll(SanitizeObjectName(objectName), "/", "_")
	name := fmt.Sprintf("%s-%s-%s.tmp", strconv.FormatInt(f.now().UnixMilli(), 10), tool.GenerateShortID(), flat)
	return filepath.Join(f.tempDir, name)
}

func (f *Filesystem) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.logger.Warnf("remove temp file %s failed: %v", path, err)
	}
}

// Get reads and decrypts the whole object, trying the legacy format when the
// current one does not decrypt.
func (f *Filesystem) Get(ctx context.Context, objectName string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.ObjectPath(objectName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapNotFound(objectName, err)
	}
	plain, err := f.codec.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", objectName, err)
	}
	return plain, nil
}

// Stat reports the stored and plaintext sizes of objectName.
func (f *Filesystem) Stat(_ context.Context, objectName string) (ObjectInfo, error) {
	path, err := f.ObjectPath(objectName)
	if err != nil {
		return ObjectInfo{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		return ObjectInfo{}, wrapNotFound(objectName, err)
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s failed: %w", objectName, err)
	}
	info := ObjectInfo{StoredSize: st.Size(), Size: st.Size(), ModTime: st.ModTime()}
	if !f.codec.Enabled() {
		return info, nil
	}

	head := make([]byte, legacyHeadSize)
	if n, _ := file.ReadAt(head, 0); codec.LooksLegacy(head[:n]) {
		info.Legacy = true
		info.Size = -1
		return info, nil
	}
	size, err := f.plainSize(file, st.Size())
	if err == nil {
		info.Size = size
		return info, nil
	}
	// only small objects may go through the whole-buffer decrypt path
	if st.Size() > codec.InMemoryThreshold {
		return ObjectInfo{}, fmt.Errorf("stat %s failed: %w", objectName, err)
	}
	info.Size = -1
	return info, nil
}

func (f *Filesystem) plainSize(file *os.File, storedSize int64) (int64, error) {
	if storedSize < 2*codec.IVSize {
		return 0, fmt.Errorf("%w: stored size %d too small", codec.ErrDecrypt, storedSize)
	}
	tail := make([]byte, 2*codec.IVSize)
	if _, err := file.ReadAt(tail, storedSize-int64(len(tail))); err != nil {
		return 0, fmt.Errorf("%w: read tail: %v", codec.ErrDecrypt, err)
	}
	return f.codec.PlainSize(tail, storedSize)
}

// Open streams the plaintext of objectName. Small and legacy objects are
// decrypted in memory so the legacy fallback applies to them.
func (f *Filesystem) Open(ctx context.Context, objectName string) (io.ReadCloser, error) {
	info, err := f.Stat(ctx, objectName)
	if err != nil {
		return nil, err
	}
	if f.codec.Enabled() && (info.Legacy || info.Size < 0 || info.StoredSize <= codec.InMemoryThreshold) {
		data, err := f.Get(ctx, objectName)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	path, _ := f.ObjectPath(objectName)
	file, err := os.Open(path)
	if err != nil {
		return nil, wrapNotFound(objectName, err)
	}
	plain, err := f.codec.DecryptReader(bufio.NewReaderSize(file, readBufferSize))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open %s failed: %w", objectName, err)
	}
	return readCloser{Reader: plain, Closer: file}, nil
}

// OpenRange streams plaintext bytes start..end inclusive. Callers validate the
// range against ObjectInfo.Size first.
func (f *Filesystem) OpenRange(ctx context.Context, objectName string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	info, err := f.Stat(ctx, objectName)
	if err != nil {
		return nil, err
	}
	length := end - start + 1

	if info.Legacy || (f.codec.Enabled() && info.Size < 0) {
		data, err := f.Get(ctx, objectName)
		if err != nil {
			return nil, err
		}
		if start >= int64(len(data)) {
			return nil, fmt.Errorf("range start %d beyond object size %d", start, len(data))
		}
		return io.NopCloser(bytes.NewReader(data[start:min(end+1, int64(len(data)))])), nil
	}

	path, _ := f.ObjectPath(objectName)
	file, err := os.Open(path)
	if err != nil {
		return nil, wrapNotFound(objectName, err)
	}
	if !f.codec.Enabled() {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
		return readCloser{Reader: io.LimitReader(file, length), Closer: file}, nil
	}

	// CBC lets decryption start at any block given the cipher block before it.
	block := start / codec.IVSize
	prev := make([]byte, codec.IVSize)
	if _, err := file.ReadAt(prev, block*codec.IVSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("read range prefix failed: %w", err)
	}
	if _, err := file.Seek((block+1)*codec.IVSize, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	plain := f.codec.DecryptReaderAt(bufio.NewReaderSize(file, readBufferSize), prev)
	if _, err := io.CopyN(io.Discard, plain, start-block*codec.IVSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek range start failed: %w", err)
	}
	return readCloser{Reader: io.LimitReader(plain, length), Closer: file}, nil
}

// CleanupTemp removes stale .tmp files and empty directories under the
// temp-uploads root. It never fails; problems are logged.
func (f *Filesystem) CleanupTemp(ctx context.Context) int {
	removed := 0
	cutoff := f.now().Add(-StaleTempAge)
	var dirs []string
	err := filepath.WalkDir(f.tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != f.tempDir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	if err != nil {
		f.logger.Warnf("temp cleanup interrupted: %v", err)
	}
	// deepest first so parents empty out in the same pass
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err == nil {
			removed++
		}
	}
	if removed > 0 {
		f.logger.Infof("temp cleanup removed %d entries", removed)
	}
	return removed
}

// RunCleanup calls CleanupTemp every TempCleanupInterval until ctx is done.
func (f *Filesystem) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(TempCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.CleanupTemp(ctx)
		}
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

func wrapNotFound(objectName string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, objectName)
	}
	return fmt.Errorf("open %s failed: %w", objectName, err)
}
