package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/moyoez/vaultdrop/codec"
	"github.com/moyoez/vaultdrop/tokens"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sharedCodecOnce sync.Once
	sharedCodec     *codec.Codec
)

// testCodec derives the key once; scrypt is slow on purpose.
func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	sharedCodecOnce.Do(func() {
		c, err := codec.New("filesystem-test-secret")
		if err != nil {
			panic(err)
		}
		sharedCodec = c
	})
	return sharedCodec
}

func newTestFilesystem(t *testing.T, c *codec.Codec) *Filesystem {
	t.Helper()
	root := t.TempDir()
	fs, err := NewFilesystem(FilesystemConfig{
		UploadsDir: filepath.Join(root, "uploads"),
		TempDir:    filepath.Join(root, "temp-uploads"),
	}, c, tokens.NewRegistry(tokens.WithLogger(tool.NewDiscardLogger())), WithFilesystemLogger(tool.NewDiscardLogger()))
	require.NoError(t, err)
	return fs
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSanitizeObjectName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "user_1/my_file_.txt", SanitizeObjectName("user 1/my%file!.txt"))
	assert.Equal(t, "a-b_c.d/e", SanitizeObjectName("a-b_c.d/e"))
}

func TestObjectPathStaysInsideRoot(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))

	p, err := fs.ObjectPath("user/file.bin")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, fs.uploadsDir+string(filepath.Separator)))

	for _, name := range []string{"../../etc/passwd", "a/../../x", "..", "./", ""} {
		_, err := fs.ObjectPath(name)
		assert.ErrorIs(t, err, ErrInvalidObjectName, name)
	}
}

func TestPresignReturnsTokenPaths(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	ctx := context.Background()

	put, err := fs.PresignPut(ctx, "obj/a.txt", time.Hour)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(put, UploadRoutePrefix))
	rec, err := fs.Tokens().ValidateUpload(strings.TrimPrefix(put, UploadRoutePrefix))
	require.NoError(t, err)
	assert.Equal(t, "obj/a.txt", rec.ObjectName)

	get, err := fs.PresignGet(ctx, "obj/a.txt", time.Hour, "a.txt")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(get, DownloadRoutePrefix))
	rec, err = fs.Tokens().ValidateDownload(strings.TrimPrefix(get, DownloadRoutePrefix))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", rec.FileName)

	_, err = fs.PresignGet(ctx, "../escape", time.Hour, "")
	assert.ErrorIs(t, err, ErrInvalidObjectName)
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	ctx := context.Background()
	data := randomPayload(t, 12345)

	require.NoError(t, fs.Put(ctx, "nested/dir/file.bin", data))

	path, err := fs.ObjectPath("nested/dir/file.bin")
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, data[:64]), "object must be encrypted at rest")

	got, err := fs.Get(ctx, "nested/dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := fs.Stat(ctx, "nested/dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, int64(len(raw)), info.StoredSize)
	assert.False(t, info.Legacy)
}

func writeRaw(t *testing.T, fs *Filesystem, objectName string, fill func(*os.File) error) {
	t.Helper()
	path, err := fs.ObjectPath(objectName)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, fill(f))
}

func TestLargeUndecryptableObjectIsRejected(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	ctx := context.Background()
	// sparse, so the test does not write the bytes out
	writeRaw(t, fs, "big.bin", func(f *os.File) error {
		return f.Truncate(codec.InMemoryThreshold + 17)
	})

	_, err := fs.Stat(ctx, "big.bin")
	assert.ErrorIs(t, err, codec.ErrDecrypt)
	_, err = fs.Open(ctx, "big.bin")
	assert.ErrorIs(t, err, codec.ErrDecrypt)
	_, err = fs.OpenRange(ctx, "big.bin", 0, 10)
	assert.ErrorIs(t, err, codec.ErrDecrypt)
}

func TestSmallUndecryptableObject(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	ctx := context.Background()
	writeRaw(t, fs, "junk.bin", func(f *os.File) error {
		_, err := f.Write([]byte("definitely not ciphertext"))
		return err
	})

	info, err := fs.Stat(ctx, "junk.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), info.Size)
	assert.False(t, info.Legacy)

	_, err = fs.Open(ctx, "junk.bin")
	assert.ErrorIs(t, err, codec.ErrDecrypt)
}

func TestPutStreamLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	ctx := context.Background()
	data := randomPayload(t, 300_000)

	n, err := fs.PutStream(ctx, "stream.bin", iotest.HalfReader(bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	entries, err := os.ReadDir(fs.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	rc, err := fs.Open(ctx, "stream.bin")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutStreamFailureRemovesTemp(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	boom := errors.New("client went away")

	_, err := fs.PutStream(context.Background(), "broken.bin", iotest.ErrReader(boom))
	require.ErrorIs(t, err, boom)

	assert.False(t, fs.Exists("broken.bin"))
	entries, err := os.ReadDir(fs.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	fs := newTestFilesystem(t, testCodec(t))
	ctx := context.Background()
	require.NoError(t, fs.Put(ctx, "gone.txt", []byte("bye")))

	require.NoError(t, fs.Delete(ctx, "gone.txt"))
	require.NoError(t, fs.Delete(ctx, "gone.txt"))
	assert.False(t, fs.Exists("gone.txt"))

	_, err := fs.Get(ctx, "gone.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	data := randomPayload(t, 5000)

	for name, c := range map[string]*codec.Codec{"encrypted": testCodec(t), "plain": codec.NewPassthrough()} {
		t.Run(name, func(t *testing.T) {
			fs := newTestFilesystem(t, c)
			require.NoError(t, fs.Put(ctx, "range.bin", data))

			for _, r := range [][2]int64{{0, 0}, {0, 4999}, {15, 16}, {17, 100}, {4990, 4999}, {1000, 1015}} {
				rc, err := fs.OpenRange(ctx, "range.bin", r[0], r[1])
				require.NoError(t, err)
				got, err := io.ReadAll(rc)
				rc.Close()
				require.NoError(t, err)
				assert.Equal(t, data[r[0]:r[1]+1], got, "range %v", r)
			}
		})
	}
}

func TestCleanupTemp(t *testing.T) {
	t.Parallel()
	now := time.Now()
	root := t.TempDir()
	fs, err := NewFilesystem(FilesystemConfig{
		UploadsDir: filepath.Join(root, "uploads"),
		TempDir:    filepath.Join(root, "temp"),
	}, codec.NewPassthrough(), tokens.NewRegistry(), WithFilesystemClock(func() time.Time { return now }), WithFilesystemLogger(tool.NewDiscardLogger()))
	require.NoError(t, err)

	stale := filepath.Join(fs.TempDir(), "1-abc-old.tmp")
	fresh := filepath.Join(fs.TempDir(), "2-def-new.tmp")
	staging := filepath.Join(fs.TempDir(), "upload-1", "staging")
	empty := filepath.Join(fs.TempDir(), "upload-2", "inner")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Dir(staging), 0o755))
	require.NoError(t, os.WriteFile(staging, []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(empty, 0o755))
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	assert.Equal(t, 3, fs.CleanupTemp(context.Background()))

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, staging)
	assert.NoDirExists(t, filepath.Join(fs.TempDir(), "upload-2"))
}
