package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "correct horse battery staple"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testSecret)
	require.NoError(t, err)
	return c
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// encryptLegacy produces an object in the old whole-buffer format.
func encryptLegacy(t *testing.T, pass string, plain []byte) []byte {
	t.Helper()
	salt := randomBytes(t, 8)
	key, iv := bytesToKey([]byte(pass), salt, keySize, aes.BlockSize)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	payload := pad([]byte(base64.StdEncoding.EncodeToString(plain)))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(payload, payload)
	envelope := append(append(append([]byte{}, saltedPrefix...), salt...), payload...)
	return []byte(base64.StdEncoding.EncodeToString(envelope))
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	for _, size := range []int{0, 1, 15, 16, 17, 4096, 1 << 20, 10 << 20} {
		plain := randomBytes(t, size)

		sealed, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.Equal(t, IVSize+(size/aes.BlockSize+1)*aes.BlockSize, len(sealed), "size %d", size)

		got, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plain, got), "size %d", size)

		r, err := c.DecryptReader(bytes.NewReader(sealed))
		require.NoError(t, err)
		streamed, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plain, streamed), "stream size %d", size)
	}
}

func TestStreamStagesWithSmallWritesAndReads(t *testing.T) {
	c := newTestCodec(t)
	plain := randomBytes(t, 100_003)

	var sealed bytes.Buffer
	w, err := c.EncryptWriter(&sealed)
	require.NoError(t, err)
	for off := 0; off < len(plain); off += 7 {
		end := min(off+7, len(plain))
		_, err := w.Write(plain[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := c.DecryptReader(iotest.OneByteReader(bytes.NewReader(sealed.Bytes())))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEmptyStreamStillWritesIV(t *testing.T) {
	c := newTestCodec(t)
	var sealed bytes.Buffer
	w, err := c.EncryptWriter(&sealed)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, IVSize+aes.BlockSize, sealed.Len())

	got, err := c.Decrypt(sealed.Bytes())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLegacyFallback(t *testing.T) {
	c := newTestCodec(t)
	plain := []byte("stored before streaming encryption existed")
	legacy := encryptLegacy(t, testSecret, plain)
	assert.True(t, LooksLegacy(legacy))

	got, err := c.Decrypt(legacy)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

// stored was produced outside this package: CryptoJS.AES.encrypt of the
// base64 text with a passphrase.
func TestLegacyKnownVector(t *testing.T) {
	c, err := New("correct horse battery staple")
	require.NoError(t, err)
	stored := []byte("U2FsdGVkX1/2HtJH5rkYyJIf/Fu+ZLfzTzcHHjvfUp9R04c6ROJjC16phbyI/V0tsPx1pnNdmbMWLgC+3eMkn1uQTh4ngrYcJQE8tfwb0w4=")
	require.True(t, LooksLegacy(stored))

	got, err := c.DecryptLegacy(stored)
	require.NoError(t, err)
	assert.Equal(t, "hello legacy world, stored long ago", string(got))

	got, err = c.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, "hello legacy world, stored long ago", string(got))
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	c := newTestCodec(t)
	other, err := New("another secret")
	require.NoError(t, err)

	plain := randomBytes(t, 64)
	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)
	// A wrong key can still yield valid-looking padding, never the plaintext.
	got, err := other.Decrypt(sealed)
	if err == nil {
		assert.NotEqual(t, plain, got)
	} else {
		assert.ErrorIs(t, err, ErrDecrypt)
	}

	_, err = other.Decrypt(encryptLegacy(t, testSecret, []byte("x")))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptReaderRejectsTruncatedInput(t *testing.T) {
	c := newTestCodec(t)
	sealed, err := c.Encrypt(randomBytes(t, 40))
	require.NoError(t, err)

	r, err := c.DecryptReader(bytes.NewReader(sealed[:len(sealed)-3]))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = c.DecryptReader(bytes.NewReader(sealed[:5]))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPlainSize(t *testing.T) {
	c := newTestCodec(t)
	for _, size := range []int{0, 5, 16, 31, 32, 1000} {
		sealed, err := c.Encrypt(randomBytes(t, size))
		require.NoError(t, err)
		n, err := c.PlainSize(sealed[len(sealed)-2*aes.BlockSize:], int64(len(sealed)))
		require.NoError(t, err)
		assert.Equal(t, int64(size), n)
	}

	_, err := c.PlainSize(make([]byte, 32), 33)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptReaderAtBlockBoundary(t *testing.T) {
	c := newTestCodec(t)
	plain := randomBytes(t, 1000)
	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)

	// Start at plaintext block 10; the preceding cipher block acts as IV.
	prev := sealed[10*aes.BlockSize : 11*aes.BlockSize]
	r := c.DecryptReaderAt(bytes.NewReader(sealed[11*aes.BlockSize:]), prev)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain[10*aes.BlockSize:], got)
}

func TestPassthrough(t *testing.T) {
	c := NewPassthrough()
	assert.False(t, c.Enabled())
	plain := []byte("clear text")

	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, sealed)

	var buf bytes.Buffer
	w, err := c.EncryptWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, plain, buf.Bytes())
}
