package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// IVSize is the length of the random IV stored in front of every object.
	IVSize = aes.BlockSize

	// InMemoryThreshold is the largest payload encrypted or decrypted as a
	// single buffer. Anything above it must go through the stream stages.
	InMemoryThreshold = 50 * 1024 * 1024

	keySalt = "salt"
	keySize = 32
)

var (
	// ErrDecrypt is returned when neither the current nor the legacy format
	// could be decrypted.
	ErrDecrypt = errors.New("unable to decrypt object")
	// ErrMissingKey is returned when encryption is enabled without a secret.
	ErrMissingKey = errors.New("encryption key is required when encryption is enabled")
)

// Codec encrypts and decrypts object bytes with AES-256-CBC.
// A disabled Codec passes bytes through untouched.
type Codec struct {
	block      cipher.Block
	passphrase []byte
	disabled   bool
}

// New derives the object key from secret. Derivation is slow on purpose and
// happens once per process.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	key, err := scrypt.Key([]byte(secret), []byte(keySalt), 16384, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher failed: %w", err)
	}
	return &Codec{block: block, passphrase: []byte(secret)}, nil
}

// NewPassthrough returns a Codec that stores bytes in the clear.
func NewPassthrough() *Codec {
	return &Codec{disabled: true}
}

// Enabled reports whether objects are encrypted at rest.
func (c *Codec) Enabled() bool {
	return !c.disabled
}

// EncryptWriter returns a writer that encrypts everything written to it into
// dst. The IV is written first. Close flushes the padded final block and must
// be called; it does not close dst.
func (c *Codec) EncryptWriter(dst io.Writer) (io.WriteCloser, error) {
	if c.disabled {
		return nopWriteCloser{dst}, nil
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv failed: %w", err)
	}
	return &encryptWriter{
		dst:  dst,
		iv:   iv,
		mode: cipher.NewCBCEncrypter(c.block, iv),
	}, nil
}

// DecryptReader returns a reader yielding the plaintext of a current-format
// stream read from src. The first IVSize bytes of src are the IV.
func (c *Codec) DecryptReader(src io.Reader) (io.Reader, error) {
	if c.disabled {
		return src, nil
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("%w: read iv: %v", ErrDecrypt, err)
	}
	return c.DecryptReaderAt(src, iv), nil
}

// DecryptReaderAt decrypts a ciphertext stream that starts on a block
// boundary. prev is the cipher block preceding the stream's first block (the
// IV when starting at the beginning of the object).
func (c *Codec) DecryptReaderAt(src io.Reader, prev []byte) io.Reader {
	if c.disabled {
		return src
	}
	return &decryptReader{
		src:  src,
		mode: cipher.NewCBCDecrypter(c.block, prev),
		in:   make([]byte, 0, readChunk+aes.BlockSize),
	}
}

// Encrypt encrypts plain in memory and returns IV followed by ciphertext.
func (c *Codec) Encrypt(plain []byte) ([]byte, error) {
	if c.disabled {
		return plain, nil
	}
	var buf bytes.Buffer
	buf.Grow(IVSize + len(plain) + aes.BlockSize)
	w, err := c.EncryptWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decrypt decrypts a whole object in either the current or the legacy format.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	if c.disabled {
		return data, nil
	}
	// A legacy header is checked first: a legacy envelope can pass the
	// current-format padding check by chance and decrypt to garbage.
	if LooksLegacy(data) {
		if plain, err := c.DecryptLegacy(data); err == nil {
			return plain, nil
		}
	}
	plain, err := c.decryptCurrent(data)
	if err == nil {
		return plain, nil
	}
	legacy, legacyErr := c.DecryptLegacy(data)
	if legacyErr == nil {
		return legacy, nil
	}
	return nil, fmt.Errorf("%w: current format: %v, legacy format: %v", ErrDecrypt, err, legacyErr)
}

func (c *Codec) decryptCurrent(data []byte) ([]byte, error) {
	if len(data) < IVSize+aes.BlockSize || (len(data)-IVSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not block aligned", len(data))
	}
	out := make([]byte, len(data)-IVSize)
	cipher.NewCBCDecrypter(c.block, data[:IVSize]).CryptBlocks(out, data[IVSize:])
	return unpad(out)
}

// PlainSize returns the plaintext length of a current-format object whose
// stored size is storedSize. tail must hold the last 2*IVSize bytes of the
// object (for a one-block object that is the IV plus the only block).
func (c *Codec) PlainSize(tail []byte, storedSize int64) (int64, error) {
	if c.disabled {
		return storedSize, nil
	}
	if storedSize < IVSize+aes.BlockSize || (storedSize-IVSize)%aes.BlockSize != 0 {
		return 0, fmt.Errorf("%w: stored size %d is not block aligned", ErrDecrypt, storedSize)
	}
	if len(tail) != 2*aes.BlockSize {
		return 0, fmt.Errorf("tail must be %d bytes, got %d", 2*aes.BlockSize, len(tail))
	}
	last := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(c.block, tail[:aes.BlockSize]).CryptBlocks(last, tail[aes.BlockSize:])
	n, err := padLen(last)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return storedSize - IVSize - int64(n), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func padLen(block []byte) (int, error) {
	if len(block) == 0 || len(block)%aes.BlockSize != 0 {
		return 0, errors.New("invalid padded length")
	}
	n := int(block[len(block)-1])
	if n == 0 || n > aes.BlockSize || n > len(block) {
		return 0, errors.New("invalid padding")
	}
	for _, b := range block[len(block)-n:] {
		if int(b) != n {
			return 0, errors.New("invalid padding")
		}
	}
	return n, nil
}

func unpad(b []byte) ([]byte, error) {
	n, err := padLen(b)
	if err != nil {
		return nil, err
	}
	return b[:len(b)-n], nil
}
