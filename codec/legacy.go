package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
)

var saltedPrefix = []byte("Salted__")

// legacyMagic is the base64 form of saltedPrefix, which every legacy object
// starts with.
var legacyMagic = []byte("U2FsdGVkX1")

// LooksLegacy reports whether head (the first bytes of a stored object)
// carries the legacy whole-buffer header.
func LooksLegacy(head []byte) bool {
	return bytes.HasPrefix(head, legacyMagic)
}

// DecryptLegacy decrypts an object written by the old whole-buffer scheme:
// base64 text of "Salted__" + salt + AES-256-CBC ciphertext whose plaintext
// is itself the base64 text of the original bytes.
func (c *Codec) DecryptLegacy(data []byte) ([]byte, error) {
	if c.disabled {
		return data, nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("legacy envelope: %w", err)
	}
	if len(raw) < 16 || !bytes.Equal(raw[:8], saltedPrefix) {
		return nil, errors.New("legacy envelope: missing salt header")
	}
	salt, ct := raw[8:16], raw[16:]
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("legacy envelope: ciphertext is not block aligned")
	}
	key, iv := bytesToKey(c.passphrase, salt, keySize, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("legacy envelope: %w", err)
	}
	out, err := base64.StdEncoding.DecodeString(string(plain))
	if err != nil {
		return nil, fmt.Errorf("legacy payload: %w", err)
	}
	return out, nil
}

// bytesToKey is OpenSSL's EVP_BytesToKey with MD5 and a single iteration.
func bytesToKey(pass, salt []byte, keyLen, ivLen int) ([]byte, []byte) {
	var out, prev []byte
	for len(out) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}
