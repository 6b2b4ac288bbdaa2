package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

const readChunk = 64 * 1024

type encryptWriter struct {
	dst     io.Writer
	iv      []byte
	mode    cipher.BlockMode
	pending []byte
	wroteIV bool
	closed  bool
}

func (w *encryptWriter) writeIV() error {
	if w.wroteIV {
		return nil
	}
	if _, err := w.dst.Write(w.iv); err != nil {
		return err
	}
	w.wroteIV = true
	return nil
}

func (w *encryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed encrypt stream")
	}
	if err := w.writeIV(); err != nil {
		return 0, err
	}
	w.pending = append(w.pending, p...)
	// Whole blocks can go out now; padding always adds a block on Close.
	n := len(w.pending) - len(w.pending)%aes.BlockSize
	if n > 0 {
		out := make([]byte, n)
		w.mode.CryptBlocks(out, w.pending[:n])
		if _, err := w.dst.Write(out); err != nil {
			return 0, err
		}
		w.pending = append(w.pending[:0], w.pending[n:]...)
	}
	return len(p), nil
}

func (w *encryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writeIV(); err != nil {
		return err
	}
	last := pad(w.pending)
	w.mode.CryptBlocks(last, last)
	w.pending = nil
	_, err := w.dst.Write(last)
	return err
}

// decryptReader keeps the final cipher block back until src is exhausted so
// the padding can be stripped.
type decryptReader struct {
	src  io.Reader
	mode cipher.BlockMode
	in   []byte
	out  []byte
	eof  bool
	err  error
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			r.finish()
			continue
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *decryptReader) fill() {
	start := len(r.in)
	r.in = r.in[:cap(r.in)]
	n, err := r.src.Read(r.in[start:])
	r.in = r.in[:start+n]
	if err == io.EOF {
		r.eof = true
	} else if err != nil {
		r.err = err
		return
	}
	if len(r.in) == 0 {
		return
	}
	usable := (len(r.in) - 1) / aes.BlockSize * aes.BlockSize
	if usable == 0 {
		return
	}
	plain := make([]byte, usable)
	r.mode.CryptBlocks(plain, r.in[:usable])
	r.in = append(r.in[:0], r.in[usable:]...)
	r.out = plain
}

func (r *decryptReader) finish() {
	r.err = io.EOF
	if len(r.in) != aes.BlockSize {
		r.err = fmt.Errorf("%w: truncated ciphertext", ErrDecrypt)
		return
	}
	last := make([]byte, aes.BlockSize)
	r.mode.CryptBlocks(last, r.in)
	r.in = r.in[:0]
	plain, err := unpad(last)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrDecrypt, err)
		return
	}
	r.out = plain
}
