// Package hid computes content-addressed identifiers for blobs and trees.
package hid

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"wcengine/internal/common"
)

// Len is the length in characters of a hex encoded HID.
const Len = 64

// Sum returns the HID of data.
func Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromReader streams r through the hasher and returns the HID and the
// number of bytes read.
func FromReader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Writer hashes everything written through it while forwarding to an
// optional destination.
type Writer struct {
	dst io.Writer
	h   *blake3.Hasher
	n   int64
}

// NewWriter returns a Writer forwarding to dst. dst may be nil.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, h: blake3.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.dst != nil {
		n, err := w.dst.Write(p)
		w.h.Write(p[:n])
		w.n += int64(n)
		return n, err
	}
	w.h.Write(p)
	w.n += int64(len(p))
	return len(p), nil
}

// HID returns the HID of the bytes written so far.
func (w *Writer) HID() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.n
}

// Valid reports whether s is a well-formed HID.
func Valid(s string) bool {
	if len(s) != Len {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Verify returns common.ErrContentMismatch when got differs from want.
func Verify(what, want, got string) error {
	if want != got {
		return fmt.Errorf("%w: %s: expected %s, got %s", common.ErrContentMismatch, what, want, got)
	}
	return nil
}
