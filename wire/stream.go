package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Reader reads consecutive frames from a byte stream. It is not safe for
// concurrent use; a connection has exactly one reading goroutine.
type Reader struct {
	r       *bufio.Reader
	maxSize uint32
	lenBuf  [lengthSize]byte
}

// NewReader returns a Reader that rejects frames whose length prefix exceeds
// maxSize. A maxSize of zero means DefaultMaxFrameSize.
func NewReader(r io.Reader, maxSize uint32) *Reader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame returns the next frame. It returns io.EOF only when the stream ends
// cleanly on a frame boundary. A stream that ends mid-frame, or that contains
// an undecodable frame, yields an error wrapping ErrMalformedFrame.
func (r *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated length prefix", ErrMalformedFrame)
		}
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(r.lenBuf[:])
	if n < headerSize {
		return Frame{}, fmt.Errorf("%w: length %d is shorter than header", ErrMalformedFrame, n)
	}
	if n > r.maxSize {
		return Frame{}, fmt.Errorf("%w: length %d exceeds maximum %d", ErrMalformedFrame, n, r.maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated frame body (want %d bytes)", ErrMalformedFrame, n)
		}
		return Frame{}, err
	}
	return decodeBody(body)
}

// Writer writes frames to a byte stream. Each frame is emitted with exactly one
// call to the underlying Write, and calls are serialized, so frames written
// from concurrent goroutines never interleave.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer for w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes f and writes it.
func (w *Writer) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := AppendFrame(w.buf[:0], f)
	if err != nil {
		return err
	}
	// keep small buffers around for reuse, but don't pin large payloads
	if cap(b) <= 64*1024 {
		w.buf = b
	}
	_, err = w.w.Write(b)
	return err
}
