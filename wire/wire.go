// Package wire provides reliable byte sends and length-prefixed frames for
// moving encoded envelopes over stream connections.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxFrameSize bounds frames read by ReadFrame when no limit is given.
const DefaultMaxFrameSize = 4 << 20

var (
	// ErrConnectionBroken is returned when the peer accepts zero bytes without
	// reporting an error.
	ErrConnectionBroken = errors.New("wire: connection broken")
	// ErrFrameTooLarge is returned for frames above the configured limit.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// WriteFull writes all of p to w, retrying short writes. It returns the
// number of bytes written. A write that makes no progress and reports no
// error fails with ErrConnectionBroken.
func WriteFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		if n < 0 || n > len(p)-total {
			return total, fmt.Errorf("wire: invalid write count %d", n)
		}
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ErrConnectionBroken
		}
	}
	return total, nil
}

// WriteFrame writes p prefixed with its uvarint length.
func WriteFrame(w io.Writer, p []byte) error {
	header := varint.ToUvarint(uint64(len(p)))
	buf := make([]byte, 0, len(header)+len(p))
	buf = append(buf, header...)
	buf = append(buf, p...)
	_, err := WriteFull(w, buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame. Frames larger than limit
// bytes fail with ErrFrameTooLarge; limit <= 0 selects DefaultMaxFrameSize.
// A clean end of stream before the length prefix returns io.EOF.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	size, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, limit)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// byteReader reads single bytes without buffering past the length prefix.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	for {
		n, err := b.r.Read(b.buf[:])
		if n == 1 {
			return b.buf[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}
