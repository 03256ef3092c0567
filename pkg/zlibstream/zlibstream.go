// Package zlibstream decodes the zlib-stream transport compression used by
// the gateway. Every message is deflated with a sync flush against one
// shared compression context, so the inflater must survive between frames
// and a message is only complete once the received bytes end with the
// 00 00 ff ff sync marker.
package zlibstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
)

const (
	// Larger than the flate window so a single Read drains everything the
	// inflater has pending for the current unit.
	scratchSize = 64 * 1024

	windowSize = 32 * 1024
)

var (
	ErrDecompress  = errors.New("failed to decompress zlib-stream frame")
	ErrInvalidUTF8 = errors.New("decompressed frame is not valid utf-8")
	ErrHeader      = errors.New("invalid zlib header")
)

var syncMarker = []byte{0x00, 0x00, 0xff, 0xff}

// Decompressor holds the inflate context of one gateway session.
// It is not safe for concurrent use.
type Decompressor struct {
	reader io.ReadCloser
	source *bytes.Reader

	// history mirrors the inflater window so it can be re-seeded when the
	// inflater reads past the end of a unit.
	history *window

	partial []byte
	scratch []byte
	output  []byte
}

// NewDecompressor creates a Decompressor expecting a fresh zlib stream.
func NewDecompressor() *Decompressor {
	return &Decompressor{
		source:  bytes.NewReader(nil),
		history: &window{},
		scratch: make([]byte, scratchSize),
	}
}

// Decompress feeds one websocket frame into the stream. It returns false
// when the frame does not complete a message yet. The returned slice is only
// valid until the next call.
func (d *Decompressor) Decompress(fragment []byte) ([]byte, bool, error) {
	var unit []byte

	if len(d.partial) == 0 && bytes.HasSuffix(fragment, syncMarker) {
		unit = fragment
	} else {
		d.partial = append(d.partial, fragment...)

		if !bytes.HasSuffix(d.partial, syncMarker) {
			return nil, false, nil
		}

		unit = d.partial
	}

	defer func() { d.partial = d.partial[:0] }()

	d.output = d.output[:0]

	// The two byte zlib header only precedes the first unit of a stream.
	if d.reader == nil {
		if err := checkHeader(unit); err != nil {
			return nil, false, err
		}

		d.source.Reset(unit[2:])
		d.reader = flate.NewReader(d.source)
	} else {
		d.source.Reset(unit)
	}

	for {
		n, err := d.reader.Read(d.scratch)
		d.output = append(d.output, d.scratch[:n]...)

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// The server ended the stream, the next unit starts a new one.
			d.closeReader()
		case errors.Is(err, io.ErrUnexpectedEOF) && d.source.Len() == 0:
			// The inflater looked for the next block header after the sync
			// flush. Its error is sticky so restart it on the same window.
			d.history.Write(d.output)

			if err := d.reader.(flate.Resetter).Reset(d.source, d.history.Bytes()); err != nil {
				d.closeReader()

				return nil, false, fmt.Errorf("%w: %w", ErrDecompress, err)
			}

			return d.finish()
		default:
			d.closeReader()

			return nil, false, fmt.Errorf("%w: %w", ErrDecompress, err)
		}

		if d.reader == nil || (d.source.Len() == 0 && n < len(d.scratch)) {
			break
		}
	}

	if d.reader != nil {
		d.history.Write(d.output)
	}

	return d.finish()
}

func (d *Decompressor) finish() ([]byte, bool, error) {
	if !utf8.Valid(d.output) {
		return nil, false, ErrInvalidUTF8
	}

	return d.output, true, nil
}

// Pending reports whether an incomplete message is buffered.
func (d *Decompressor) Pending() bool {
	return len(d.partial) > 0
}

// Reset discards the inflate context and any buffered fragments. The next
// frame must begin a new zlib stream.
func (d *Decompressor) Reset() {
	d.closeReader()

	d.source.Reset(nil)
	d.partial = d.partial[:0]
	d.output = d.output[:0]
}

func (d *Decompressor) closeReader() {
	if d.reader != nil {
		d.reader.Close()
		d.reader = nil
	}

	d.history.Reset()
}

func checkHeader(unit []byte) error {
	if len(unit) < 2 {
		return fmt.Errorf("%w: %w", ErrDecompress, ErrHeader)
	}

	cmf, flg := unit[0], unit[1]

	if cmf&0x0f != 8 || (uint16(cmf)<<8|uint16(flg))%31 != 0 || flg&0x20 != 0 {
		return fmt.Errorf("%w: %w", ErrDecompress, ErrHeader)
	}

	return nil
}

// window is a ring holding the last windowSize bytes written to it.
type window struct {
	buf  [windowSize]byte
	pos  int
	full bool
}

func (w *window) Write(p []byte) {
	if len(p) >= windowSize {
		copy(w.buf[:], p[len(p)-windowSize:])
		w.pos = 0
		w.full = true

		return
	}

	n := copy(w.buf[w.pos:], p)
	if n < len(p) {
		copy(w.buf[:], p[n:])
		w.full = true
	}

	w.pos = (w.pos + len(p)) % windowSize
	if w.pos == 0 && len(p) > 0 {
		w.full = true
	}
}

// Bytes returns the window contents, oldest first.
func (w *window) Bytes() []byte {
	if !w.full {
		return append([]byte(nil), w.buf[:w.pos]...)
	}

	return append(append(make([]byte, 0, windowSize), w.buf[w.pos:]...), w.buf[:w.pos]...)
}

func (w *window) Reset() {
	w.pos = 0
	w.full = false
}
