package radio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// -------------------------------------------------------------------------
// Serial Stream Framing
// -------------------------------------------------------------------------

// The serial stream interleaves framed protobuf payloads with free-form
// debug text from the device console. Each frame is a two-byte magic,
// a big-endian 16-bit payload length, then the payload. Anything between
// frames is console noise and is skipped.
const (
	frameStart1 = 0x94
	frameStart2 = 0xc3

	// maxFramePayload is the largest payload the device will emit.
	maxFramePayload = 512

	frameHeaderLen = 4
)

var (
	// ErrFrameTooLarge indicates a length header above maxFramePayload.
	// The reader treats it as console noise and resynchronizes; writers
	// return it for oversized payloads.
	ErrFrameTooLarge = errors.New("radio: frame payload exceeds maximum")
)

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	hdr := [frameHeaderLen]byte{frameStart1, frameStart2}
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// FrameReader extracts framed payloads from a byte stream, skipping any
// interleaved console output.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r in a FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*maxFramePayload)}
}

// Next returns the payload of the next well-formed frame. Bytes that do not
// begin a frame, and headers with an implausible length, are discarded.
// Returns the underlying reader's error (io.EOF included) once the stream
// ends.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			continue
		}

		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			// 0x94 may itself start the next frame.
			if b == frameStart1 {
				if err := fr.r.UnreadByte(); err != nil {
					return nil, err
				}
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > maxFramePayload {
			// Magic bytes inside console noise. Resynchronize.
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
