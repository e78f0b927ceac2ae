package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Binary frame protocol for index artifacts. Every record in the artifact
// body is one frame; the frame layer owns synchronization and integrity,
// the record layer owns meaning.
const (
	// MagicByte marks the start of a valid frame, useful for scanning
	// forward after localized corruption.
	MagicByte = 0xA5

	// HeaderSize is the fixed frame metadata size:
	// 1 (magic) + 1 (opcode) + 4 (length) + 4 (crc32) = 10 bytes.
	HeaderSize = 10

	// OpCodeHeader carries the index parameters and node count.
	OpCodeHeader = 0x01
	// OpCodeNode carries one serialized graph node.
	OpCodeNode = 0x02
	// OpCodeEnd is the empty terminator frame. A body without it was
	// truncated mid-write.
	OpCodeEnd = 0x03
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not
	// a frame stream at all.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates corruption within a frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the stream ended inside a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FrameWriter writes binary frames to an underlying io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w. Callers that care about syscall count should pass
// a buffered writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame:
// [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)].
func (fw *FrameWriter) WriteFrame(opcode byte, payload []byte) error {
	header := make([]byte, HeaderSize)
	header[0] = MagicByte
	header[1] = opcode
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// ReadFrame reads and validates the next frame, returning its opcode and
// payload. A clean io.EOF at a frame boundary is passed through; EOF inside
// a frame surfaces as ErrIncompleteFrame.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return 0, nil, ErrInvalidMagic
	}
	opcode := header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return opcode, nil, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return opcode, nil, ErrChecksumMismatch
	}
	return opcode, payload, nil
}
