// Package protocol implements the binary frame format spoken between a worker
// and its agent.
//
// Every frame is a fixed 25-byte header followed by a variable-length body.
// The receiver parses the header first to learn the body length, then waits
// until exactly that many bytes are available.
//
// Frame format:
//
//	0     3  4  5          9          13         17         21         25
//	┌─────┬──┬──┬──────────┬──────────┬──────────┬──────────┬──────────┬────────────┐
//	│magic│v │mk│ reqID    │ reqKind  │ length   │ code     │ crc32    │ body ...   │
//	│ nsl │01│  │ uint32   │ uint32   │ uint32   │ uint32   │ uint32   │ length B   │
//	└─────┴──┴──┴──────────┴──────────┴──────────┴──────────┴──────────┴────────────┘
//
// All integers are big-endian. The code field is only meaningful on responses;
// requests always carry CodeOK.
//
// Version 1 framing wraps the five core fields (message kind, request id,
// request kind, length, code) in a 4-byte prefix and a trailing body
// checksum, so each core field sits at its Off* offset rather than at the
// start of the frame. A peer speaking the bare five-field layout is rejected
// with ErrInvalidMagic on its first frame.
package protocol

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Magic bytes "nsl" identify a frame and reject foreign peers early
// (e.g. something other than an agent listening on the socket path).
const (
	MagicByte1 byte = 0x6e // 'n'
	MagicByte2 byte = 0x73 // 's'
	MagicByte3 byte = 0x6c // 'l'
	Version    byte = 0x01
	HeaderSize int  = 25 // 3 (magic) + 1 (version) + 1 (kind) + 4 (id) + 4 (reqKind) + 4 (length) + 4 (code) + 4 (crc)
)

// Field offsets within the version 1 header.
const (
	OffVersion       = 3
	OffMessageKind   = 4
	OffRequestID     = 5
	OffRequestKind   = 9
	OffContentLength = 13
	OffCode          = 17
	OffChecksum      = 21

	// CoreHeaderSize is the width of the five core fields alone.
	CoreHeaderSize = OffChecksum - OffMessageKind
)

// Errors returned while parsing frames. All of them are protocol-fatal.
var (
	ErrInvalidMagic          = errors.New("invalid magic number")
	ErrUnsupportedVersion    = errors.New("unsupported version")
	ErrUnknownMessageKind    = errors.New("unknown message kind")
	ErrUnknownRequestKind    = errors.New("unknown request kind")
	ErrUnknownCode           = errors.New("unknown canonical code")
	ErrChecksumMismatch      = errors.New("body checksum mismatch")
	ErrContentLengthMismatch = errors.New("content length does not match body")
	ErrShortHeader           = errors.New("short header")
)

// Header is the fixed-size frame header.
type Header struct {
	MessageKind   MessageKind
	RequestID     uint32
	RequestKind   RequestKind
	ContentLength uint32
	Code          Code
	// Checksum is the CRC-32 (IEEE) of the body. Encode fills it in.
	Checksum uint32
}

// IsResponse reports whether the header belongs to a response frame.
func (h *Header) IsResponse() bool {
	return h.MessageKind == MessageKindResponse
}

// PutHeader serializes h into buf, which must be at least HeaderSize long.
func PutHeader(buf []byte, h *Header) {
	_ = buf[HeaderSize-1]
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[OffVersion] = Version
	buf[OffMessageKind] = byte(h.MessageKind)
	binary.BigEndian.PutUint32(buf[OffRequestID:], h.RequestID)
	binary.BigEndian.PutUint32(buf[OffRequestKind:], uint32(h.RequestKind))
	binary.BigEndian.PutUint32(buf[OffContentLength:], h.ContentLength)
	binary.BigEndian.PutUint32(buf[OffCode:], uint32(h.Code))
	binary.BigEndian.PutUint32(buf[OffChecksum:], h.Checksum)
}

// DecodeHeader parses the first HeaderSize bytes of buf.
// It validates everything the header alone can tell: magic, version,
// message kind, request kind and code. The checksum needs the body and is
// checked by VerifyBody.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrapf(ErrShortHeader, "have %d bytes, need %d", len(buf), HeaderSize)
	}
	if buf[0] != MagicByte1 || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return nil, errors.Wrapf(ErrInvalidMagic, "%x", buf[0:3])
	}
	if buf[OffVersion] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%d", buf[OffVersion])
	}

	h := &Header{
		MessageKind:   MessageKind(buf[OffMessageKind]),
		RequestID:     binary.BigEndian.Uint32(buf[OffRequestID:]),
		RequestKind:   RequestKind(binary.BigEndian.Uint32(buf[OffRequestKind:])),
		ContentLength: binary.BigEndian.Uint32(buf[OffContentLength:]),
		Code:          Code(binary.BigEndian.Uint32(buf[OffCode:])),
		Checksum:      binary.BigEndian.Uint32(buf[OffChecksum:]),
	}
	if !h.MessageKind.Valid() {
		return nil, errors.Wrapf(ErrUnknownMessageKind, "%d", buf[OffMessageKind])
	}
	if !h.RequestKind.Valid() {
		return nil, errors.Wrapf(ErrUnknownRequestKind, "%d", uint32(h.RequestKind))
	}
	if !h.Code.Valid() {
		return nil, errors.Wrapf(ErrUnknownCode, "%d", uint32(h.Code))
	}
	return h, nil
}

// VerifyBody checks body against the length and checksum announced in h.
func VerifyBody(h *Header, body []byte) error {
	if uint32(len(body)) != h.ContentLength {
		return errors.Wrapf(ErrContentLengthMismatch, "header says %d, body has %d", h.ContentLength, len(body))
	}
	if sum := crc32.ChecksumIEEE(body); sum != h.Checksum {
		return errors.Wrapf(ErrChecksumMismatch, "header %08x, body %08x", h.Checksum, sum)
	}
	return nil
}

// Encode returns header || body as one contiguous frame.
// h.ContentLength must equal len(body); h.Checksum is computed here.
func Encode(h *Header, body []byte) ([]byte, error) {
	if uint32(len(body)) != h.ContentLength {
		return nil, errors.Wrapf(ErrContentLengthMismatch, "header says %d, body has %d", h.ContentLength, len(body))
	}
	h.Checksum = crc32.ChecksumIEEE(body)

	frame := make([]byte, HeaderSize+len(body))
	PutHeader(frame, h)
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// NewFrame builds a frame for the given header fields, filling in the length.
func NewFrame(kind MessageKind, requestID uint32, requestKind RequestKind, code Code, body []byte) ([]byte, error) {
	h := &Header{
		MessageKind:   kind,
		RequestID:     requestID,
		RequestKind:   requestKind,
		ContentLength: uint32(len(body)),
		Code:          code,
	}
	return Encode(h, body)
}

// Write encodes one frame and writes it to w in a single call.
// The caller must serialize concurrent writers, otherwise frames interleave.
func Write(w io.Writer, h *Header, body []byte) error {
	frame, err := Encode(h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Read reads exactly one frame from r. It is the blocking counterpart of the
// incremental decoder and is mostly useful for tools and tests.
func Read(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	h, err := DecodeHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.ContentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	if err := VerifyBody(h, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
