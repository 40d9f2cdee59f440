// Package decoder turns a byte stream into decoded frames, one at a time.
//
// States:
//
//	Idle ──header complete──▶ HeaderParsed ──body complete──▶ Complete
//	  ▲                                                          │
//	  └──────────────────────── TakeContent ◀────────────────────┘
//
// Any parse failure moves the decoder to Failed, where it stays: a corrupt
// stream cannot be resynchronized and the connection must be closed.
package decoder

import (
	"github.com/pkg/errors"

	"noslated-ipc/codec"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
)

// Result is what Decode reports.
type Result int

const (
	// More means the buffer does not hold a complete frame yet.
	More Result = iota
	// OK means a frame is ready; call TakeContent.
	OK
	// Error means the stream is corrupt; see Err.
	Error
)

func (r Result) String() string {
	switch r {
	case More:
		return "More"
	case OK:
		return "OK"
	case Error:
		return "Error"
	}
	return "Result(?)"
}

// DefaultMaxContentLength bounds a single body (16MB).
const DefaultMaxContentLength = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a header announces a body above the limit.
var ErrFrameTooLarge = errors.New("frame too large")

type state int

const (
	stateIdle state = iota
	stateHeaderParsed
	stateComplete
	stateFailed
)

// Decoder accumulates bytes and extracts frames. It is not safe for
// concurrent use; a connection's read loop owns it.
type Decoder struct {
	codec            codec.Codec
	maxContentLength uint32

	buf []byte
	off int // read cursor; buf[:off] is consumed

	state  state
	header *protocol.Header
	env    *message.Envelope
	err    error
}

// New creates a decoder. A zero maxContentLength selects DefaultMaxContentLength.
func New(c codec.Codec, maxContentLength uint32) *Decoder {
	if c == nil {
		c = codec.Default()
	}
	if maxContentLength == 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Decoder{codec: c, maxContentLength: maxContentLength}
}

// Insert appends p to the internal buffer. p is copied; the caller may reuse it.
func (d *Decoder) Insert(p []byte) {
	if d.state == stateFailed {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Err returns the error that moved the decoder to the failed state.
func (d *Decoder) Err() error {
	return d.err
}

// Decode advances the state machine as far as the buffered bytes allow.
func (d *Decoder) Decode() Result {
	switch d.state {
	case stateFailed:
		return Error
	case stateComplete:
		return OK
	}

	if d.state == stateIdle {
		if d.Buffered() < protocol.HeaderSize {
			return More
		}
		h, err := protocol.DecodeHeader(d.buf[d.off:])
		if err != nil {
			return d.fail(err)
		}
		if h.ContentLength > d.maxContentLength {
			return d.fail(errors.Wrapf(ErrFrameTooLarge, "%d bytes, limit %d", h.ContentLength, d.maxContentLength))
		}
		d.header = h
		d.state = stateHeaderParsed
	}

	frameLen := protocol.HeaderSize + int(d.header.ContentLength)
	if d.Buffered() < frameLen {
		return More
	}

	body := d.buf[d.off+protocol.HeaderSize : d.off+frameLen]
	if err := protocol.VerifyBody(d.header, body); err != nil {
		return d.fail(err)
	}
	env, err := message.Decode(d.codec, d.header, body)
	if err != nil {
		return d.fail(err)
	}
	d.env = env
	d.state = stateComplete
	return OK
}

// TakeContent consumes the ready frame and resets to Idle. It returns nil
// unless the last Decode returned OK.
func (d *Decoder) TakeContent() *message.Envelope {
	if d.state != stateComplete {
		return nil
	}
	env := d.env
	d.off += protocol.HeaderSize + int(d.header.ContentLength)
	d.env = nil
	d.header = nil
	d.state = stateIdle
	d.compact()
	return env
}

// compact drops consumed bytes once they make up at least half of the
// buffer, so trimming costs amortized O(1) per byte instead of a move per frame.
func (d *Decoder) compact() {
	switch {
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off >= len(d.buf)/2:
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}

func (d *Decoder) fail(err error) Result {
	d.err = err
	d.state = stateFailed
	d.buf = nil
	d.off = 0
	d.header = nil
	d.env = nil
	return Error
}
