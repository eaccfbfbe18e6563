// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package frame implements the wire framing used by the client-facing
// front-end: a 4-byte big-endian int32 length prefix followed by a binary
// payload.
//
// Semantics and design:
//   - Two-phase decode: a Codec first fills a 4-byte length buffer, then
//     allocates and fills a payload buffer of that size. On payload
//     completion it returns the full frame and resets back to length-reading.
//     A short read leaves the partially-filled buffers in place for the next
//     call; no bytes are ever discarded.
//   - Non-blocking first: ErrWouldBlock is surfaced as a control-flow signal
//     (aliased from the iox package) so a single-threaded caller can poll
//     many Codecs without dedicating a goroutine to each. A returned
//     NeedMore does not mean failure; it means "call again once more bytes
//     are available".
//   - Probe interception: before a Codec is told the connection has
//     completed its handshake, the freshly-filled length buffer is also a
//     candidate four-letter command token; see ReadFrame's probe callback.
//
// This package intentionally speaks exactly one wire form: a single
// length-prefixed binary stream, always in network byte order. There is
// no transport-kind or byte-order option.
package frame

import (
	"encoding/binary"
	"io"
	"time"

	"code.hybscloud.com/iox"
)

// Result describes the outcome of one Codec.ReadFrame call.
type Result int

const (
	// NeedMore means no complete frame is available yet; the caller should
	// retry after the next readiness signal. No bytes were lost.
	NeedMore Result = iota
	// FrameReady means a complete payload was decoded and is returned
	// alongside the result.
	FrameReady
	// Probe means the length buffer, read in full, matched a four-letter
	// command token recognized by the caller's probe function. The Codec
	// has already reset for the next frame.
	Probe
	// EOF means the underlying reader reached a clean end-of-stream at a
	// frame boundary (no partial frame in flight).
	EOF
)

type phase uint8

const (
	phaseLength phase = iota
	phasePayload
)

// Codec decodes length-prefixed frames from a single io.Reader. It is not
// safe for concurrent use; the owning Connection's reactor loop is the only
// caller.
type Codec struct {
	rd          io.Reader
	maxFrameLen int64
	retryDelay  time.Duration

	phase      phase
	lenBuf     [4]byte
	lenOff     int
	payload    []byte
	payloadOff int
	length     int32
}

// NewCodec returns a Codec reading frames from r.
func NewCodec(r io.Reader, opts ...Option) *Codec {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	maxLen := o.MaxFrameLen
	if maxLen <= 0 {
		maxLen = defaultOptions.MaxFrameLen
	}
	return &Codec{
		rd:          r,
		maxFrameLen: int64(maxLen),
		retryDelay:  o.RetryDelay,
	}
}

// reset returns the Codec to length-reading state, ready for the next frame.
func (c *Codec) reset() {
	c.phase = phaseLength
	c.lenOff = 0
	c.payload = nil
	c.payloadOff = 0
	c.length = 0
}

// ReadFrame advances the decode state machine, reading until a frame is
// complete, the reader reports ErrWouldBlock (retried only under the
// configured blocking retry policy), or an error occurs.
//
// probe, when non-nil, is consulted exactly once per frame: immediately
// after the 4-byte length buffer fills, before it is interpreted as a
// length. This is the hook four-letter command detection uses; pass nil
// once the connection is past its handshake, per the protocol's gating
// rule that four-letter tokens are only recognized pre-handshake.
func (c *Codec) ReadFrame(probe func(token uint32) bool) (Result, []byte, error) {
	if c.rd == nil {
		return 0, nil, ErrInvalidArgument
	}

	if c.phase == phaseLength {
		for c.lenOff < 4 {
			n, err := c.readOnce(c.lenBuf[c.lenOff:4])
			c.lenOff += n
			if err != nil {
				if err == ErrWouldBlock {
					return NeedMore, nil, nil
				}
				if err == io.EOF {
					if c.lenOff == 0 {
						return EOF, nil, nil
					}
					return 0, nil, io.ErrUnexpectedEOF
				}
				return 0, nil, err
			}
		}

		token := binary.BigEndian.Uint32(c.lenBuf[:])
		if probe != nil && probe(token) {
			c.reset()
			return Probe, nil, nil
		}

		length := int32(token)
		if length < 0 || int64(length) > c.maxFrameLen {
			c.reset()
			return 0, nil, ErrTooLong
		}
		c.length = length
		c.payload = make([]byte, length)
		c.phase = phasePayload
	}

	for c.payloadOff < len(c.payload) {
		n, err := c.readOnce(c.payload[c.payloadOff:])
		c.payloadOff += n
		if err != nil {
			if err == ErrWouldBlock {
				return NeedMore, nil, nil
			}
			if err == io.EOF {
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, err
		}
	}

	out := c.payload
	c.reset()
	return FrameReady, out, nil
}

// EncodeResponse builds a length-prefixed buffer by first reserving a
// 4-byte placeholder, letting writeBody append the body, then overwriting
// the placeholder with the measured body length. This avoids a size
// pre-pass: the caller doesn't need to know the encoded length of header
// and record up front.
func EncodeResponse(writeBody func(buf []byte) ([]byte, error)) ([]byte, error) {
	buf, err := writeBody(make([]byte, 4, 256))
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)-4))
	return buf, nil
}

// ErrWouldBlock means "no further progress without waiting".
//
// It is an expected, non-failure control-flow signal for non-blocking I/O.
// Caller action: stop the current attempt and retry later (after the next
// readiness sweep), or configure RetryDelay to emulate cooperative blocking.
var ErrWouldBlock = iox.ErrWouldBlock
