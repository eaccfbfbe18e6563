// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import "time"

// Options configures a Codec.
//
// Unlike a general-purpose framing library, this package speaks exactly one
// wire form: a 4-byte big-endian int32 length prefix over a byte stream.
// There is no transport-kind or byte-order option: the protocol this
// package serves requires network byte order, full stop.
type Options struct {
	// MaxFrameLen caps the accepted payload size in bytes. Zero means the
	// package default of 1 MiB.
	MaxFrameLen int

	// RetryDelay controls how Codec.ReadFrame handles ErrWouldBlock from the
	// underlying reader:
	//   - negative: nonblock, return NeedMore immediately
	//   - zero: yield (runtime.Gosched) and retry
	//   - positive: sleep for the duration and retry
	RetryDelay time.Duration
}

var defaultOptions = Options{
	MaxFrameLen: 1 << 20,
	RetryDelay:  -1, // default: nonblock
}

type Option func(*Options)

// WithMaxFrameLen sets the maximum accepted payload length.
func WithMaxFrameLen(n int) Option {
	return func(o *Options) { o.MaxFrameLen = n }
}

// WithRetryDelay sets the retry/wait policy used when the underlying reader
// returns ErrWouldBlock.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithBlock enables cooperative blocking (yield-and-retry) on ErrWouldBlock.
func WithBlock() Option {
	return func(o *Options) { o.RetryDelay = 0 }
}

// WithNonblock forces non-blocking behavior (ReadFrame returns NeedMore
// immediately on ErrWouldBlock).
func WithNonblock() Option {
	return func(o *Options) { o.RetryDelay = -1 }
}
