// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import "errors"

var (
	// ErrInvalidArgument reports a nil reader/writer or an invalid configuration.
	ErrInvalidArgument = errors.New("frame: invalid argument")

	// ErrTooLong reports that a frame's declared length is negative or exceeds
	// the configured maximum.
	ErrTooLong = errors.New("frame: message too long")
)
