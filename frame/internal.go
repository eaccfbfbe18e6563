// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import (
	"io"
	"runtime"
	"time"
)

func (c *Codec) waitOnceOnWouldBlock() bool {
	// returns whether the caller should retry
	if c.retryDelay < 0 {
		return false
	}
	if c.retryDelay == 0 {
		runtime.Gosched()
		return true
	}
	time.Sleep(c.retryDelay)
	return true
}

// readOnce performs a single underlying Read, retrying on ErrWouldBlock
// according to the configured retry policy. It guards against readers that
// violate the io.Reader contract by returning (0, nil) on a non-empty
// buffer, which would otherwise spin the caller indefinitely.
func (c *Codec) readOnce(p []byte) (n int, err error) {
	for {
		n, err = c.rd.Read(p)
		if len(p) != 0 && n == 0 && err == nil {
			return 0, io.ErrNoProgress
		}
		if n > 0 {
			return n, err
		}
		if err != ErrWouldBlock {
			return n, err
		}
		if !c.waitOnceOnWouldBlock() {
			return n, err
		}
	}
}
