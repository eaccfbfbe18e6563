package cnxn

import "github.com/pkg/errors"

// Sentinel errors. Call sites wrap these with github.com/pkg/errors so both
// errors.Is (against the sentinel) and errors.Cause (back to the original
// failure site, e.g. a net.Conn error) keep working.
var (
	// ErrFramingInvalid covers a negative or over-limit frame length and any
	// other malformed-frame condition.
	ErrFramingInvalid = errors.New("cnxn: invalid frame")

	// ErrNotServing is returned when a handshake runs while the upward
	// pipeline reports !IsServing(). Diagnostic responders do not return it;
	// they write notServingMessage instead.
	ErrNotServing = errors.New("cnxn: not currently serving requests")

	// ErrStaleZxid is returned when a ConnectRequest's LastZxidSeen is
	// ahead of the server's last processed zxid.
	ErrStaleZxid = errors.New("cnxn: client has seen a newer zxid than this server")

	// ErrSessionInvalid is logged when session creation/reopen is refused.
	ErrSessionInvalid = errors.New("cnxn: session rejected")

	// ErrAuthFailed is returned when an AuthPacket fails validation.
	ErrAuthFailed = errors.New("cnxn: authentication failed")

	// ErrCapExceeded is logged when a new connection would exceed the
	// per-IP connection cap.
	ErrCapExceeded = errors.New("cnxn: per-IP connection cap exceeded")

	// ErrClosed is returned by SendResponse and Process on a closed
	// Connection or one with a close-marker already queued.
	ErrClosed = errors.New("cnxn: closed")
)

// notServingMessage is the fixed diagnostic string emitted by responders
// that require the upward pipeline while it is not serving.
const notServingMessage = "This ZooKeeper instance is not currently serving requests"
