// Package contracts defines the narrow interfaces the connection layer
// depends on upward: the request-execution pipeline, session lifecycle,
// and the handle a Connection exposes to those collaborators.
//
// Collaborators depend on the ConnHandle capability, never on the
// concrete Connection type, and the connection package depends on
// RequestPipeline and SessionManager, never on a concrete pipeline
// implementation, breaking what would otherwise be a cyclic reference
// between the connection, the acceptor, and the request pipeline.
package contracts

import "github.com/quorumnet/cnxn/wire"

// Request is the opaque unit of work submitted to the request pipeline.
// AuthInfo is a snapshot of the identities authenticated on Conn at the
// time of submission; the pipeline must not read back from Conn since
// the connection layer treats that identity list as owned by itself.
type Request struct {
	Conn      ConnHandle
	SessionID int64
	Xid       int32
	Type      int32
	Body      []byte
	AuthInfo  []string
}

// RequestPipeline is the request-execution pipeline the connection layer
// submits decoded, post-handshake requests to.
type RequestPipeline interface {
	// SubmitRequest enqueues req for execution. Execution is asynchronous;
	// the eventual response arrives via a later ConnHandle.SendResponse
	// call from a pipeline worker goroutine.
	SubmitRequest(req Request) error

	// InProcess reports the pipeline's current global in-flight request
	// count, consulted by the connection layer's backpressure policy.
	InProcess() int

	// GlobalOutstandingLimit reports the configured ceiling InProcess is
	// compared against.
	GlobalOutstandingLimit() int

	MinSessionTimeout() int32
	MaxSessionTimeout() int32

	// IsServing reports whether the pipeline is currently able to accept
	// new sessions and requests.
	IsServing() bool

	// LastZxid reports the most recently processed transaction id, used to
	// refuse handshakes from clients that have seen a newer one.
	LastZxid() int64
}

// SessionManager owns session identity, expiry, and the session-id-level
// single-connection invariant (reopening a session closes any other
// connection already bound to it).
type SessionManager interface {
	// CreateSession allocates a new session bound to handle. It returns
	// nothing: the session id and password are delivered through
	// handle.FinishSessionInit once the decision (valid or not) is known;
	// it may call it synchronously or from another goroutine.
	CreateSession(handle ConnHandle, timeout int32)

	// ReopenSession validates passwd against the existing session sessionID
	// and, if valid, rebinds it to handle (closing any connection it was
	// previously bound to). It calls handle.FinishSessionInit exactly as
	// CreateSession does.
	ReopenSession(handle ConnHandle, sessionID int64, passwd []byte, timeout int32)
}

// AuthProvider validates a single scheme's credentials.
type AuthProvider interface {
	// Authenticate validates auth for the given connection and returns the
	// identity string to append to the connection's auth list on success.
	Authenticate(handle ConnHandle, auth []byte) (identity string, err error)
}

// ConnHandle is the capability collaborators above the connection layer are
// given instead of a concrete Connection: enough to reply, close, and push
// notifications, nothing that would let them touch framing/reactor state.
type ConnHandle interface {
	// SendResponse serializes and enqueues header (and, if non-nil, record)
	// as a single outbound buffer, preserving per-connection FIFO order.
	SendResponse(header wire.ReplyHeader, record wire.Encodable) error

	// Process delivers an asynchronous watch notification. Safe to call
	// from any goroutine.
	Process(event wire.WatcherEvent) error

	// SendCloseSession enqueues a close-marker: the connection is torn down
	// once prior buffers have flushed.
	SendCloseSession()

	// FinishSessionInit completes a handshake in progress, sending the
	// ConnectResponse and re-enabling reads (or enqueuing a close-marker,
	// for !valid).
	FinishSessionInit(valid bool, sessionID int64, timeout int32, passwd []byte)

	SessionID() int64
	RemoteAddr() string
}
