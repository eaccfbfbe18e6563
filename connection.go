package cnxn

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quorumnet/cnxn/contracts"
	"github.com/quorumnet/cnxn/frame"
	"github.com/quorumnet/cnxn/wire"
)

// authRequestType is the RequestHeader.Type value reserved for AuthPacket
// requests; the numbering of all other op types belongs to the upward
// pipeline, out of this layer's scope.
const authRequestType int32 = -4

// AuthFailedErrCode is the ReplyHeader.Err value sent in response to a
// failed AuthPacket.
const AuthFailedErrCode int32 = -115

type outboundItem struct {
	buf         []byte
	off         int // bytes already written from buf, for partial-write resumption
	closeMarker bool
}

// deadlineReader adapts a net.Conn into the io.Reader frame.Codec expects,
// translating a deadline-exceeded Read into frame.ErrWouldBlock. The
// reactor sets the deadline before each poll; this type does not set one
// itself.
type deadlineReader struct{ conn net.Conn }

func (d deadlineReader) Read(p []byte) (int, error) {
	n, err := d.conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, frame.ErrWouldBlock
		}
	}
	return n, err
}

// Connection is the per-socket state: framing buffers, outbound queue,
// handshake/session identity, auth list, and stats. All fields except
// the ones under mu are touched only by the reactor goroutine; fields
// under mu may be touched by any goroutine (pipeline workers calling
// SendResponse/Process/SendCloseSession).
type Connection struct {
	conn   net.Conn
	codec  *frame.Codec
	cfg    Config
	logger *zap.Logger

	pipeline      contracts.RequestPipeline
	sessions      contracts.SessionManager
	authProviders map[string]contracts.AuthProvider

	remoteAddr string
	remoteIP   string

	acceptor *Acceptor

	// reactor-only
	initialized    bool
	authIdentities []string
	stats          *connStats
	handshakeDone  bool

	sessionID atomic.Int64

	mu              sync.Mutex
	outbound        []outboundItem
	closeMarkerSeen bool
	readDisabled    bool // handshake-in-flight, auth failure, or backpressure
	outstanding     int
	closed          bool
}

func newConnection(conn net.Conn, cfg Config, acceptor *Acceptor, pipeline contracts.RequestPipeline,
	sessions contracts.SessionManager, authProviders map[string]contracts.AuthProvider) *Connection {
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	c := &Connection{
		conn:          conn,
		cfg:           cfg,
		logger:        cfg.Logger.With(zap.String("remote", remote)),
		pipeline:      pipeline,
		sessions:      sessions,
		authProviders: authProviders,
		remoteAddr:    remote,
		remoteIP:      host,
		acceptor:      acceptor,
		stats:         newConnStats(),
		authIdentities: []string{
			"ip:" + host,
		},
	}
	c.codec = frame.NewCodec(deadlineReader{conn: conn}, frame.WithNonblock(), frame.WithMaxFrameLen(cfg.MaxFrameLen))
	return c
}

// --- ConnHandle ---

func (c *Connection) SessionID() int64   { return c.sessionID.Load() }
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// SendResponse serializes header (and record, if non-nil) into one
// length-prefixed buffer, enqueues it, and decrements the
// outstanding-request count and re-evaluates per-connection
// backpressure.
func (c *Connection) SendResponse(header wire.ReplyHeader, record wire.Encodable) error {
	buf, err := encodeFrame(header, record)
	if err != nil {
		return errors.Wrap(err, "cnxn: encode response")
	}
	if !c.enqueue(buf) {
		return errors.Wrap(ErrClosed, "cnxn: send response")
	}
	if c.acceptor != nil {
		c.acceptor.stats.packetsSent.Add(1)
	}

	c.mu.Lock()
	// op is not threaded through ConnHandle.SendResponse; the stats
	// responders report cxid/zxid/send counts accurately and op as 0.
	// connStats is touched from whichever goroutine calls SendResponse, so
	// unlike the reactor-only fields above it, it's guarded by c.mu too.
	c.stats.recordResponse(header.Xid, header.Zxid, 0, 0)
	if c.outstanding > 0 {
		c.outstanding--
	}
	c.reconsiderBackpressureLocked()
	c.mu.Unlock()
	return nil
}

// Process delivers an asynchronous watch notification. It must be safe to
// call from any goroutine, so it only ever enqueues; it never touches
// outstanding, since notifications were never counted as outstanding
// requests.
func (c *Connection) Process(event wire.WatcherEvent) error {
	buf, err := encodeFrame(wire.NotificationHeader(), event)
	if err != nil {
		return errors.Wrap(err, "cnxn: encode notification")
	}
	if !c.enqueue(buf) {
		return errors.Wrap(ErrClosed, "cnxn: process notification")
	}
	return nil
}

// SendCloseSession enqueues a close-marker: the connection is torn down
// once prior buffers have flushed.
func (c *Connection) SendCloseSession() { c.enqueueCloseMarker() }

// FinishSessionInit completes an in-flight handshake: it sends the
// ConnectResponse (zeroed if !valid), enqueues a close-marker if !valid,
// and re-enables reads.
func (c *Connection) FinishSessionInit(valid bool, sessionID int64, timeout int32, passwd []byte) {
	var resp wire.ConnectResponse
	if valid {
		resp = wire.ConnectResponse{ProtocolVersion: 0, Timeout: timeout, SessionID: sessionID, Passwd: passwd}
		c.sessionID.Store(sessionID)
	} else {
		resp = wire.RefusedConnectResponse(0)
	}
	buf, err := frame.EncodeResponse(func(b []byte) ([]byte, error) { return resp.Encode(b), nil })
	if err != nil {
		c.logger.Warn("encode ConnectResponse failed", zap.Error(err))
		return
	}
	c.enqueue(buf)

	if !valid {
		c.logger.Warn("session rejected", zap.Error(errors.Wrapf(ErrSessionInvalid, "cnxn: session %d", sessionID)))
	}

	c.mu.Lock()
	if !valid {
		c.closeMarkerSeenLockedEnqueue()
	}
	c.readDisabled = false
	c.mu.Unlock()
}

func encodeFrame(header wire.ReplyHeader, record wire.Encodable) ([]byte, error) {
	return frame.EncodeResponse(func(buf []byte) ([]byte, error) {
		buf = header.Encode(buf)
		if record != nil {
			buf = record.Encode(buf)
		}
		return buf, nil
	})
}

// --- outbound queue ---

// enqueue appends buf to the outbound queue and reports whether it was
// accepted. It refuses once a close-marker has been queued or the
// connection is already closed: nothing queued after a close-marker is
// ever written, and callers that need to report the refusal upward wrap
// ErrClosed.
func (c *Connection) enqueue(buf []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeMarkerSeen || c.closed {
		return false
	}
	c.outbound = append(c.outbound, outboundItem{buf: buf})
	return true
}

func (c *Connection) enqueueCloseMarker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeMarkerSeenLockedEnqueue()
}

// c.mu must be held.
func (c *Connection) closeMarkerSeenLockedEnqueue() {
	if c.closeMarkerSeen {
		return
	}
	c.closeMarkerSeen = true
	c.outbound = append(c.outbound, outboundItem{closeMarker: true})
}

func (c *Connection) hasPendingOutput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound) > 0
}

// buildWritePlan copies pending output into dst in FIFO order, stopping at
// dst's capacity or at a close-marker, without mutating the queue. The
// reactor's coalesced write path fills its one shared direct buffer this
// way, across every live connection, before issuing a single socket write
// per connection per tick.
func (c *Connection) buildWritePlan(dst []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.outbound {
		if item.closeMarker {
			break
		}
		avail := item.buf[item.off:]
		room := len(dst) - n
		if room <= 0 {
			break
		}
		take := avail
		if len(take) > room {
			take = take[:room]
		}
		n += copy(dst[n:], take)
		if len(take) < len(avail) {
			break
		}
	}
	return dst[:n]
}

// commitWrite removes sent bytes from the front of the outbound queue,
// advancing a partially-written item's offset rather than discarding it.
// It reports whether the close-marker has become the new head with no
// data ahead of it: the reactor's signal to tear this connection down.
func (c *Connection) commitWrite(sent int) (readyToClose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := sent
	for remaining > 0 && len(c.outbound) > 0 && !c.outbound[0].closeMarker {
		item := &c.outbound[0]
		avail := len(item.buf) - item.off
		if avail <= remaining {
			remaining -= avail
			c.outbound = c.outbound[1:]
		} else {
			item.off += remaining
			remaining = 0
		}
	}
	return len(c.outbound) > 0 && c.outbound[0].closeMarker
}

// reconsiderBackpressureLocked re-enables reads once the pipeline has
// drained below its global limit, or no requests remain outstanding on
// this connection. c.mu must be held.
func (c *Connection) reconsiderBackpressureLocked() {
	if !c.readDisabled {
		return
	}
	if !c.handshakeDone {
		return // still mid-handshake; FinishSessionInit owns re-enabling reads
	}
	if c.outstanding == 0 || c.pipeline.InProcess() <= c.pipeline.GlobalOutstandingLimit() {
		c.readDisabled = false
	}
}

// statsSummary renders this connection's stats line, safe to call from any
// goroutine (used by the reactor's "cons"/"stat" responders).
func (c *Connection) statsSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.summary(c.remoteAddr, c.SessionID())
}

// resetStats is the "crst" responder's entry point.
func (c *Connection) resetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.reset()
}

func (c *Connection) isReadDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readDisabled
}

// --- handshake & request dispatch (reactor goroutine only) ---

// dispatchFrame handles one fully-decoded frame: a handshake payload if the
// connection hasn't initialized yet, otherwise a request.
func (c *Connection) dispatchFrame(payload []byte) error {
	if !c.initialized {
		return c.handshake(payload)
	}
	return c.requestPath(payload)
}

func (c *Connection) handshake(payload []byte) error {
	req, err := wire.DecodeConnectRequest(payload)
	if err != nil {
		return errors.Wrap(err, "cnxn: decode ConnectRequest")
	}

	if !c.pipeline.IsServing() {
		c.refuseHandshake()
		return errors.Wrap(ErrNotServing, "cnxn: handshake")
	}
	if req.LastZxidSeen > c.pipeline.LastZxid() {
		c.refuseHandshake()
		return errors.Wrap(ErrStaleZxid, "cnxn: handshake")
	}

	timeout := c.cfg.clampTimeout(req.Timeout)

	c.mu.Lock()
	c.readDisabled = true
	c.mu.Unlock()

	c.initialized = true
	c.handshakeDone = true

	if req.SessionID == 0 {
		c.sessions.CreateSession(c, timeout)
	} else {
		c.sessions.ReopenSession(c, req.SessionID, req.Passwd, timeout)
	}
	return nil
}

// refuseHandshake sends a zeroed ConnectResponse and a close-marker,
// without ever flipping initialized/handshakeDone. No further frame from
// this socket will be interpreted as anything but garbage, which is moot
// since the connection is going away.
func (c *Connection) refuseHandshake() {
	resp := wire.RefusedConnectResponse(0)
	buf, err := frame.EncodeResponse(func(b []byte) ([]byte, error) { return resp.Encode(b), nil })
	if err == nil {
		c.enqueue(buf)
	}
	c.enqueueCloseMarker()
}

func (c *Connection) requestPath(payload []byte) error {
	header, body, err := wire.DecodeRequestHeader(payload)
	if err != nil {
		return errors.Wrap(err, "cnxn: decode RequestHeader")
	}
	c.mu.Lock()
	c.stats.packetsReceived++
	c.mu.Unlock()
	if c.acceptor != nil {
		c.acceptor.stats.packetsReceived.Add(1)
	}

	if header.Type == authRequestType {
		return c.handleAuth(header, body)
	}

	c.mu.Lock()
	authSnapshot := append([]string(nil), c.authIdentities...)
	if header.Xid >= 0 {
		c.outstanding++
	}
	c.mu.Unlock()

	req := contracts.Request{
		Conn:      c,
		SessionID: c.SessionID(),
		Xid:       header.Xid,
		Type:      header.Type,
		Body:      body,
		AuthInfo:  authSnapshot,
	}
	if err := c.pipeline.SubmitRequest(req); err != nil {
		return errors.Wrap(err, "cnxn: submit request")
	}

	if header.Xid >= 0 && c.pipeline.InProcess() > c.pipeline.GlobalOutstandingLimit() {
		c.mu.Lock()
		c.readDisabled = true
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) handleAuth(header wire.RequestHeader, body []byte) error {
	pkt, err := wire.DecodeAuthPacket(body)
	if err != nil {
		return errors.Wrap(err, "cnxn: decode AuthPacket")
	}
	provider, ok := c.authProviders[pkt.Scheme]
	if !ok {
		return c.authFailed(header)
	}
	identity, err := provider.Authenticate(c, pkt.Auth)
	if err != nil {
		return c.authFailed(header)
	}
	c.authIdentities = append(c.authIdentities, identity)
	buf, encErr := encodeFrame(wire.ReplyHeader{Xid: header.Xid, Zxid: 0, Err: 0}, nil)
	if encErr != nil {
		return errors.Wrap(encErr, "cnxn: encode auth reply")
	}
	c.enqueue(buf)
	return nil
}

func (c *Connection) authFailed(header wire.RequestHeader) error {
	buf, err := encodeFrame(wire.ReplyHeader{Xid: header.Xid, Zxid: 0, Err: AuthFailedErrCode}, nil)
	if err == nil {
		c.enqueue(buf)
	}
	c.enqueueCloseMarker()
	c.mu.Lock()
	c.readDisabled = true
	c.mu.Unlock()
	return errors.Wrap(ErrAuthFailed, "cnxn: auth")
}

// --- close ---

// close is idempotent: removes this connection from the acceptor's tracking
// sets and shuts the socket down. Neither the request pipeline nor the
// session manager is told that the connection went away. It is called from
// the reactor goroutine, and from whichever goroutine calls
// Acceptor.Shutdown.
func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.acceptor != nil {
		c.acceptor.removeConnection(c)
	}
	shutdownSocket(c.conn)
	c.logger.Debug("connection closed")
}

// shutdownSocket tears a TCP connection down output-half, then input-half,
// then fully, tolerant of an error at each step.
func shutdownSocket(conn net.Conn) {
	type halfCloser interface {
		CloseWrite() error
		CloseRead() error
	}
	if tc, ok := conn.(halfCloser); ok {
		_ = tc.CloseWrite()
		_ = tc.CloseRead()
	}
	_ = conn.Close()
}
