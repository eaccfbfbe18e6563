package cnxn

import (
	"bytes"
	"net"
	"testing"

	"github.com/pkg/errors"

	"github.com/quorumnet/cnxn/contracts"
	"github.com/quorumnet/cnxn/internal/recio"
	"github.com/quorumnet/cnxn/wire"
)

type stubPipeline struct {
	serving   bool
	lastZxid  int64
	limit     int
	inProcess int
	submitted []contracts.Request
}

func (p *stubPipeline) SubmitRequest(r contracts.Request) error {
	p.submitted = append(p.submitted, r)
	return nil
}
func (p *stubPipeline) InProcess() int             { return p.inProcess }
func (p *stubPipeline) GlobalOutstandingLimit() int { return p.limit }
func (p *stubPipeline) MinSessionTimeout() int32    { return 4000 }
func (p *stubPipeline) MaxSessionTimeout() int32    { return 40000 }
func (p *stubPipeline) IsServing() bool             { return p.serving }
func (p *stubPipeline) LastZxid() int64             { return p.lastZxid }

type stubSessions struct {
	createdTimeout  int32
	reopenedSession int64
	refuse          bool
}

func (s *stubSessions) CreateSession(handle contracts.ConnHandle, timeout int32) {
	s.createdTimeout = timeout
	if s.refuse {
		handle.FinishSessionInit(false, 0, 0, nil)
		return
	}
	handle.FinishSessionInit(true, 0x4001, timeout, make([]byte, wire.PasswordLen))
}

func (s *stubSessions) ReopenSession(handle contracts.ConnHandle, sessionID int64, passwd []byte, timeout int32) {
	s.reopenedSession = sessionID
	handle.FinishSessionInit(true, sessionID, timeout, passwd)
}

type stubAuth struct {
	identity string
	fail     bool
}

var errTestAuthRejected = errors.New("test: credentials rejected")

func (a *stubAuth) Authenticate(handle contracts.ConnHandle, auth []byte) (string, error) {
	if a.fail {
		return "", errTestAuthRejected
	}
	return a.identity, nil
}

func newTestConnection(pipeline contracts.RequestPipeline, sessions contracts.SessionManager,
	auth map[string]contracts.AuthProvider) (*Connection, net.Conn) {
	server, client := net.Pipe()
	cfg := NewConfig()
	c := newConnection(server, cfg, nil, pipeline, sessions, auth)
	return c, client
}

func lastOutbound(t *testing.T, c *Connection) []byte {
	t.Helper()
	if len(c.outbound) == 0 {
		t.Fatalf("no outbound buffers")
	}
	return c.outbound[len(c.outbound)-1].buf
}

func TestHandshakeCreatesSessionAndReplies(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	req := wire.ConnectRequest{ProtocolVersion: 0, LastZxidSeen: 0, Timeout: 10000, SessionID: 0, Passwd: make([]byte, wire.PasswordLen)}
	if err := c.dispatchFrame(req.Encode(nil)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !c.initialized {
		t.Fatalf("expected connection to be initialized after handshake")
	}
	if c.SessionID() != 0x4001 {
		t.Fatalf("SessionID = %#x, want 0x4001", c.SessionID())
	}
	if sessions.createdTimeout != 10000 {
		t.Fatalf("createdTimeout = %d, want 10000", sessions.createdTimeout)
	}
	if len(c.outbound) != 1 {
		t.Fatalf("outbound len = %d, want 1", len(c.outbound))
	}
	if c.isReadDisabled() {
		t.Fatalf("reads should be re-enabled once FinishSessionInit(valid) runs")
	}
}

func TestHandshakeRefusesStaleZxid(t *testing.T) {
	pipeline := &stubPipeline{serving: true, lastZxid: 5}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	req := wire.ConnectRequest{LastZxidSeen: 10, Passwd: make([]byte, wire.PasswordLen)}
	err := c.dispatchFrame(req.Encode(nil))
	if !errors.Is(err, ErrStaleZxid) {
		t.Fatalf("err = %v, want wrapping ErrStaleZxid", err)
	}
	if c.initialized {
		t.Fatalf("a refused handshake must not mark the connection initialized")
	}
	if !c.closeMarkerSeen {
		t.Fatalf("expected a close-marker to be queued after refusal")
	}
}

func TestHandshakeRefusesWhenNotServing(t *testing.T) {
	pipeline := &stubPipeline{serving: false}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	req := wire.ConnectRequest{Passwd: make([]byte, wire.PasswordLen)}
	err := c.dispatchFrame(req.Encode(nil))
	if !errors.Is(err, ErrNotServing) {
		t.Fatalf("err = %v, want wrapping ErrNotServing", err)
	}
}

func TestRequestPathSubmitsAndTracksOutstanding(t *testing.T) {
	pipeline := &stubPipeline{serving: true, limit: 10}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.initialized = true
	c.handshakeDone = true
	c.sessionID.Store(0x1)

	header := wire.RequestHeader{Xid: 7, Type: 1}
	body := []byte("payload")
	if err := c.dispatchFrame(append(header.Encode(nil), body...)); err != nil {
		t.Fatalf("requestPath: %v", err)
	}
	if len(pipeline.submitted) != 1 {
		t.Fatalf("submitted len = %d, want 1", len(pipeline.submitted))
	}
	got := pipeline.submitted[0]
	if got.Xid != 7 || got.Type != 1 || !bytes.Equal(got.Body, body) {
		t.Fatalf("submitted request = %+v", got)
	}
	if c.outstanding != 1 {
		t.Fatalf("outstanding = %d, want 1", c.outstanding)
	}
}

func TestRequestPathBackpressureDisablesReads(t *testing.T) {
	pipeline := &stubPipeline{serving: true, limit: 1, inProcess: 5}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()
	c.initialized = true
	c.handshakeDone = true

	header := wire.RequestHeader{Xid: 1, Type: 1}
	if err := c.dispatchFrame(header.Encode(nil)); err != nil {
		t.Fatalf("requestPath: %v", err)
	}
	if !c.isReadDisabled() {
		t.Fatalf("expected reads disabled once pipeline.InProcess() exceeds the limit")
	}
}

func TestSendResponseDecrementsOutstandingAndReenablesReads(t *testing.T) {
	pipeline := &stubPipeline{serving: true, limit: 10}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()
	c.initialized = true
	c.handshakeDone = true
	c.outstanding = 1
	c.readDisabled = true

	if err := c.SendResponse(wire.ReplyHeader{Xid: 1, Zxid: 42, Err: 0}, nil); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	if c.outstanding != 0 {
		t.Fatalf("outstanding = %d, want 0", c.outstanding)
	}
	if c.isReadDisabled() {
		t.Fatalf("expected reads re-enabled once the pipeline is back under its limit")
	}
}

func TestAuthSuccessAppendsIdentityAndRepliesOK(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	providers := map[string]contracts.AuthProvider{"digest": &stubAuth{identity: "digest:alice"}}
	c, client := newTestConnection(pipeline, sessions, providers)
	defer client.Close()
	c.initialized = true
	c.handshakeDone = true

	header := wire.RequestHeader{Xid: 3, Type: authRequestType}
	pkt := wire.AuthPacket{Scheme: "digest", Auth: []byte("alice:secret")}
	body := encodeTestAuthPacket(pkt)
	if err := c.dispatchFrame(append(header.Encode(nil), body...)); err != nil {
		t.Fatalf("auth: %v", err)
	}
	found := false
	for _, id := range c.authIdentities {
		if id == "digest:alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("authIdentities = %v, want digest:alice present", c.authIdentities)
	}
	r := recio.NewReader(lastOutbound(t, c)[4:]) // skip the frame length prefix
	xid, _ := r.Int32()
	_, _ = r.Int64() // zxid
	errCode, _ := r.Int32()
	if xid != 3 || errCode != 0 {
		t.Fatalf("auth reply = {xid:%d err:%d}, want {xid:3 err:0}", xid, errCode)
	}
}

func TestAuthFailureClosesConnectionAndDisablesReads(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	providers := map[string]contracts.AuthProvider{"digest": &stubAuth{fail: true}}
	c, client := newTestConnection(pipeline, sessions, providers)
	defer client.Close()
	c.initialized = true
	c.handshakeDone = true

	header := wire.RequestHeader{Xid: 3, Type: authRequestType}
	pkt := wire.AuthPacket{Scheme: "digest", Auth: []byte("alice:wrong")}
	body := encodeTestAuthPacket(pkt)
	err := c.dispatchFrame(append(header.Encode(nil), body...))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want wrapping ErrAuthFailed", err)
	}
	if !c.closeMarkerSeen {
		t.Fatalf("expected a close-marker queued after auth failure")
	}
	if !c.isReadDisabled() {
		t.Fatalf("expected reads disabled after auth failure")
	}
}

func TestUnknownAuthSchemeFails(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()
	c.initialized = true
	c.handshakeDone = true

	header := wire.RequestHeader{Xid: 3, Type: authRequestType}
	pkt := wire.AuthPacket{Scheme: "nonesuch", Auth: []byte("x")}
	body := encodeTestAuthPacket(pkt)
	err := c.dispatchFrame(append(header.Encode(nil), body...))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want wrapping ErrAuthFailed", err)
	}
}

func TestProcessEnqueuesNotificationWithFixedHeader(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	if err := c.Process(wire.WatcherEvent{Type: 1, State: 3, Path: "/a"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(c.outbound) != 1 {
		t.Fatalf("outbound len = %d, want 1", len(c.outbound))
	}
	if c.outstanding != 0 {
		t.Fatalf("notifications must never touch outstanding")
	}
}

func TestEnqueueIsNoOpAfterCloseMarker(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.enqueue([]byte("a"))
	c.enqueueCloseMarker()
	c.enqueue([]byte("b"))

	if len(c.outbound) != 2 {
		t.Fatalf("outbound len = %d, want 2 (data + marker, \"b\" dropped)", len(c.outbound))
	}
	if !c.outbound[1].closeMarker {
		t.Fatalf("expected the second item to be the close-marker")
	}
}

func TestBuildWritePlanAndCommitWritePartial(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.enqueue([]byte("hello"))
	c.enqueue([]byte("world!"))

	dst := make([]byte, 8) // smaller than the combined 11 bytes queued
	plan := c.buildWritePlan(dst)
	if string(plan) != "hellowor" {
		t.Fatalf("plan = %q, want %q", plan, "hellowor")
	}
	if ready := c.commitWrite(len(plan)); ready {
		t.Fatalf("commitWrite should not report ready-to-close mid-stream")
	}
	if len(c.outbound) != 1 || string(c.outbound[0].buf) != "world!" || c.outbound[0].off != 3 {
		t.Fatalf("outbound after partial commit = %+v", c.outbound)
	}

	rest := c.buildWritePlan(make([]byte, 16))
	if string(rest) != "ld!" {
		t.Fatalf("rest = %q, want %q", rest, "ld!")
	}
	if ready := c.commitWrite(len(rest)); ready {
		t.Fatalf("commitWrite should not report ready-to-close with an empty queue and no marker")
	}
	if len(c.outbound) != 0 {
		t.Fatalf("expected outbound drained, got %+v", c.outbound)
	}
}

func TestCommitWriteDetectsCloseMarkerReady(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.enqueue([]byte("bye"))
	c.enqueueCloseMarker()

	plan := c.buildWritePlan(make([]byte, 16))
	if string(plan) != "bye" {
		t.Fatalf("plan = %q, want %q", plan, "bye")
	}
	if ready := c.commitWrite(len(plan)); !ready {
		t.Fatalf("expected commitWrite to report ready-to-close once the marker is at the head")
	}
}

func TestFinishSessionInitInvalidEnqueuesRefusalAndCloseMarker(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()
	c.handshakeDone = true

	c.FinishSessionInit(false, 0, 0, nil)
	if !c.closeMarkerSeen {
		t.Fatalf("expected close-marker after an invalid FinishSessionInit")
	}
	if len(c.outbound) != 2 {
		t.Fatalf("outbound len = %d, want 2 (refusal + marker)", len(c.outbound))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.close()
	c.close() // must not panic or double-run teardown
	if !c.closed {
		t.Fatalf("expected closed = true")
	}
}

func TestSendResponseAfterCloseReturnsErrClosed(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.close()
	err := c.SendResponse(wire.ReplyHeader{Xid: 1, Zxid: 0, Err: 0}, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("SendResponse after close: err = %v, want wrapping ErrClosed", err)
	}
}

func TestProcessAfterCloseReturnsErrClosed(t *testing.T) {
	pipeline := &stubPipeline{serving: true}
	sessions := &stubSessions{}
	c, client := newTestConnection(pipeline, sessions, nil)
	defer client.Close()

	c.close()
	err := c.Process(wire.WatcherEvent{Type: 1, State: 3, Path: "/a"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Process after close: err = %v, want wrapping ErrClosed", err)
	}
}

// encodeTestAuthPacket builds an AuthPacket body the same way
// wire.DecodeAuthPacket expects. AuthPacket has no public Encode (the
// server never emits one), so tests that need one build it directly atop
// recio, the same primitive the wire package itself uses.
func encodeTestAuthPacket(p wire.AuthPacket) []byte {
	w := recio.NewWriter(nil)
	w.PutInt32(p.Type)
	w.PutString(p.Scheme)
	w.PutBytes(p.Auth)
	return w.Bytes()
}
