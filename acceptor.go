package cnxn

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quorumnet/cnxn/contracts"
	"github.com/quorumnet/cnxn/frame"
)

// acceptPollInterval bounds how long one Accept call blocks before the
// reactor goes back to sweeping the connection set, the accept-side
// analogue of a short read deadline.
const acceptPollInterval = 20 * time.Millisecond

const minSweepDeadline = time.Millisecond

// Acceptor is the single-reactor component: it owns the listening socket,
// the live connection set, the per-remote-IP map, and one shared direct
// buffer used for coalesced writes. Accept calls and the direct buffer are
// used only from the goroutine running Serve; the connection set and IP map
// are guarded by mu, since Shutdown and CloseSessionConnections also read
// them from their callers' goroutines. SendResponse/Process/SendCloseSession
// (invoked from pipeline-worker goroutines) reach the owning Connection
// only through its thread-safe outbound queue.
type Acceptor struct {
	cfg           Config
	logger        *zap.Logger
	listener      *net.TCPListener
	pipeline      contracts.RequestPipeline
	sessions      contracts.SessionManager
	authProviders map[string]contracts.AuthProvider
	stats         *ServerStats

	directBuf []byte

	mu    sync.Mutex // guards cnxns and ipMap; acquisition order is cnxns-then-ipMap
	cnxns map[*Connection]struct{}
	ipMap map[string]map[*Connection]struct{}

	traceMask atomic.Int64

	shutdownCh chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once
}

// NewAcceptor binds cfg.ListenAddr and returns an Acceptor ready for Serve.
func NewAcceptor(cfg Config, pipeline contracts.RequestPipeline, sessions contracts.SessionManager,
	authProviders map[string]contracts.AuthProvider) (*Acceptor, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	if authProviders == nil {
		authProviders = map[string]contracts.AuthProvider{}
	}
	return &Acceptor{
		cfg:           cfg,
		logger:        cfg.Logger,
		listener:      ln,
		pipeline:      pipeline,
		sessions:      sessions,
		authProviders: authProviders,
		stats:         &ServerStats{},
		directBuf:     make([]byte, cfg.DirectBufferSize),
		cnxns:         make(map[*Connection]struct{}),
		ipMap:         make(map[string]map[*Connection]struct{}, 2),
		shutdownCh:    make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Addr reports the bound listening address.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// Stats returns the process-wide counters the "srvr"/"stat" responders read.
func (a *Acceptor) Stats() *ServerStats { return a.stats }

// Serve runs the reactor loop until Shutdown is called, then returns nil.
// An Accept error does not stop the loop. It blocks the calling goroutine:
// there is exactly one reactor goroutine per Acceptor.
func (a *Acceptor) Serve() error {
	defer close(a.doneCh)
	for {
		select {
		case <-a.shutdownCh:
			return nil
		default:
		}
		a.acceptOnce()
		a.sweepOnce()
	}
}

func (a *Acceptor) acceptOnce() {
	_ = a.listener.SetDeadline(time.Now().Add(acceptPollInterval))
	conn, err := a.listener.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		return
	}
	a.admit(conn)
}

// admit enforces the per-IP cap and, if admitted, registers the connection
// under the acceptor lock in the stated cnxns-then-ipMap order.
func (a *Acceptor) admit(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	a.mu.Lock()
	if a.cfg.MaxClientCnxns > 0 && len(a.ipMap[host]) >= a.cfg.MaxClientCnxns {
		a.mu.Unlock()
		a.stats.connsRejected.Add(1)
		err := errors.Wrapf(ErrCapExceeded, "cnxn: remote_ip=%s cap=%d", host, a.cfg.MaxClientCnxns)
		a.logger.Warn("closing new connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	c := newConnection(conn, a.cfg, a, a.pipeline, a.sessions, a.authProviders)
	a.cnxns[c] = struct{}{}
	if a.ipMap[host] == nil {
		a.ipMap[host] = make(map[*Connection]struct{}, 2)
	}
	a.ipMap[host][c] = struct{}{}
	a.mu.Unlock()

	a.stats.connsAccepted.Add(1)
	c.logger.Debug("connection accepted")
}

// removeConnection drops c from both tracking sets. Invariant: every
// member of an ipMap bucket is also in cnxns; membership only ever changes
// under a.mu.
func (a *Acceptor) removeConnection(c *Connection) {
	a.mu.Lock()
	delete(a.cnxns, c)
	if bucket, ok := a.ipMap[c.remoteIP]; ok {
		delete(bucket, c)
		if len(bucket) == 0 {
			delete(a.ipMap, c.remoteIP)
		}
	}
	a.mu.Unlock()
}

// sweepOnce snapshots the live connection set, shuffles it to avoid
// starvation bias, and gives each connection a slice of the selector wait
// budget to read and a chance to flush its outbound queue.
func (a *Acceptor) sweepOnce() {
	a.mu.Lock()
	snapshot := make([]*Connection, 0, len(a.cnxns))
	for c := range a.cnxns {
		snapshot = append(snapshot, c)
	}
	a.mu.Unlock()

	if len(snapshot) == 0 {
		time.Sleep(minSweepDeadline)
		return
	}
	rand.Shuffle(len(snapshot), func(i, j int) { snapshot[i], snapshot[j] = snapshot[j], snapshot[i] })

	perConn := a.cfg.SelectorWaitBudget / time.Duration(len(snapshot))
	if perConn < minSweepDeadline {
		perConn = minSweepDeadline
	}

	for _, c := range snapshot {
		if c.isReadDisabled() {
			if a.flushWrites(c) {
				c.close()
			}
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(perConn))
		closeNow := a.pollOnce(c)
		if !closeNow {
			closeNow = a.flushWrites(c)
		}
		if closeNow {
			c.close()
		}
	}
}

// pollOnce drives one ReadFrame call for c and dispatches the result.
// Four-letter probing is only consulted pre-handshake, matching the
// protocol's gating rule.
func (a *Acceptor) pollOnce(c *Connection) (closeNow bool) {
	var probeFn func(uint32) bool
	var probed string
	if !c.initialized {
		probeFn = func(token uint32) bool {
			name, ok := lookupFourLetter(token)
			if ok {
				probed = name
			}
			return ok
		}
	}

	result, payload, err := c.codec.ReadFrame(probeFn)
	// err is checked ahead of the result switch: ReadFrame reports a
	// malformed frame (ErrTooLong, a truncated read) by returning the
	// zero Result value alongside a non-nil error, and the zero Result
	// value is also NeedMore, so err is the only way to tell them apart.
	if err != nil {
		c.logger.Warn("frame read failed", zap.Error(errors.Wrap(ErrFramingInvalid, "cnxn: read frame")),
			zap.NamedError("cause", err))
		return true
	}
	switch result {
	case frame.NeedMore:
		return false
	case frame.EOF:
		return true
	case frame.Probe:
		a.runDiagnostic(c, probed)
		return true
	case frame.FrameReady:
		if derr := c.dispatchFrame(payload); derr != nil {
			c.logger.Warn("request dispatch failed", zap.Error(derr))
			// Write out whatever the failed dispatch queued (a refused
			// ConnectResponse or an AUTHFAILED reply) before closing.
			a.flushWrites(c)
			return true
		}
		return false
	default:
		return true
	}
}

// flushWrites fills the shared direct buffer from c's outbound queue and
// issues one socket write. It reports whether c's close-marker has been
// reached with nothing left ahead of it.
func (a *Acceptor) flushWrites(c *Connection) (closeNow bool) {
	if !c.hasPendingOutput() {
		return false
	}
	plan := c.buildWritePlan(a.directBuf)
	if len(plan) == 0 {
		return c.commitWrite(0)
	}
	sent, err := c.conn.Write(plan)
	if err != nil {
		c.logger.Warn("write failed", zap.Error(err))
		return true
	}
	return c.commitWrite(sent)
}

// Shutdown closes the listening socket, closes every live connection
// (idempotent), and waits for the reactor goroutine to exit or ctx to
// expire, whichever comes first.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.shutdownCh) })
	_ = a.listener.Close()

	a.mu.Lock()
	snapshot := make([]*Connection, 0, len(a.cnxns))
	for c := range a.cnxns {
		snapshot = append(snapshot, c)
	}
	a.mu.Unlock()

	for _, c := range snapshot {
		c.close()
	}

	select {
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSessionConnections closes every live connection bound to sessionID,
// the session-targeted variant of shutdown.
func (a *Acceptor) CloseSessionConnections(sessionID int64) {
	a.mu.Lock()
	var matched []*Connection
	for c := range a.cnxns {
		if c.SessionID() == sessionID {
			matched = append(matched, c)
		}
	}
	a.mu.Unlock()
	for _, c := range matched {
		c.SendCloseSession()
	}
}
