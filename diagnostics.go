package cnxn

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"time"
)

// ServerVersion is the literal the "srvr"/"stat" responders report.
const ServerVersion = "cnxn 1.0.0"

// textSink is a chunked text sink: it accumulates and flushes at 2 KiB,
// and every write reaching the socket is synchronous. Diagnostic
// responders run inline on the reactor goroutine, never concurrently
// with a read on the same connection, so there is no readiness
// registration to cancel before writing.
type textSink struct {
	w   writer
	buf []byte
}

type writer interface {
	Write(p []byte) (int, error)
}

const textSinkFlushThreshold = 2048

func newTextSink(w writer) *textSink {
	return &textSink{w: w, buf: make([]byte, 0, textSinkFlushThreshold)}
}

func (s *textSink) WriteString(str string) {
	s.buf = append(s.buf, str...)
	if len(s.buf) >= textSinkFlushThreshold {
		s.flush()
	}
}

func (s *textSink) flush() {
	if len(s.buf) == 0 {
		return
	}
	_, _ = s.w.Write(s.buf)
	s.buf = s.buf[:0]
}

// sessionDumper and watchDumper are optional capabilities a request
// pipeline may implement; session tracking and watch bookkeeping are both
// out-of-scope external collaborators. When the pipeline doesn't implement
// them, "dump" and "wchs" write a fixed notice and "wchc"/"wchp" write
// nothing.
type sessionDumper interface{ DumpSessions() string }
type watchSummaryDumper interface{ DumpWatchSummary() string }
type watchClientDumper interface{ DumpWatchesByClient() string }
type watchPathDumper interface{ DumpWatchesByPath() string }

// runDiagnostic handles one recognized four-letter token: it writes a
// plain-text response and always closes the connection afterward.
func (a *Acceptor) runDiagnostic(c *Connection, name string) {
	sink := newTextSink(c.conn)
	switch name {
	case "ruok":
		if a.pipeline.IsServing() {
			sink.WriteString("imok")
		}
	case "envi":
		a.writeEnvi(sink)
	case "conf":
		a.writeConf(sink)
	case "srvr":
		a.requireServing(sink, func() { a.writeSrvr(sink) })
	case "stat":
		a.requireServing(sink, func() { a.writeStat(sink) })
	case "cons":
		a.requireServing(sink, func() { a.writeCons(sink) })
	case "dump":
		a.requireServing(sink, func() { a.writeDump(sink) })
	case "wchs":
		a.requireServing(sink, func() { a.writeWchs(sink) })
	case "wchc":
		a.requireServing(sink, func() { a.writeWchc(sink) })
	case "wchp":
		a.requireServing(sink, func() { a.writeWchp(sink) })
	case "gtmk":
		sink.WriteString(fmt.Sprintf("%d\n", a.traceMask.Load()))
	case "stmk":
		a.handleStmk(c, sink)
	case "srst":
		a.stats.reset()
		sink.WriteString("Server stats reset.\n")
	case "crst":
		c.resetStats()
		sink.WriteString("Connection stats reset.\n")
	}
	sink.flush()
	c.close()
}

func (a *Acceptor) requireServing(sink *textSink, body func()) {
	if !a.pipeline.IsServing() {
		sink.WriteString(notServingMessage + "\n")
		return
	}
	body()
}

func (a *Acceptor) writeEnvi(sink *textSink) {
	sink.WriteString("Environment:\n")
	sink.WriteString(fmt.Sprintf("host.name=%s\n", hostname()))
	sink.WriteString(fmt.Sprintf("go.version=%s\n", runtime.Version()))
	sink.WriteString(fmt.Sprintf("os.arch=%s\n", runtime.GOARCH))
	sink.WriteString(fmt.Sprintf("os.name=%s\n", runtime.GOOS))
	for _, kv := range os.Environ() {
		sink.WriteString(kv)
		sink.WriteString("\n")
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func (a *Acceptor) writeConf(sink *textSink) {
	sink.WriteString(fmt.Sprintf("clientPort=%s\n", a.cfg.ListenAddr))
	sink.WriteString(fmt.Sprintf("maxClientCnxns=%d\n", a.cfg.MaxClientCnxns))
	sink.WriteString(fmt.Sprintf("minSessionTimeout=%d\n", a.cfg.MinSessionTimeout))
	sink.WriteString(fmt.Sprintf("maxSessionTimeout=%d\n", a.cfg.MaxSessionTimeout))
	sink.WriteString(fmt.Sprintf("directBufferSize=%d\n", a.cfg.DirectBufferSize))
	sink.WriteString(fmt.Sprintf("maxFrameLen=%d\n", a.cfg.MaxFrameLen))
}

func (a *Acceptor) writeSrvr(sink *textSink) {
	sink.WriteString(fmt.Sprintf("%s\n", ServerVersion))
	sink.WriteString(fmt.Sprintf("Latency min/avg/max: -/-/-\n"))
	sink.WriteString(fmt.Sprintf("Received: %d\n", a.stats.packetsReceived.Load()))
	sink.WriteString(fmt.Sprintf("Sent: %d\n", a.stats.packetsSent.Load()))
	sink.WriteString(fmt.Sprintf("Connections: %d\n", a.connectionCount()))
	sink.WriteString(fmt.Sprintf("Outstanding: %d\n", a.pipeline.InProcess()))
	sink.WriteString(fmt.Sprintf("Node count: %d\n", a.nodeCount()))
}

func (a *Acceptor) writeStat(sink *textSink) {
	a.writeSrvr(sink)
	sink.WriteString("Connections:\n")
	for _, c := range a.snapshotConnections() {
		sink.WriteString(c.statsSummary())
		sink.WriteString("\n")
	}
}

func (a *Acceptor) writeCons(sink *textSink) {
	for _, c := range a.snapshotConnections() {
		sink.WriteString(c.statsSummary())
		sink.WriteString("\n")
	}
}

func (a *Acceptor) writeDump(sink *textSink) {
	if d, ok := a.pipeline.(sessionDumper); ok {
		sink.WriteString(d.DumpSessions())
		return
	}
	sink.WriteString("SessionTracker dump not available: no session tracker wired\n")
}

func (a *Acceptor) writeWchs(sink *textSink) {
	if d, ok := a.pipeline.(watchSummaryDumper); ok {
		sink.WriteString(d.DumpWatchSummary())
		return
	}
	sink.WriteString("0 connections watching 0 paths\nTotal watches: 0\n")
}

func (a *Acceptor) writeWchc(sink *textSink) {
	if d, ok := a.pipeline.(watchClientDumper); ok {
		sink.WriteString(d.DumpWatchesByClient())
		return
	}
	sink.WriteString("")
}

func (a *Acceptor) writeWchp(sink *textSink) {
	if d, ok := a.pipeline.(watchPathDumper); ok {
		sink.WriteString(d.DumpWatchesByPath())
		return
	}
	sink.WriteString("")
}

// handleStmk reads 8 more bytes directly off the socket (a big-endian
// int64), sets the trace mask, and echoes it back as decimal text. This,
// like the write path, is a deliberately synchronous, blocking read: the
// responder is already running straight-line on the reactor goroutine.
func (a *Acceptor) handleStmk(c *Connection, sink *textSink) {
	var raw [8]byte
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(c.conn, raw[:]); err != nil {
		c.logger.Warn("stmk: failed to read trace mask")
		return
	}
	mask := int64(binary.BigEndian.Uint64(raw[:]))
	a.traceMask.Store(mask)
	sink.WriteString(fmt.Sprintf("%d\n", mask))
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Acceptor) connectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cnxns)
}

func (a *Acceptor) snapshotConnections() []*Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Connection, 0, len(a.cnxns))
	for c := range a.cnxns {
		out = append(out, c)
	}
	return out
}

// nodeCount reports the upward pipeline's notion of node count, if it
// exposes one; data-tree storage is an out-of-scope external collaborator.
func (a *Acceptor) nodeCount() int {
	if nc, ok := a.pipeline.(interface{ NodeCount() int }); ok {
		return nc.NodeCount()
	}
	return 0
}
