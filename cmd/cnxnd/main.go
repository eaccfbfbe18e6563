// Command cnxnd runs the client-facing front-end on its own, backed by a
// trivial in-memory request pipeline and session manager. It exists to
// exercise the acceptor/connection layer end to end; a real deployment
// wires Acceptor to an actual request-execution pipeline and session
// tracker instead of the stand-ins below.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quorumnet/cnxn"
	"github.com/quorumnet/cnxn/contracts"
	"github.com/quorumnet/cnxn/wire"
)

func main() {
	listenAddr := flag.String("listen", ":2181", "client-facing listen address")
	maxClientCnxns := flag.Int("max-client-cnxns", 60, "per-IP connection cap (0 disables)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := cnxn.NewConfig(
		cnxn.WithListenAddr(*listenAddr),
		cnxn.WithMaxClientCnxns(*maxClientCnxns),
		cnxn.WithLogger(logger),
	)

	pipeline := newLoopbackPipeline(cfg)
	sessions := &memorySessionManager{pipeline: pipeline}

	acc, err := cnxn.NewAcceptor(cfg, pipeline, sessions, nil)
	if err != nil {
		logger.Fatal("bind failed", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("listening", zap.Stringer("addr", acc.Addr()))
	go func() {
		if err := acc.Serve(); err != nil {
			logger.Error("reactor exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := acc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
}

// loopbackPipeline is a minimal stand-in request pipeline: every submitted
// request with a non-negative xid is answered immediately with a zero-value
// reply; ping-like requests (xid < 0) get no reply. It exists only
// so this binary has something to serve traffic with; a production
// deployment replaces it with the real data-tree/transaction pipeline.
type loopbackPipeline struct {
	cfg       cnxn.Config
	inProcess atomic.Int64
}

func newLoopbackPipeline(cfg cnxn.Config) *loopbackPipeline {
	return &loopbackPipeline{cfg: cfg}
}

func (p *loopbackPipeline) SubmitRequest(req contracts.Request) error {
	p.inProcess.Add(1)
	defer p.inProcess.Add(-1)
	if req.Xid < 0 {
		return nil // ping-like traffic: no reply expected here
	}
	return req.Conn.SendResponse(wire.ReplyHeader{Xid: req.Xid, Zxid: 0, Err: 0}, nil)
}

func (p *loopbackPipeline) InProcess() int             { return int(p.inProcess.Load()) }
func (p *loopbackPipeline) GlobalOutstandingLimit() int { return 1000 }
func (p *loopbackPipeline) MinSessionTimeout() int32    { return p.cfg.MinSessionTimeout }
func (p *loopbackPipeline) MaxSessionTimeout() int32    { return p.cfg.MaxSessionTimeout }
func (p *loopbackPipeline) IsServing() bool             { return true }
func (p *loopbackPipeline) LastZxid() int64             { return 0 }

// memorySessionManager hands out an ever-incrementing session id and a
// random password; on reopen it checks only that the session id is known
// and the password matches. It is a stand-in
// for the real session tracker this layer depends on only through
// contracts.SessionManager.
type memorySessionManager struct {
	pipeline *loopbackPipeline

	mu     sync.Mutex
	nextID int64
	byID   map[int64][]byte
}

func (m *memorySessionManager) CreateSession(handle contracts.ConnHandle, timeout int32) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	passwd := make([]byte, wire.PasswordLen)
	_, _ = rand.Read(passwd)
	if m.byID == nil {
		m.byID = make(map[int64][]byte)
	}
	m.byID[id] = passwd
	m.mu.Unlock()

	handle.FinishSessionInit(true, id, timeout, passwd)
}

func (m *memorySessionManager) ReopenSession(handle contracts.ConnHandle, sessionID int64, passwd []byte, timeout int32) {
	m.mu.Lock()
	stored, ok := m.byID[sessionID]
	m.mu.Unlock()

	valid := ok && constantTimeEqual(stored, passwd)
	handle.FinishSessionInit(valid, sessionID, timeout, stored)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
