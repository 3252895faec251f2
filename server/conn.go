package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"remote-ctrl/message"
	"remote-ctrl/middleware"
	"remote-ctrl/protocol"
)

type connState int

const (
	stateActive connState = iota
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateActive:
		return "ACTIVE"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

const readBufferSize = 1 << 16

// session is the state of one accepted connection.
type session struct {
	svr     *Server
	conn    net.Conn
	peer    string
	logger  *zap.Logger
	handler middleware.HandlerFunc

	state      connState
	buf        []byte    // Bytes read but not yet decoded
	lastPacket time.Time // Last well-formed packet; drives the idle timeout
}

// handleConn serves one connection until the peer says BYE, goes away, stays
// idle too long, or the server shuts down. The peer is removed from the roster
// however the session ends.
func (svr *Server) handleConn(conn net.Conn, newDispatcher DispatcherFactory) {
	defer svr.conns.Done()
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	logger := svr.opts.logger.With(zap.String("peer", peer), zap.String("session", uuid.NewString()))

	svr.roster.Add(peer)
	defer svr.roster.Remove(peer)
	svr.metrics.active.Inc()
	defer svr.metrics.active.Dec()

	dispatcher, err := newDispatcher(peer)
	if err != nil {
		logger.Error("cannot create dispatcher, dropping connection", zap.Error(err))
		return
	}

	svr.mu.Lock()
	chain := svr.chain
	svr.mu.Unlock()

	s := &session{
		svr:        svr,
		conn:       conn,
		peer:       peer,
		logger:     logger,
		handler:    chain(dispatcher.Dispatch),
		state:      stateActive,
		lastPacket: time.Now(),
	}
	logger.Info("connection accepted")
	s.run()
	s.state = stateClosed
	logger.Info("connection closed")
}

func (s *session) close(reason string, fields ...zap.Field) {
	if s.state != stateActive {
		return
	}
	s.state = stateClosing
	s.logger.Info("closing connection", append(fields, zap.String("reason", reason))...)
}

func (s *session) run() {
	readBuf := make([]byte, readBufferSize)
	for s.state == stateActive {
		select {
		case <-s.svr.quit:
			s.close("server shutting down")
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.svr.opts.readTimeout))
		n, err := s.conn.Read(readBuf)
		if n > 0 {
			s.buf = append(s.buf, readBuf[:n]...)
			s.drain()
		}

		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				// Transient, the idle check below decides
			case errors.Is(err, io.EOF):
				s.close("peer closed the connection")
			default:
				s.close("read error", zap.Error(err))
			}
		}

		// Only complete packets count as activity, so a peer trickling bytes
		// cannot keep the connection open.
		if s.state == stateActive && time.Since(s.lastPacket) >= s.svr.opts.maxIdle {
			s.close("idle timeout", zap.Duration("idle", time.Since(s.lastPacket)))
		}
	}
}

// drain handles every complete packet in the buffer before the next read.
func (s *session) drain() {
	for s.state == stateActive {
		before := len(s.buf)
		p, diag, rest := protocol.Decode(s.buf)
		s.buf = rest
		if len(rest) == before {
			return
		}

		if p == nil {
			s.svr.metrics.packets.WithLabelValues("malformed").Inc()
			s.logger.Warn("invalid packet", zap.String("diagnostic", diag))
			s.reply(message.Nak(nil, diag))
			continue
		}

		s.svr.metrics.packets.WithLabelValues("ok").Inc()
		s.lastPacket = time.Now()
		s.logger.Debug("received packet", zap.Stringer("packet", p))

		switch p.Op {
		case message.OpBye:
			s.close("peer said goodbye")
		case message.OpPing:
			s.reply(&message.Packet{Op: message.OpPong, Seq: p.Seq})
		case message.OpLsConn:
			s.reply(&message.Packet{
				Op:       message.OpConns,
				Seq:      p.Seq,
				Contents: map[string]any{"hosts": s.svr.roster.Snapshot()},
			})
		default:
			s.reply(s.dispatch(p))
		}
	}
}

// dispatch runs the middleware chain and the dispatcher. A panic is turned
// into a failure reply so one bad command cannot take the connection down.
func (s *session) dispatch(p *message.Packet) (reply *message.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while dispatching",
				zap.String("op", p.Op),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			reply = message.Nak(p, "error executing the command")
		}
	}()

	reply = s.handler(context.Background(), p)
	if reply == nil {
		reply = message.Nak(p, "no reply")
	}
	return reply
}

func (s *session) reply(p *message.Packet) {
	s.conn.SetWriteDeadline(time.Now().Add(s.svr.opts.writeTimeout))
	if err := protocol.Write(s.conn, p); err != nil {
		s.close("write error", zap.Error(err))
	}
}
