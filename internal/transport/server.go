// Package transport accepts WebSocket connections and feeds their
// frames into the object database engine, using the same gobwas/ws
// low-level upgrade-and-frame loop the teacher used for its own
// WebSocket listener.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/objectdb/objectdb-server/internal/auth"
	"github.com/objectdb/objectdb-server/internal/config"
	"github.com/objectdb/objectdb-server/internal/metrics"
	"github.com/objectdb/objectdb-server/internal/objectdb/engine"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// Server handles TCP listening and WebSocket upgrades, handing every
// connected client to the transaction engine as a Channel.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	engine  *engine.Server
	metrics *metrics.Registry
	auth    *auth.Manager

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server. authManager may be nil, meaning
// connections are admitted without a bearer token.
func NewServer(cfg config.Config, logger *zap.Logger, eng *engine.Server, metricsRegistry *metrics.Registry, authManager *auth.Manager) *Server {
	return &Server{cfg: cfg, logger: logger, engine: eng, metrics: metricsRegistry, auth: authManager}
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.logger.Debug("set deadline", zap.Error(err))
	}

	var claims *auth.Claims
	upgrader := ws.Upgrader{}
	if s.auth != nil {
		upgrader.OnRequest = func(uri []byte) error {
			token, err := auth.ExtractTokenFromURI(string(uri))
			if err != nil {
				return err
			}
			verified, err := s.auth.Verify(token)
			if err != nil {
				return err
			}
			claims = verified
			return nil
		}
	}

	if _, err := upgrader.Upgrade(conn); err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetDeadline(time.Time{})

	wc := newWSConn(conn, s.cfg.Transport.SendChannelSize, s.metrics)
	ch, err := s.engine.AddConnection(wc)
	if err != nil {
		s.logger.Error("add connection failed", zap.Error(err))
		return
	}
	defer s.engine.DropConnection(ch)

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()
	if claims != nil {
		connCtx = auth.WithClaims(connCtx, claims)
	}
	if claims, ok := auth.ClaimsFromContext(connCtx); ok {
		s.logger.Debug("connection authenticated", zap.String("userId", claims.UserID), zap.String("connIdentity", ch.ConnIdentity()))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, wc, conn)
	}()

	s.readLoop(connCtx, ch, conn)
	cancel()
	<-done
}

func (s *Server) readLoop(ctx context.Context, ch *engine.Channel, conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				s.logger.Debug("write pong error", zap.Error(err))
				return
			}
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read message data error", zap.Error(err))
				return
			}

			var msg protocol.ClientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.logger.Debug("malformed client message", zap.Error(err))
				continue
			}
			s.engine.OnClientMessage(ch, msg)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				s.logger.Debug("drain frame data error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, wc *wsConn, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-wc.sendQueue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}
