// Package control implements the local control socket: newline-delimited
// JSON requests and responses over a Unix domain socket in the data dir.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

// idleTimeout closes connections that send nothing for this long.
const idleTimeout = 2 * time.Minute

// Handler answers control requests. The engine implements it.
type Handler interface {
	HandleControl(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse

func (f HandlerFunc) HandleControl(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse {
	return f(ctx, req)
}

// SocketPath returns the control socket location inside dataDir.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, consts.ControlSocketName)
}

type Server struct {
	socketPath string
	handler    Handler

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(path string, h Handler) *Server {
	return &Server{socketPath: path, handler: h, conns: make(map[net.Conn]struct{})}
}

func (s *Server) Path() string { return s.socketPath }

// Listen binds the socket. A stale socket file left by a crashed daemon is
// replaced; the socket is only accessible to the owner.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return err
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o700); err != nil {
		l.Close()
		return err
	}

	s.mu.Lock()
	s.ln = l
	s.mu.Unlock()
	logger.Log.Info("Control: Listening", "socket", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is done or Close is called. Listen
// must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.ln
	s.mu.Unlock()
	if l == nil {
		return stderrors.New("control: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		var req protocol.ControlRequest
		if err := dec.Decode(&req); err != nil {
			var syntax *json.SyntaxError
			if stderrors.As(err, &syntax) {
				enc.Encode(protocol.ControlResponse{Error: "malformed request: " + err.Error()})
			}
			return
		}

		logger.Log.Debug("Control: Request", "op", req.Op, "group", req.Group)
		resp := s.handler.HandleControl(ctx, req)
		if err := enc.Encode(resp); err != nil {
			logger.Log.Debug("Control: Write failed", "err", err)
			return
		}
	}
}

// Close stops accepting, drops open connections and removes the socket
// file. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.ln
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
		os.Remove(s.socketPath)
	}
	s.wg.Wait()
	return err
}
