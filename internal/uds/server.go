package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// ErrInUse is returned by Start when another process answers on the socket.
var ErrInUse = errors.New("socket is in use by a running process")

// connDeadline bounds one request/response exchange.
const connDeadline = 10 * time.Second

type HandlerFunc func(req *Request) *Response

// Server answers one framed request per connection. Handlers run on the
// connection goroutine and must not block on the caller's main loop.
type Server struct {
	socketPath string
	listener   net.Listener
	logf       func(format string, args ...any)

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	conns    sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		logf:       func(string, ...any) {},
	}
}

// SetLogger routes connection-level errors to logf.
func (s *Server) SetLogger(logf func(format string, args ...any)) {
	if logf != nil {
		s.logf = logf
	}
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// Handle registers handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Start listens on the socket path. A socket file nobody answers on is
// left over from a crash and is replaced; a live one is an error.
func (s *Server) Start() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
			_ = conn.Close()
			return fmt.Errorf("listen on %s: %w", s.socketPath, ErrInUse)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.conns.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, waits for in-flight connections and removes
// the socket file. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			_ = s.listener.Close()
			s.conns.Wait()
			_ = os.Remove(s.socketPath)
		}
	})
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.logf("accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.conns.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("read request error: %v", err)
		return
	}
	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		s.logf("write response error command=%s: %v", req.Command, err)
	}
}

// dispatch routes req to its handler. A panicking handler yields an
// INTERNAL_ERROR response instead of a dropped connection.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logf("panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked: %v", req.Command, r))
		}
	}()
	return handler(req)
}
