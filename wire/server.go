package wire

import (
	"log"
	"net"
	"sync"
)

// Handler answers one request body for a registered RPCType and returns the
// reply body to send back, or an error that becomes the reply's ErrorCode
// (via CodeOf).
type Handler func(body []byte) ([]byte, error)

// Server dispatches inbound frames to per-RPCType handlers, one goroutine
// per connection and one goroutine per request within a connection, mirroring
// the teacher's accept-loop-plus-goroutine-per-request shape in
// cmd/snellerd/run_daemon.go's server.Serve.
type Server struct {
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[RPCType]Handler
}

// NewServer returns a Server that logs to logger.
func NewServer(logger *log.Logger) *Server {
	return &Server{logger: logger, handlers: make(map[RPCType]Handler)}
}

// Handle registers the handler invoked for rpcType. Not safe to call
// concurrently with Serve accepting connections that might race it; register
// every handler before calling Serve.
func (s *Server) Handle(rpcType RPCType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[rpcType] = h
}

// Serve accepts connections on l until it returns an error (including from
// l being closed), serving each on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer nc.Close()
	var writeMu sync.Mutex
	for {
		hdr, body, err := ReadRequestFrame(nc)
		if err != nil {
			return
		}
		go s.dispatch(nc, &writeMu, hdr, body)
	}
}

func (s *Server) dispatch(nc net.Conn, writeMu *sync.Mutex, hdr RequestHeader, body []byte) {
	s.mu.RLock()
	h, ok := s.handlers[hdr.Type]
	s.mu.RUnlock()

	var reply []byte
	var code ErrorCode
	if !ok {
		code = ErrUnRegisterFunc
		s.logger.Printf("wire: no handler registered for %s", hdr.Type)
	} else {
		var err error
		reply, err = h(body)
		code = CodeOf(err)
		if code != Success && err != nil {
			s.logger.Printf("wire: %s: %v", hdr.Type, err)
		}
	}

	replyKind := pickCompressKind(reply)
	replyHdr := ReplyHeader{Timestamp: hdr.Timestamp, Code: code, CompressKind: replyKind}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := WriteReplyFrame(nc, replyHdr, reply); err != nil {
		s.logger.Printf("wire: writing reply for %s: %v", hdr.Type, err)
	}
}
