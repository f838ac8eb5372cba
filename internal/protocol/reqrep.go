package protocol

import (
	"encoding/json"
	"net"
	"sync"
)

// Conn is a strict lock-step request/reply socket: every Call sends one
// envelope and blocks for exactly one reply before another Call may start,
// mirroring the REQ/REP discipline the original ZMQ middleware relied on.
type Conn struct {
	mu sync.Mutex
	nc net.Conn
}

func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, WrapNetwork(err, "dial")
	}
	return &Conn{nc: nc}, nil
}

// Call sends kind/req as an Envelope and decodes the reply payload into resp.
func (c *Conn) Call(kind RequestKind, req interface{}, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := NewEnvelope(kind, req)
	if err != nil {
		return err
	}
	if err := WriteFrame(c.nc, env); err != nil {
		return err
	}
	var respEnv Envelope
	if err := ReadFrame(c.nc, &respEnv); err != nil {
		return err
	}
	if respEnv.Kind != kind {
		return ProtocolErrorf("unexpected reply kind %q for request %q", respEnv.Kind, kind)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(respEnv.Payload, resp); err != nil {
		return WrapProtocol(err, "unmarshal reply payload")
	}
	return nil
}

// Reconnect tears down the current socket (if any) and dials addr fresh,
// the move every role makes when a discovery leader-change watch fires.
func (c *Conn) Reconnect(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return WrapNetwork(err, "reconnect")
	}
	c.nc = nc
	return nil
}

func (c *Conn) Close() error { return c.nc.Close() }

// Handler answers one request kind/payload pair and returns the reply body
// (or an error, on which the server sends no reply and drops the conn).
type Handler func(kind RequestKind, payload json.RawMessage) (interface{}, error)

// Server is the REP side: accept, then serially read-handle-write envelopes
// on each connection until the peer disconnects.
type Server struct {
	ln      net.Listener
	handler Handler
}

func Listen(addr string, h Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, WrapNetwork(err, "listen")
	}
	return &Server{ln: ln, handler: h}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. It returns nil when the listener closes cleanly.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Temporary() {
				return nil
			}
			return WrapNetwork(err, "accept")
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var env Envelope
		if err := ReadFrame(conn, &env); err != nil {
			return
		}
		reply, err := s.handler(env.Kind, env.Payload)
		if err != nil {
			return
		}
		respEnv, err := NewEnvelope(env.Kind, reply)
		if err != nil {
			return
		}
		if err := WriteFrame(conn, respEnv); err != nil {
			return
		}
	}
}
