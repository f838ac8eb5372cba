package transport

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

// FanIn is the subscribe side of the data plane: it dials one or more
// FanOut peers (publishers, in direct mode, or brokers, in broker mode),
// announces a topic filter to each on connect, and merges every line they
// send onto a single channel. This stands in for a ZMQ SUB socket
// connected to multiple PUB endpoints.
type FanIn struct {
	topics []string
	logger *log.Logger

	mu    sync.Mutex
	conns map[string]net.Conn

	messages chan Message
}

// Message is one line received from one connected peer, tagged with that
// peer's address so a consumer that needs to act on the source (e.g. a
// subscriber disconnecting from a publisher that under-delivers history)
// doesn't have to re-parse it out of the line itself.
type Message struct {
	Addr string
	Line string
}

func NewFanIn(topics []string, logger *log.Logger) *FanIn {
	if logger == nil {
		logger = log.Nop()
	}
	return &FanIn{
		topics:   topics,
		logger:   logger,
		conns:    map[string]net.Conn{},
		messages: make(chan Message, 256),
	}
}

// Connect dials addr if not already connected and starts reading from it.
func (f *FanIn) Connect(addr string) error {
	f.mu.Lock()
	if _, ok := f.conns[addr]; ok {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return protocol.WrapNetwork(err, "dial publisher")
	}
	filterLine := strings.Join(f.topics, ",") + "\n"
	if _, err := conn.Write([]byte(filterLine)); err != nil {
		conn.Close()
		return protocol.WrapNetwork(err, "send subscribe filter")
	}

	f.mu.Lock()
	f.conns[addr] = conn
	f.mu.Unlock()

	go f.readLoop(addr, conn)
	return nil
}

func (f *FanIn) readLoop(addr string, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			f.Disconnect(addr)
			return
		}
		f.messages <- Message{Addr: addr, Line: strings.TrimRight(line, "\n")}
	}
}

// Disconnect tears down the connection to addr, if any, and forgets it.
// FanIn never redials on its own, but it keeps no record of the
// disconnect: a later Connect to the same addr dials it again.
func (f *FanIn) Disconnect(addr string) {
	f.mu.Lock()
	conn, ok := f.conns[addr]
	if ok {
		delete(f.conns, addr)
	}
	f.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (f *FanIn) Connected(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.conns[addr]
	return ok
}

// Messages is the merged stream of every connected peer's output, each
// tagged with the address it arrived from.
func (f *FanIn) Messages() <-chan Message { return f.messages }

func (f *FanIn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, c := range f.conns {
		c.Close()
		delete(f.conns, addr)
	}
}
