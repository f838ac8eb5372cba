package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"

	"github.com/muradazp/warren-jocko-pubsub/internal/log"
)

// subscriber is one connected peer's filter and write side.
type subscriber struct {
	conn   net.Conn
	w      *bufio.Writer
	mu     sync.Mutex
	topics map[string]struct{} // empty means "subscribed to everything"
}

func (s *subscriber) matches(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// FanOut is the publish side of the data plane: it binds one port, and any
// peer that connects and sends a single comma-separated (or empty) topic
// filter line receives every subsequent Publish call matching that filter,
// playing the role a ZMQ PUB socket played for the original publishers
// and brokers.
type FanOut struct {
	ln     net.Listener
	logger *log.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func Bind(addr string, logger *log.Logger) (*FanOut, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &FanOut{ln: ln, logger: logger, subs: map[*subscriber]struct{}{}}, nil
}

func (f *FanOut) Addr() net.Addr { return f.ln.Addr() }

// Serve accepts subscriber connections until ctx is cancelled.
func (f *FanOut) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.ln.Close()
	}()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go f.handleConn(conn)
	}
}

func (f *FanOut) handleConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	filterLine, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	filterLine = strings.TrimSpace(filterLine)
	topics := map[string]struct{}{}
	if filterLine != "" {
		for _, t := range strings.Split(filterLine, ",") {
			topics[t] = struct{}{}
		}
	}
	sub := &subscriber{conn: conn, w: bufio.NewWriter(conn), topics: topics}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	// A subscribing peer never sends anything after its filter line; this
	// read only exists to notice the peer closing the connection.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			f.remove(sub)
			return
		}
	}
}

func (f *FanOut) remove(sub *subscriber) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
	sub.conn.Close()
}

// Publish writes line to every connected subscriber whose filter matches
// its leading "topic:" prefix.
func (f *FanOut) Publish(line string) {
	topic := ParseTopic(line)
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		if !sub.matches(topic) {
			continue
		}
		sub.mu.Lock()
		_, err := sub.w.WriteString(line + "\n")
		if err == nil {
			err = sub.w.Flush()
		}
		sub.mu.Unlock()
		if err != nil {
			f.remove(sub)
		}
	}
}

// SubscriberCount reports how many peers are currently connected, useful
// for tests asserting relay fan-out reached every expected subscriber.
func (f *FanOut) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *FanOut) Close() error { return f.ln.Close() }
