package coord

import (
	"net"
	"sync"

	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

// Client is the CoordClient facade every role programs against: connect to
// a coordd replica, ensure/create/delete/inspect namespace paths, and
// register persistent children/data watches that fire on every future
// change, not just the next one, the way the kazoo recipes in the original
// middleware behaved.
type Client struct {
	logger *log.Logger
	addr   string

	mu      sync.Mutex
	conn    net.Conn
	nextID  uint64
	pending map[uint64]chan response

	watchMu       sync.Mutex
	childWatchers map[string][]func([]string)
	dataWatchers  map[string][]func(data []byte, exists bool)

	closed chan struct{}
}

func Dial(addr string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, protocol.WrapCoordination(err, "dial coordination service")
	}
	c := &Client{
		logger:        logger,
		addr:          addr,
		conn:          conn,
		pending:       map[uint64]chan response{},
		childWatchers: map[string][]func([]string){},
		dataWatchers:  map[string][]func([]byte, bool){},
		closed:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) send(req request) (response, error) {
	ch := make(chan response, 1)
	c.mu.Lock()
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	err := protocol.WriteFrame(c.conn, req)
	c.mu.Unlock()
	if err != nil {
		return response{}, protocol.WrapNetwork(err, "write coordination request")
	}
	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, protocol.CoordinationErrorf("%s", resp.Error)
		}
		return resp, nil
	case <-c.closed:
		return response{}, protocol.NetworkErrorf("coordination connection to %s closed", c.addr)
	}
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := protocol.ReadFrame(c.conn, &resp); err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[uint64]chan response{}
			c.mu.Unlock()
			close(c.closed)
			return
		}
		if resp.ID == 0 {
			c.dispatchEvent(resp)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) dispatchEvent(resp response) {
	switch resp.Op {
	case opChildrenEvent:
		c.watchMu.Lock()
		cbs := append([]func([]string){}, c.childWatchers[resp.Path]...)
		c.watchMu.Unlock()
		for _, cb := range cbs {
			cb(resp.Children)
		}
	case opDataEvent:
		c.watchMu.Lock()
		cbs := append([]func([]byte, bool){}, c.dataWatchers[resp.Path]...)
		c.watchMu.Unlock()
		for _, cb := range cbs {
			cb(resp.Data, !resp.Gone)
		}
	}
}

func (c *Client) EnsurePath(path string) error {
	_, err := c.send(request{Op: opEnsurePath, Path: path})
	return err
}

func (c *Client) Create(path string, data []byte, ephemeral bool) error {
	_, err := c.send(request{Op: opCreate, Path: path, Data: data, Ephemeral: ephemeral})
	return err
}

func (c *Client) Exists(path string) (bool, error) {
	resp, err := c.send(request{Op: opExists, Path: path})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) Delete(path string) error {
	_, err := c.send(request{Op: opDelete, Path: path})
	return err
}

func (c *Client) GetChildren(path string) ([]string, error) {
	resp, err := c.send(request{Op: opGetChildren, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Children, nil
}

func (c *Client) GetData(path string) ([]byte, bool, error) {
	resp, err := c.send(request{Op: opGetData, Path: path})
	if err != nil {
		return nil, false, err
	}
	return resp.Data, resp.Exists, nil
}

// WatchChildren registers cb to fire with the current children of path
// every time the set changes, including immediately if the server chooses
// to fire once on registration (it currently does not; callers that need
// the initial state should call GetChildren first).
func (c *Client) WatchChildren(path string, cb func(children []string)) error {
	c.watchMu.Lock()
	c.childWatchers[path] = append(c.childWatchers[path], cb)
	c.watchMu.Unlock()
	_, err := c.send(request{Op: opWatchChildren, Path: path})
	return err
}

// WatchData registers cb to fire whenever path's data changes; exists is
// false when the node (and therefore its data) has been removed.
func (c *Client) WatchData(path string, cb func(data []byte, exists bool)) error {
	c.watchMu.Lock()
	c.dataWatchers[path] = append(c.dataWatchers[path], cb)
	c.watchMu.Unlock()
	_, err := c.send(request{Op: opWatchData, Path: path})
	return err
}

func (c *Client) Close() error { return c.conn.Close() }
