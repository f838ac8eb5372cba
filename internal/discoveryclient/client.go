// Package discoveryclient is the small REQ-side helper every role
// (publisher, subscriber, broker) uses to find and talk to whichever
// discovery replica currently holds /discovery/leader, reconnecting on
// promotion the same way the original middleware's register()/lookup()
// calls re-resolved the discovery endpoint through ZooKeeper before every
// use.
package discoveryclient

import (
	"sync"

	"github.com/opentracing/opentracing-go"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

// Client follows /discovery/leader and keeps a registered connection to
// whichever replica currently owns it.
type Client struct {
	coord    *coord.Client
	logger   *log.Logger
	identity protocol.Identity
	role     protocol.Role
	topics   []string

	mu   sync.Mutex
	conn *protocol.Conn
}

func New(cc *coord.Client, identity protocol.Identity, role protocol.Role, topics []string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{coord: cc, logger: logger, identity: identity, role: role, topics: topics}
}

// Follow arms a watch on /discovery/leader, blocks until the first
// registration attempt against whatever leader is (or becomes) current,
// and returns that attempt's error, if any; every subsequent leader change
// reconnects and re-registers in the background.
func (c *Client) Follow() error {
	first := make(chan error, 1)
	var once sync.Once

	err := c.coord.WatchData("/discovery/leader", func(data []byte, exists bool) {
		if !exists || len(data) == 0 {
			return
		}
		regErr := c.reconnectAndRegister(string(data))
		once.Do(func() { first <- regErr })
		if regErr != nil {
			c.logger.Error("register with new discovery leader failed", log.Error("error", regErr))
		}
	})
	if err != nil {
		return err
	}

	// The watch only fires on a data *change*; if a leader was already
	// published before we armed the watch, resolve it directly instead of
	// waiting forever for an event that already happened.
	data, exists, err := c.coord.GetData("/discovery/leader")
	if err != nil {
		return err
	}
	if exists && len(data) > 0 {
		regErr := c.reconnectAndRegister(string(data))
		once.Do(func() { first <- regErr })
		return regErr
	}

	return <-first
}

func (c *Client) reconnectAndRegister(addr string) error {
	span := opentracing.StartSpan("discoveryclient.Register")
	span.SetTag("role", c.role.String())
	span.SetTag("discovery.addr", addr)
	defer span.Finish()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	conn, err := protocol.Dial(addr)
	if err != nil {
		c.mu.Unlock()
		span.SetTag("error", true)
		return protocol.WrapNetwork(err, "dial discovery leader")
	}
	c.conn = conn
	c.mu.Unlock()

	var resp protocol.RegisterResp
	if err := conn.Call(protocol.KindRegister, protocol.RegisterReq{
		Role: c.role, Identity: c.identity, Topics: c.topics,
	}, &resp); err != nil {
		span.SetTag("error", true)
		return err
	}
	if resp.Result != protocol.ResultSuccess {
		return protocol.RegisterRejectedf("discovery rejected registration: %s", resp.FailReason)
	}
	c.logger.Info("registered with discovery", log.String("addr", addr), log.String("role", c.role.String()))
	return nil
}

func (c *Client) activeConn() (*protocol.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, protocol.NetworkErrorf("not connected to discovery")
	}
	return c.conn, nil
}

func (c *Client) Deregister() error {
	conn, err := c.activeConn()
	if err != nil {
		return nil
	}
	var resp protocol.DeregisterResp
	if err := conn.Call(protocol.KindDeregister, protocol.DeregisterReq{
		Role: c.role, Identity: c.identity, Topics: c.topics,
	}, &resp); err != nil {
		return err
	}
	if resp.Result != protocol.ResultSuccess {
		return protocol.RegisterRejectedf("discovery rejected deregistration: %s", resp.FailReason)
	}
	return nil
}

func (c *Client) LookupAllPubs() ([]protocol.Identity, error) {
	span := opentracing.StartSpan("discoveryclient.LookupAllPubs")
	defer span.Finish()

	conn, err := c.activeConn()
	if err != nil {
		span.SetTag("error", true)
		return nil, err
	}
	var resp protocol.LookupAllPubsResp
	if err := conn.Call(protocol.KindLookupAllPubs, protocol.LookupAllPubsReq{}, &resp); err != nil {
		span.SetTag("error", true)
		return nil, err
	}
	span.SetTag("publishers", len(resp.Publishers))
	return resp.Publishers, nil
}

func (c *Client) LookupPubByTopic(topics []string) ([]protocol.Identity, error) {
	span := opentracing.StartSpan("discoveryclient.LookupPubByTopic")
	span.SetTag("topics", topics)
	defer span.Finish()

	conn, err := c.activeConn()
	if err != nil {
		span.SetTag("error", true)
		return nil, err
	}
	var resp protocol.LookupPubByTopicResp
	if err := conn.Call(protocol.KindLookupPubByTopic, protocol.LookupPubByTopicReq{Topics: topics}, &resp); err != nil {
		span.SetTag("error", true)
		return nil, err
	}
	span.SetTag("publishers", len(resp.Publishers))
	return resp.Publishers, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
