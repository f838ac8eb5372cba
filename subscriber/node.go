// Package subscriber implements the SubscriberNode role: it registers its
// topics of interest with discovery, resolves the publishers (or brokers,
// depending on discovery's dissemination mode) that carry them, connects a
// FanIn to each, and relays every received history frame through the
// min-history acceptance rule: a publisher whose declared history window
// is shorter than what we require gets permanently disconnected, whether
// the frame reached us directly from a publisher or relayed through a
// broker.
package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/discoveryclient"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
	"github.com/muradazp/warren-jocko-pubsub/transport"
)

type Node struct {
	cfg    config.SubscriberConfig
	logger *log.Logger
	coord  *coord.Client
	disc   *discoveryclient.Client
	fanIn  *transport.FanIn

	mu      sync.Mutex
	pubs    []protocol.Identity
	gotHist map[string]bool
}

func NewNode(cfg config.SubscriberConfig, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Nop()
	}
	cc, err := coord.Dial(cfg.CoordAddr, logger)
	if err != nil {
		return nil, err
	}
	identity := protocol.Identity{Name: cfg.Name, IP: cfg.Addr, Port: cfg.Port}
	n := &Node{
		cfg:     cfg,
		logger:  logger,
		coord:   cc,
		fanIn:   transport.NewFanIn(cfg.Topics, logger),
		gotHist: map[string]bool{},
	}
	for _, t := range cfg.Topics {
		n.gotHist[t] = false
	}
	n.disc = discoveryclient.New(cc, identity, protocol.RoleSubscriber, cfg.Topics, logger)
	return n, nil
}

func (n *Node) subPath() string {
	id := protocol.Identity{Name: n.cfg.Name, IP: n.cfg.Addr, Port: n.cfg.Port}
	return "/discovery/subs/" + id.ChildName()
}

// Run joins the coordination tree and discovery, resolves and connects to
// the publishers that carry our topics, arms the watch that keeps that set
// current, and processes incoming frames until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.join(); err != nil {
		return err
	}

	pubs, err := n.disc.LookupPubByTopic(n.cfg.Topics)
	if err != nil {
		return err
	}
	n.subToPubs(pubs)

	if err := n.armPubsWatch(); err != nil {
		return err
	}

	go n.listenToPubs(ctx)

	<-ctx.Done()
	return n.leave()
}

func (n *Node) join() error {
	if err := n.coord.EnsurePath("/discovery"); err != nil {
		return err
	}
	for {
		exists, err := n.coord.Exists("/discovery/leader")
		if err != nil {
			return err
		}
		if exists {
			break
		}
		time.Sleep(time.Second)
	}
	if err := n.coord.EnsurePath("/discovery/subs"); err != nil {
		return err
	}
	exists, err := n.coord.Exists(n.subPath())
	if err != nil {
		return err
	}
	if !exists {
		if err := n.coord.Create(n.subPath(), []byte("subscriber-node"), true); err != nil {
			return err
		}
	}
	n.logger.Info("joined coordination tree")
	return n.disc.Follow()
}

func (n *Node) armPubsWatch() error {
	if err := n.coord.EnsurePath("/discovery/pubs"); err != nil {
		return err
	}
	return n.coord.WatchChildren("/discovery/pubs", n.handlePubsChange)
}

// handlePubsChange re-resolves the publisher/broker set for our topics
// whenever the registered-publisher set changes and connects to any newly
// matched peer we are not already talking to.
func (n *Node) handlePubsChange(children []string) {
	time.Sleep(500 * time.Millisecond)
	pubs, err := n.disc.LookupPubByTopic(n.cfg.Topics)
	if err != nil {
		n.logger.Error("locate publishers failed", log.Error("error", err))
		return
	}

	n.mu.Lock()
	previousCount := len(n.pubs)
	n.mu.Unlock()

	if len(pubs) < previousCount {
		n.logger.Info("a publisher left, removing from our list")
	}
	if len(pubs) == 0 {
		n.logger.Info("no publishers present, waiting")
		return
	}
	n.subToPubs(pubs)
}

func (n *Node) subToPubs(pubs []protocol.Identity) {
	n.mu.Lock()
	already := map[string]struct{}{}
	for _, p := range n.pubs {
		already[p.Name] = struct{}{}
	}
	n.mu.Unlock()

	for _, p := range pubs {
		if _, ok := already[p.Name]; ok {
			continue
		}
		if err := n.fanIn.Connect(p.Addr()); err != nil {
			n.logger.Error("failed to subscribe to publisher", log.Error("error", err), log.String("publisher", p.Name))
			continue
		}
		n.logger.Info("subscribed to publisher", log.String("publisher", p.Name), log.String("addr", p.Addr()))
	}

	n.mu.Lock()
	n.pubs = pubs
	n.mu.Unlock()
}

// listenToPubs processes every frame from every connected peer: a history
// frame is checked against our minimum history requirement regardless of
// whether it arrived direct from a publisher or relayed through a broker
// (the relayed case carries the relaying broker's address so we know who
// to disconnect from; the direct case disconnects from whichever peer the
// frame actually arrived on). Anything else is just logged.
func (n *Node) listenToPubs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.fanIn.Messages():
			if !ok {
				return
			}
			n.handleMessage(msg)
		}
	}
}

func (n *Node) handleMessage(msg transport.Message) {
	if !transport.IsHistoryFrame(msg.Line) {
		n.logger.Info("message from publisher", log.String("message", msg.Line))
		return
	}

	parsed, err := transport.ParseHistory(msg.Line)
	if err != nil {
		n.logger.Error("malformed history frame", log.Error("error", err), log.String("message", msg.Line))
		return
	}

	n.mu.Lock()
	already := n.gotHist[parsed.Topic]
	n.mu.Unlock()

	if parsed.HistoryDepth >= n.cfg.History {
		if already {
			return
		}
		n.logger.Info("history received from publisher", log.String("topic", parsed.Topic))
		n.logger.Info("historic window", log.String("topic", parsed.Topic), log.String("window", parsed.Window))
		n.mu.Lock()
		n.gotHist[parsed.Topic] = true
		n.mu.Unlock()
		return
	}

	n.logger.Info("publisher doesn't meet minimum history, unsubscribing", log.String("topic", parsed.Topic))
	disconnectAddr := parsed.PublisherAddr
	if disconnectAddr == "" {
		disconnectAddr = msg.Addr
	}
	n.fanIn.Disconnect(disconnectAddr)
	n.logger.Info("unsubscribed from publisher", log.String("addr", disconnectAddr))
}

func (n *Node) leave() error {
	if exists, _ := n.coord.Exists(n.subPath()); exists {
		n.coord.Delete(n.subPath())
	}
	n.disc.Deregister()
	n.disc.Close()
	n.fanIn.Close()
	return n.coord.Close()
}
