// Package broker implements the BrokerNode role: a scaling pool of relay
// replicas where one lead-0 node (plus however many co-leads load demands)
// fans in every publisher's data and history frames and fans them back out
// to subscribers, stamping each relayed history frame with this broker's
// own address so a subscriber can tell a relayed frame from a direct one
// and, if it ever needs to, disconnect from the broker that relayed it.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/discoveryclient"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
	"github.com/muradazp/warren-jocko-pubsub/transport"
)

// Node is one broker replica.
type Node struct {
	cfg    config.BrokerConfig
	logger *log.Logger
	coord  *coord.Client
	disc   *discoveryclient.Client
	fanOut *transport.FanOut
	fanIn  *transport.FanIn

	mu              sync.Mutex
	isLead          bool
	index           int
	pubs            []protocol.Identity
	pubListening    bool
	watchingLeaders bool
}

func NewNode(cfg config.BrokerConfig, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Nop()
	}
	cc, err := coord.Dial(cfg.CoordAddr, logger)
	if err != nil {
		return nil, err
	}
	fo, err := transport.Bind(cfg.AdvertiseAddr(), logger)
	if err != nil {
		cc.Close()
		return nil, err
	}
	identity := protocol.Identity{Name: cfg.Name, IP: cfg.Addr, Port: cfg.Port}
	n := &Node{
		cfg:    cfg,
		logger: logger,
		coord:  cc,
		fanOut: fo,
		fanIn:  transport.NewFanIn(nil, logger),
		index:  -1,
	}
	n.disc = discoveryclient.New(cc, identity, protocol.RoleBroker, nil, logger)
	return n, nil
}

func (n *Node) IsLead() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isLead
}

func (n *Node) Index() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.index
}

func (n *Node) setLead(lead bool, index int) {
	n.mu.Lock()
	n.isLead = lead
	n.index = index
	n.mu.Unlock()
}

func (n *Node) PubListening() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pubListening
}

func (n *Node) setPubListening(v bool) {
	n.mu.Lock()
	n.pubListening = v
	n.mu.Unlock()
}

func (n *Node) WatchingLeaders() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watchingLeaders
}

func (n *Node) setWatchingLeaders(v bool) {
	n.mu.Lock()
	n.watchingLeaders = v
	n.mu.Unlock()
}

func (n *Node) backupPath() string       { return "/broker/backups/backup-" + n.cfg.AdvertiseAddr() }
func (n *Node) leadPath(index int) string { return fmt.Sprintf("/broker/leaders/lead-%d", index) }

// Run joins the broker coordination pool, starts the fan-in-to-fan-out
// relay loop, and either registers with discovery right away (lead-0) or,
// as a backup, watches lead-0 to take over if it dies and watches
// /discovery/pubs to volunteer as a co-lead, until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.joinCoordination(); err != nil {
		return err
	}

	go n.relayLoop(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- n.fanOut.Serve(ctx) }()

	if n.IsLead() {
		go func() {
			if err := n.registerAndListen(); err != nil {
				n.logger.Error("register and listen failed", log.Error("error", err))
			}
		}()
	} else {
		if err := n.watchLeaders(); err != nil {
			return err
		}
		if err := n.armPubsWatch(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return n.leave()
	case err := <-serveErr:
		return err
	}
}

func (n *Node) joinCoordination() error {
	if err := n.coord.EnsurePath("/broker/leaders"); err != nil {
		return err
	}
	if err := n.coord.EnsurePath("/broker/backups"); err != nil {
		return err
	}
	exists, err := n.coord.Exists("/broker/leaders/lead-0")
	if err != nil {
		return err
	}
	if !exists {
		if err := n.coord.Create("/broker/leaders/lead-0", []byte(n.cfg.AdvertiseAddr()), true); err != nil {
			return err
		}
		n.setLead(true, 0)
		n.logger.Info("elected as broker lead-0")
		return nil
	}
	if err := n.coord.Create(n.backupPath(), []byte("broker-backup"), true); err != nil {
		return err
	}
	n.setLead(false, -1)
	n.logger.Info("joined broker backup pool")
	return nil
}

func (n *Node) watchLeaders() error {
	n.logger.Info("watching broker lead-0 to take over if needed")
	if err := n.coord.WatchData("/broker/leaders/lead-0", func(data []byte, exists bool) {
		n.handleLeaderLeft(exists)
	}); err != nil {
		return err
	}
	n.setWatchingLeaders(true)
	return nil
}

func (n *Node) handleLeaderLeft(exists bool) {
	if exists || n.IsLead() {
		return
	}
	n.logger.Info("lead broker node has left")
	time.Sleep(time.Duration(rand.Int63n(int64(time.Second))))
	stillExists, err := n.coord.Exists("/broker/leaders/lead-0")
	if err != nil {
		n.logger.Error("check lead-0 existence failed", log.Error("error", err))
		return
	}
	if stillExists {
		n.logger.Info("another node claimed broker lead-0")
		return
	}
	n.coord.Delete(n.backupPath())
	if err := n.coord.Create("/broker/leaders/lead-0", []byte(n.cfg.AdvertiseAddr()), true); err != nil {
		n.logger.Info("lost broker lead-0 promotion race", log.Error("error", err))
		return
	}
	n.setLead(true, 0)
	n.logger.Info("promoted to broker lead-0")
	go func() {
		if err := n.registerAndListen(); err != nil {
			n.logger.Error("register and listen after promotion failed", log.Error("error", err))
		}
	}()
}

func (n *Node) joinAsColead(index int) error {
	if err := n.coord.EnsurePath("/broker/leaders"); err != nil {
		return err
	}
	exists, err := n.coord.Exists(n.backupPath())
	if err != nil {
		return err
	}
	if exists {
		if err := n.coord.Delete(n.backupPath()); err != nil {
			return err
		}
	}
	if err := n.coord.Create(n.leadPath(index), []byte(n.cfg.AdvertiseAddr()), true); err != nil {
		return err
	}
	n.setLead(true, index)
	return nil
}

func (n *Node) returnToBackupPool() error {
	if err := n.coord.EnsurePath("/broker/backups"); err != nil {
		return err
	}
	idx := n.Index()
	if idx > 0 {
		if exists, err := n.coord.Exists(n.leadPath(idx)); err == nil && exists {
			n.coord.Delete(n.leadPath(idx))
		}
	}
	if err := n.coord.Create(n.backupPath(), []byte("broker-backup"), true); err != nil {
		return err
	}
	n.mu.Lock()
	for _, p := range n.pubs {
		n.fanIn.Disconnect(p.Addr())
	}
	n.pubs = nil
	n.mu.Unlock()
	n.setLead(false, -1)
	if !n.PubListening() {
		if err := n.armPubsWatch(); err != nil {
			return err
		}
	}
	if !n.WatchingLeaders() {
		if err := n.watchLeaders(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) registerAndListen() error {
	if err := n.disc.Follow(); err != nil {
		return err
	}
	n.logger.Info("broker registered with discovery")
	pubs, err := n.disc.LookupAllPubs()
	if err != nil {
		return err
	}
	if len(pubs) > 0 {
		n.subToPubs(pubs)
	}
	if !n.PubListening() {
		return n.armPubsWatch()
	}
	return nil
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

func (n *Node) armPubsWatch() error {
	if err := n.coord.EnsurePath("/discovery/pubs"); err != nil {
		return err
	}
	if err := n.coord.WatchChildren("/discovery/pubs", n.handlePubsChange); err != nil {
		return err
	}
	n.setPubListening(true)
	return nil
}

// handlePubsChange is the growth/shrink heuristic: a lead broker with no
// paired publisher goes looking for one; an idle backup volunteers as a new
// co-lead once the publisher count outgrows the current lead tier; a broker
// whose one paired publisher has disappeared steps back down to backup,
// except lead-0, which never demotes itself.
func (n *Node) handlePubsChange(children []string) {
	leaders, err := n.coord.GetChildren("/broker/leaders")
	if err != nil {
		n.logger.Error("get broker leaders failed", log.Error("error", err))
		return
	}
	index := len(leaders)

	n.mu.Lock()
	isLead := n.isLead
	numPubs := len(n.pubs)
	myIndex := n.index
	var pairedPub protocol.Identity
	if numPubs > 0 {
		pairedPub = n.pubs[0]
	}
	n.mu.Unlock()

	switch {
	case isLead && numPubs == 0:
		time.Sleep(500 * time.Millisecond)
		pubs, err := n.disc.LookupAllPubs()
		if err != nil {
			n.logger.Error("locate publishers failed", log.Error("error", err))
			return
		}
		if len(pubs) == 0 {
			n.logger.Info("no publishers present, waiting for load")
			return
		}
		n.subToPubs(pubs)

	case numPubs == 0 && len(children) > index:
		time.Sleep(time.Duration(rand.Int63n(int64(time.Second))))
		exists, err := n.coord.Exists(n.leadPath(index))
		if err != nil {
			n.logger.Error("check co-lead slot failed", log.Error("error", err))
			return
		}
		if exists {
			return
		}
		n.logger.Info("publisher load increased, joining as co-lead", log.Int("index", index))
		if err := n.joinAsColead(index); err != nil {
			n.logger.Error("join as co-lead failed", log.Error("error", err))
			return
		}
		if err := n.registerAndListen(); err != nil {
			n.logger.Error("register and listen after co-lead promotion failed", log.Error("error", err))
		}

	case numPubs > 0:
		stillPresent := false
		for _, child := range children {
			if child == pairedPub.ChildName() {
				stillPresent = true
				break
			}
		}
		if !stillPresent && myIndex != 0 {
			n.logger.Info("publisher load decreased, returning to backup pool")
			if err := n.returnToBackupPool(); err != nil {
				n.logger.Error("return to backup pool failed", log.Error("error", err))
			}
		}
	}
}

// relayLoop is the always-running fan-in-to-fan-out forward: every line a
// connected publisher sends is republished verbatim, except a history
// frame, which gets this broker's address spliced in as the relay stamp.
func (n *Node) relayLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.fanIn.Messages():
			if !ok {
				return
			}
			out := msg.Line
			if transport.IsHistoryFrame(msg.Line) {
				out = transport.RelayFrame(msg.Line, n.cfg.AdvertiseAddr())
			}
			n.fanOut.Publish(out)
		}
	}
}

func (n *Node) leave() error {
	n.fanOut.Close()
	n.fanIn.Close()
	n.disc.Deregister()
	n.disc.Close()
	return n.coord.Close()
}
