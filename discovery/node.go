// Package discovery implements the DiscoveryNode role: a replicated
// leader/standby registry of publishers, subscribers and brokers, elected
// over the coordination tree the same way the original middleware elected
// a leader over ZooKeeper ephemeral nodes, serving Register/Deregister/
// LookupAllPubs/LookupPubByTopic over a control socket.
package discovery

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

type Role int

const (
	RoleStandby Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "standby"
}

// Node is one discovery replica. Every replica binds its own control
// socket and always runs it; only the elected leader's address is
// published to /discovery/leader, so only the leader actually receives
// registration traffic, but a standby is ready to serve the instant it is
// promoted.
type Node struct {
	cfg    config.DiscoveryConfig
	logger *log.Logger
	coord  *coord.Client
	server *protocol.Server

	mu         sync.Mutex
	role       Role
	pubs       []protocol.Identity
	pubTopics  map[string][]string
	subs       []protocol.Identity
	brokers    []protocol.Identity
	pairedPubs []protocol.Identity
}

func NewNode(cfg config.DiscoveryConfig, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Nop()
	}
	cc, err := coord.Dial(cfg.CoordAddr, logger)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		logger:    logger,
		coord:     cc,
		pubTopics: map[string][]string{},
	}
	srv, err := protocol.Listen(cfg.AdvertiseAddr(), n.handle)
	if err != nil {
		cc.Close()
		return nil, err
	}
	n.server = srv
	return n, nil
}

func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) setRole(r Role) {
	n.mu.Lock()
	n.role = r
	n.mu.Unlock()
}

func (n *Node) backupPath() string { return "/discovery/backup-" + n.cfg.AdvertiseAddr() }

// Run joins the coordination tree, arms every watch the discovery role
// needs, and serves control requests until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.joinCoordination(); err != nil {
		return err
	}
	if err := n.armPubSubWatches(); err != nil {
		return err
	}
	if err := n.coord.WatchData("/broker/leaders/lead-0", n.handleBrokerChange); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- n.server.Serve() }()

	select {
	case <-ctx.Done():
		return n.leave()
	case err := <-serveErr:
		return err
	}
}

func (n *Node) joinCoordination() error {
	if err := n.coord.EnsurePath("/discovery"); err != nil {
		return err
	}
	exists, err := n.coord.Exists("/discovery/leader")
	if err != nil {
		return err
	}
	if !exists {
		if err := n.coord.Create("/discovery/leader", []byte(n.cfg.AdvertiseAddr()), true); err != nil {
			return err
		}
		n.setRole(RoleLeader)
		n.logger.Info("elected as discovery leader")
	} else {
		if err := n.coord.Create(n.backupPath(), []byte("discovery-backup"), true); err != nil {
			return err
		}
		n.setRole(RoleStandby)
		n.logger.Info("joined discovery as standby")
	}
	return n.coord.WatchData("/discovery/leader", n.handleLeaderChange)
}

func (n *Node) handleLeaderChange(data []byte, exists bool) {
	if exists {
		return
	}
	if n.Role() == RoleLeader {
		return
	}
	n.logger.Info("lead discovery node has left")
	time.Sleep(time.Duration(rand.Int63n(int64(time.Second))))
	stillExists, err := n.coord.Exists("/discovery/leader")
	if err != nil {
		n.logger.Error("check leader existence failed", log.Error("error", err))
		return
	}
	if stillExists {
		n.logger.Info("another node claimed discovery leadership")
		return
	}
	n.coord.Delete(n.backupPath())
	if err := n.coord.Create("/discovery/leader", []byte(n.cfg.AdvertiseAddr()), true); err != nil {
		n.logger.Info("lost discovery promotion race", log.Error("error", err))
		return
	}
	n.setRole(RoleLeader)
	n.logger.Info("promoted to discovery leader")
}

func (n *Node) armPubSubWatches() error {
	if err := n.coord.EnsurePath("/discovery/pubs"); err != nil {
		return err
	}
	if err := n.coord.WatchChildren("/discovery/pubs", n.handlePubsChange); err != nil {
		return err
	}
	if err := n.coord.EnsurePath("/discovery/subs"); err != nil {
		return err
	}
	return n.coord.WatchChildren("/discovery/subs", n.handleSubsChange)
}

func (n *Node) handlePubsChange(children []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(children) == 0 {
		n.pubs = nil
		n.pubTopics = map[string][]string{}
		return
	}
	present := map[string]struct{}{}
	for _, c := range children {
		present[c] = struct{}{}
	}
	kept := n.pubs[:0]
	for _, pub := range n.pubs {
		if _, ok := present[pub.ChildName()]; ok {
			kept = append(kept, pub)
		} else {
			n.logger.Info("publisher left, removing from registry", log.String("name", pub.Name))
			delete(n.pubTopics, pub.Name)
		}
	}
	n.pubs = kept
}

func (n *Node) handleSubsChange(children []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(children) == 0 {
		n.subs = nil
		return
	}
	present := map[string]struct{}{}
	for _, c := range children {
		present[c] = struct{}{}
	}
	kept := n.subs[:0]
	for _, sub := range n.subs {
		if _, ok := present[sub.ChildName()]; ok {
			kept = append(kept, sub)
		} else {
			n.logger.Info("subscriber left, removing from registry", log.String("name", sub.Name))
		}
	}
	n.subs = kept
}

// handleBrokerChange runs when /broker/leaders/lead-0 disappears: a
// publisher that had been paired off to a now-dead lead broker is returned
// to the general pool so the next LookupAllPubs call can hand it to
// whichever broker re-takes lead-0.
func (n *Node) handleBrokerChange(data []byte, exists bool) {
	if exists {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pairedPubs) == 0 {
		return
	}
	n.logger.Info("lead broker failed, reclaiming a paired publisher")
	reclaimed := n.pairedPubs[0]
	n.pairedPubs = n.pairedPubs[1:]
	n.pubs = append(n.pubs, reclaimed)
}

func (n *Node) handle(kind protocol.RequestKind, payload json.RawMessage) (interface{}, error) {
	switch kind {
	case protocol.KindRegister:
		var req protocol.RegisterReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, protocol.WrapProtocol(err, "decode register request")
		}
		return n.handleRegister(req), nil
	case protocol.KindDeregister:
		var req protocol.DeregisterReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, protocol.WrapProtocol(err, "decode deregister request")
		}
		return n.handleDeregister(req), nil
	case protocol.KindLookupAllPubs:
		return n.handleLookupAllPubs(), nil
	case protocol.KindLookupPubByTopic:
		var req protocol.LookupPubByTopicReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, protocol.WrapProtocol(err, "decode lookup request")
		}
		return n.handleLookupPubByTopic(req), nil
	default:
		return nil, protocol.ProtocolErrorf("unrecognized discovery request kind %q", kind)
	}
}

func (n *Node) handleRegister(req protocol.RegisterReq) protocol.RegisterResp {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch req.Role {
	case protocol.RolePublisher:
		identity := req.Identity
		identity.Topics = req.Topics
		n.pubs = append(n.pubs, identity)
		n.pubTopics[req.Identity.Name] = req.Topics
	case protocol.RoleSubscriber:
		n.subs = append(n.subs, req.Identity)
	case protocol.RoleBroker:
		n.brokers = append(n.brokers, req.Identity)
	default:
		return protocol.RegisterResp{Result: protocol.ResultFailure, FailReason: "unrecognized role"}
	}
	n.logger.Info("registration accepted", log.String("role", req.Role.String()), log.String("name", req.Identity.Name))
	return protocol.RegisterResp{Result: protocol.ResultSuccess}
}

func (n *Node) handleDeregister(req protocol.DeregisterReq) protocol.DeregisterResp {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch req.Role {
	case protocol.RolePublisher:
		n.pubs = removeByName(n.pubs, req.Identity.Name)
		delete(n.pubTopics, req.Identity.Name)
	case protocol.RoleSubscriber:
		n.subs = removeByName(n.subs, req.Identity.Name)
	case protocol.RoleBroker:
		n.brokers = removeByName(n.brokers, req.Identity.Name)
	default:
		return protocol.DeregisterResp{Result: protocol.ResultFailure, FailReason: "unrecognized role"}
	}
	n.logger.Info("deregistration handled", log.String("role", req.Role.String()), log.String("name", req.Identity.Name))
	return protocol.DeregisterResp{Result: protocol.ResultSuccess}
}

// handleLookupAllPubs hands a broker every currently known publisher, then
// pairs off the last one in the registry so no other broker gets handed
// the same publisher to own.
func (n *Node) handleLookupAllPubs() protocol.LookupAllPubsResp {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := protocol.LookupAllPubsResp{Publishers: dedupByName(n.pubs)}
	if len(n.pubs) > 0 {
		last := n.pubs[len(n.pubs)-1]
		n.pubs = n.pubs[:len(n.pubs)-1]
		n.pairedPubs = append(n.pairedPubs, last)
		n.logger.Debug("paired publisher to a broker", log.String("publisher", last.Name))
	}
	return resp
}

// handleLookupPubByTopic answers a subscriber: in broker mode it always
// hands back the broker tier (subscribers relay through brokers, topic
// filtering happens at the broker/subscriber socket level); in direct
// mode it filters publishers down to those that actually carry one of the
// requested topics.
func (n *Node) handleLookupPubByTopic(req protocol.LookupPubByTopicReq) protocol.LookupPubByTopicResp {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.BrokerMode {
		return protocol.LookupPubByTopicResp{Publishers: dedupByName(n.brokers)}
	}
	wanted := map[string]struct{}{}
	for _, t := range req.Topics {
		wanted[t] = struct{}{}
	}
	var matched []protocol.Identity
	for _, pub := range dedupByName(n.pubs) {
		for _, t := range n.pubTopics[pub.Name] {
			if _, ok := wanted[t]; ok {
				matched = append(matched, pub)
				break
			}
		}
	}
	return protocol.LookupPubByTopicResp{Publishers: matched}
}

func (n *Node) leave() error {
	n.server.Close()
	return n.coord.Close()
}
