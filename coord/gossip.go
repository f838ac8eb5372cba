package coord

import (
	"net"
	"strconv"

	"github.com/hashicorp/serf/serf"

	"github.com/muradazp/warren-jocko-pubsub/internal/log"
)

// Gossip is the optional multi-replica bootstrap path for coordd: a serf
// cluster that lets new replicas find and be added to the raft group
// without an operator hand-feeding every peer address, adapted from the
// serf wiring jocko's Broker uses for its own LAN membership.
type Gossip struct {
	serf     *serf.Serf
	eventCh  chan serf.Event
	logger   *log.Logger
	shutdown chan struct{}
}

type memberHandler func(serf.Member)

func newGossip(cfg Config, onJoin memberHandler, logger *log.Logger) (*Gossip, error) {
	conf := serf.DefaultConfig()
	conf.Init()
	host, port := splitHostPort(cfg.GossipAddr)
	conf.MemberlistConfig.BindAddr = host
	conf.MemberlistConfig.BindPort = port
	conf.NodeName = cfg.NodeID
	conf.Tags = map[string]string{
		"raft_addr":    cfg.RaftAddr,
		"control_addr": cfg.ControlAddr,
	}
	eventCh := make(chan serf.Event, 256)
	conf.EventCh = eventCh

	s, err := serf.Create(conf)
	if err != nil {
		return nil, err
	}
	g := &Gossip{serf: s, eventCh: eventCh, logger: logger, shutdown: make(chan struct{})}
	go g.loop(onJoin)

	if len(cfg.JoinAddrs) > 0 {
		if _, err := s.Join(cfg.JoinAddrs, true); err != nil {
			logger.Warn("gossip join failed", log.Error("error", err))
		}
	}
	return g, nil
}

func (g *Gossip) loop(onJoin memberHandler) {
	for {
		select {
		case e := <-g.eventCh:
			if me, ok := e.(serf.MemberEvent); ok && me.Type == serf.EventMemberJoin {
				for _, m := range me.Members {
					onJoin(m)
				}
			}
		case <-g.shutdown:
			return
		}
	}
}

func (g *Gossip) Members() []serf.Member { return g.serf.Members() }

func (g *Gossip) Shutdown() error {
	close(g.shutdown)
	return g.serf.Leave()
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
