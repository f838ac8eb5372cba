// Package publisher implements the PublisherNode role: it advertises a
// fixed set of topics, joins the coordination tree directly (an ephemeral
// znode under /discovery/pubs carrying its topic list, independent of the
// RPC registration it also performs against the discovery leader), and
// disseminates a data frame plus a sliding-history frame per topic on
// every round, unless another publisher that was already present when it
// joined also carries that topic — in which case it steps back and lets
// the earlier publisher own it.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/discoveryclient"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
	"github.com/muradazp/warren-jocko-pubsub/transport"
)

// PayloadGenerator produces the payload disseminated for a topic on a given
// round; seq is the 0-based round counter for that topic on this publisher.
// Applications embedding Node can override the default by setting
// Node.Payload directly.
type PayloadGenerator func(topic string, seq int) string

// DefaultPayloadGenerator is deterministic: the same topic and round always
// produce the same payload, so tests and replay tooling never have to
// tolerate a random value in a dissemination frame.
func DefaultPayloadGenerator(topic string, seq int) string {
	return fmt.Sprintf("%s-%d", topic, seq)
}

type Node struct {
	cfg     config.PublisherConfig
	logger  *log.Logger
	coord   *coord.Client
	disc    *discoveryclient.Client
	fanOut  *transport.FanOut
	Payload PayloadGenerator

	mu          sync.Mutex
	preExisting []string
	strengths   map[string]int
	history     map[string][]string
	seq         map[string]int
}

func NewNode(cfg config.PublisherConfig, logger *log.Logger) (*Node, error) {
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
	n := &Node{
		cfg:       cfg,
		logger:    logger,
		coord:     cc,
		fanOut:    fo,
		Payload:   DefaultPayloadGenerator,
		strengths: map[string]int{},
		history:   map[string][]string{},
		seq:       map[string]int{},
	}
	for _, t := range cfg.Topics {
		n.strengths[t] = 0
		n.history[t] = nil
		n.seq[t] = 0
	}
	n.disc = discoveryclient.New(cc, n.identity(), protocol.RolePublisher, cfg.Topics, logger)
	return n, nil
}

func (n *Node) identity() protocol.Identity {
	return protocol.Identity{Name: n.cfg.Name, IP: n.cfg.Addr, Port: n.cfg.Port, Topics: n.cfg.Topics}
}

func (n *Node) pubPath() string { return "/discovery/pubs/" + n.identity().ChildName() }

// Run joins the coordination tree and discovery, serves the dissemination
// socket, runs the dissemination loop for cfg.Iters rounds, then blocks
// until ctx is cancelled before tearing everything down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.join(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- n.fanOut.Serve(ctx) }()

	disseminateErr := make(chan error, 1)
	go func() { disseminateErr <- n.Disseminate(n.cfg.Iters) }()

	select {
	case <-ctx.Done():
		return n.leave()
	case err := <-serveErr:
		return err
	case err := <-disseminateErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
		return n.leave()
	}
}

// join snapshots whichever publishers are already registered before
// creating our own ephemeral znode, waits out a 10-second grace period if
// we are the very first publisher to arrive (giving peers starting
// concurrently a chance to register before we evaluate strength against an
// empty set), then registers with the discovery leader over RPC.
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
	if err := n.coord.EnsurePath("/discovery/pubs"); err != nil {
		return err
	}
	preExisting, err := n.coord.GetChildren("/discovery/pubs")
	if err != nil {
		return err
	}
	if len(preExisting) == 0 {
		n.logger.Info("no pre-existing publishers, waiting out grace period")
		time.Sleep(10 * time.Second)
	}
	n.mu.Lock()
	n.preExisting = preExisting
	n.mu.Unlock()
	n.logger.Debug("pre-existing publishers snapshotted", log.Int("count", len(preExisting)))

	exists, err := n.coord.Exists(n.pubPath())
	if err != nil {
		return err
	}
	if !exists {
		data, err := json.Marshal(n.cfg.Topics)
		if err != nil {
			return protocol.WrapProtocol(err, "encode topic list")
		}
		if err := n.coord.Create(n.pubPath(), data, true); err != nil {
			return err
		}
	}
	n.logger.Info("joined coordination tree")
	return n.disc.Follow()
}

// evaluateOwnershipStrength recomputes, from scratch, how many of the
// publishers that were already present when we joined also carry each of
// our topics. A strength of zero means we are the sole (or first) owner of
// that topic and should disseminate it; anything else means we defer.
func (n *Node) evaluateOwnershipStrength() {
	n.mu.Lock()
	preExisting := append([]string{}, n.preExisting...)
	n.mu.Unlock()

	for _, topic := range n.cfg.Topics {
		strength := 0
		for _, child := range preExisting {
			data, exists, err := n.coord.GetData("/discovery/pubs/" + child)
			if err != nil || !exists {
				continue
			}
			var topics []string
			if err := json.Unmarshal(data, &topics); err != nil {
				continue
			}
			for _, t := range topics {
				if t == topic {
					strength++
					break
				}
			}
		}
		n.mu.Lock()
		n.strengths[topic] = strength
		n.mu.Unlock()
		n.logger.Debug("evaluated ownership strength", log.String("topic", topic), log.Int("strength", strength))
	}
}

func (n *Node) armPubsLeavingWatch() error {
	if err := n.coord.EnsurePath("/discovery/pubs"); err != nil {
		return err
	}
	return n.coord.WatchChildren("/discovery/pubs", n.handlePubsChange)
}

// handlePubsChange drops any pre-existing publisher that has left and, if
// any did, re-evaluates ownership strength for every topic: a departure
// might hand us sole ownership of a topic we had been deferring on.
func (n *Node) handlePubsChange(children []string) {
	present := map[string]struct{}{}
	for _, c := range children {
		present[c] = struct{}{}
	}

	n.mu.Lock()
	kept := n.preExisting[:0]
	changed := false
	for _, pub := range n.preExisting {
		if _, ok := present[pub]; ok {
			kept = append(kept, pub)
			continue
		}
		changed = true
	}
	n.preExisting = kept
	n.mu.Unlock()

	if changed {
		n.logger.Info("a pre-existing publisher left, re-evaluating ownership strength")
		n.evaluateOwnershipStrength()
	}
}

func (n *Node) updateHistory(topic, frame string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	w := n.history[topic]
	if len(w) == n.cfg.History {
		w = w[1:]
	}
	w = append(w, frame)
	n.history[topic] = w
	return renderWindow(w)
}

// renderWindow matches the textual form str(list) produced in the
// original history frames, so downstream parsing never has to care
// whether it is reading a frame straight from Go or from the system this
// was ported from.
func renderWindow(entries []string) string {
	quoted := make([]string, len(entries))
	for i, e := range entries {
		quoted[i] = "'" + e + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// Disseminate evaluates ownership strength once, arms the watch that will
// re-evaluate it on future departures, then runs iters dissemination
// rounds over every configured topic we currently own.
func (n *Node) Disseminate(iters int) error {
	n.evaluateOwnershipStrength()
	if err := n.armPubsLeavingWatch(); err != nil {
		return err
	}

	for i := 0; i < iters; i++ {
		for _, topic := range n.cfg.Topics {
			time.Sleep(10 * time.Millisecond)

			n.mu.Lock()
			strength := n.strengths[topic]
			n.mu.Unlock()
			if strength != 0 {
				n.logger.Debug("skipping topic, not the owning publisher", log.String("topic", topic), log.Int("strength", strength))
				continue
			}

			n.mu.Lock()
			seq := n.seq[topic]
			n.seq[topic] = seq + 1
			n.mu.Unlock()

			payload := n.Payload(topic, seq)
			frame := transport.DataFrame(topic, payload)
			n.fanOut.Publish(frame)
			window := n.updateHistory(topic, frame)
			n.fanOut.Publish(transport.HistoryFrame(topic, n.cfg.History, window))
		}
	}
	n.logger.Info("dissemination finished")
	return nil
}

func (n *Node) leave() error {
	if exists, _ := n.coord.Exists(n.pubPath()); exists {
		n.coord.Delete(n.pubPath())
	}
	n.disc.Deregister()
	n.disc.Close()
	n.fanOut.Close()
	return n.coord.Close()
}
