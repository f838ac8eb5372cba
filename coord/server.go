package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"

	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

const (
	raftLogCacheSize  = 512
	snapshotsRetained = 2
)

// Config describes one coordd replica: its raft peer address, its plain TCP
// control address that Clients dial, where it keeps its raft log/snapshots,
// and (optionally) a serf gossip address for discovering the rest of a
// multi-replica coordd cluster the way jocko's brokers find each other.
type Config struct {
	NodeID      string
	RaftAddr    string
	ControlAddr string
	DataDir     string
	Bootstrap   bool
	GossipAddr  string
	JoinAddrs   []string
}

// Server hosts one replica of the coordination tree: a raft group running
// FSM, and a TCP listener speaking the coord control protocol to Clients.
type Server struct {
	cfg    Config
	logger *log.Logger

	raft          *raft.Raft
	raftStore     *raftboltdb.BoltStore
	raftTransport *raft.NetworkTransport
	fsm           *FSM

	sessions *sessionRegistry
	watchers *watcherRegistry

	ln     net.Listener
	gossip *Gossip

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewServer(cfg Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		sessions:   newSessionRegistry(),
		watchers:   newWatcherRegistry(),
		shutdownCh: make(chan struct{}),
	}
	s.fsm = newFSM(s.onPathChanged)
	if err := s.setupRaft(); err != nil {
		return nil, errors.Wrap(err, "setup raft")
	}
	if cfg.GossipAddr != "" {
		gossip, err := newGossip(cfg, s.handleGossipMember, logger)
		if err != nil {
			return nil, errors.Wrap(err, "setup gossip")
		}
		s.gossip = gossip
	}
	return s, nil
}

// setupRaft wires hashicorp/raft the way a BoltDB-backed single-binary
// service does: a TCP transport, a BoltDB log/stable store, a file
// snapshot store, timings tuned down from raft's defaults for a service
// that is meant to notice a dead leader in well under a second.
func (s *Server) setupRaft() error {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(s.cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.RaftAddr)
	if err != nil {
		return errors.Wrap(err, "resolve raft addr")
	}
	transport, err := raft.NewTCPTransport(s.cfg.RaftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return errors.Wrap(err, "create raft transport")
	}
	s.raftTransport = transport

	snapshots, err := raft.NewFileSnapshotStore(s.cfg.DataDir, snapshotsRetained, os.Stderr)
	if err != nil {
		return errors.Wrap(err, "create snapshot store")
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return errors.Wrap(err, "create bolt store")
	}
	s.raftStore = boltStore

	logStore, err := raft.NewLogCache(raftLogCacheSize, boltStore)
	if err != nil {
		return errors.Wrap(err, "wrap log cache")
	}

	r, err := raft.NewRaft(raftCfg, s.fsm, logStore, boltStore, snapshots, transport)
	if err != nil {
		return errors.Wrap(err, "create raft")
	}
	s.raft = r

	if s.cfg.Bootstrap {
		cfgServers := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := s.raft.BootstrapCluster(cfgServers).Error(); err != nil {
			return errors.Wrap(err, "bootstrap cluster")
		}
	}
	return nil
}

func (s *Server) IsLeader() bool { return s.raft.State() == raft.Leader }

func (s *Server) apply(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	f := s.raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		return errors.Wrap(err, "raft apply")
	}
	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// AddVoter admits another coordd replica (discovered via gossip, or handed
// to coordctl by an operator) into the raft configuration.
func (s *Server) AddVoter(nodeID, raftAddr string) error {
	if !s.IsLeader() {
		return protocol.CoordinationErrorf("not leader")
	}
	return s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second).Error()
}

func (s *Server) onPathChanged(path string) {
	children, err := s.fsm.tree.GetChildren(path)
	if err == nil {
		s.watchers.notifyChildren(path, children)
	}
	data, exists := s.fsm.tree.GetData(path)
	s.watchers.notifyData(path, data, !exists)
}

func (s *Server) handleGossipMember(m serf.Member) {
	if !s.IsLeader() {
		return
	}
	raftAddr := m.Tags["raft_addr"]
	if raftAddr == "" || raftAddr == s.cfg.RaftAddr {
		return
	}
	if err := s.AddVoter(m.Name, raftAddr); err != nil {
		s.logger.Warn("failed to add voter discovered via gossip",
			log.Error("error", err), log.String("peer", m.Name))
	}
}

// ListenControl accepts Client connections and serves them until ctx is
// cancelled or the listener otherwise fails.
func (s *Server) ListenControl(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return errors.Wrap(err, "listen control")
	}
	s.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept")
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sess := s.sessions.new(conn)
	defer func() {
		conn.Close()
		s.sessions.remove(sess.id)
		s.watchers.removeSession(sess.id)
		if owned := sess.ownedList(); len(owned) > 0 && s.IsLeader() {
			if err := s.apply(command{Op: cmdExpireSession, Owner: sess.id}); err != nil {
				s.logger.Error("expire session failed", log.Error("error", err), log.String("session", sess.id))
			}
		}
	}()
	for {
		var req request
		if err := protocol.ReadFrame(conn, &req); err != nil {
			return
		}
		resp := s.handle(sess, req)
		resp.ID, resp.Op = req.ID, req.Op
		sess.writeMu.Lock()
		err := protocol.WriteFrame(conn, resp)
		sess.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(sess *session, req request) response {
	switch req.Op {
	case opEnsurePath:
		if err := s.apply(command{Op: cmdEnsurePath, Path: req.Path}); err != nil {
			return errResp(err)
		}
		return response{OK: true}
	case opCreate:
		owner := ""
		if req.Ephemeral {
			owner = sess.id
		}
		if err := s.apply(command{Op: cmdCreate, Path: req.Path, Data: req.Data, Ephemeral: req.Ephemeral, Owner: owner}); err != nil {
			return errResp(err)
		}
		if req.Ephemeral {
			sess.own(req.Path)
		}
		return response{OK: true}
	case opDelete:
		if err := s.apply(command{Op: cmdDelete, Path: req.Path}); err != nil {
			return errResp(err)
		}
		sess.disown(req.Path)
		return response{OK: true}
	case opExists:
		return response{OK: true, Exists: s.fsm.tree.Exists(req.Path)}
	case opGetChildren:
		children, err := s.fsm.tree.GetChildren(req.Path)
		if err != nil {
			return errResp(err)
		}
		return response{OK: true, Children: children}
	case opGetData:
		data, exists := s.fsm.tree.GetData(req.Path)
		return response{OK: true, Data: data, Exists: exists}
	case opWatchChildren:
		s.watchers.addChildWatch(req.Path, sess)
		return response{OK: true}
	case opWatchData:
		s.watchers.addDataWatch(req.Path, sess)
		return response{OK: true}
	default:
		return response{OK: false, Error: fmt.Sprintf("unrecognized op: %s", req.Op)}
	}
}

func (s *Server) Shutdown() error {
	var outerr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.gossip != nil {
			s.gossip.Shutdown()
		}
		if s.ln != nil {
			s.ln.Close()
		}
		if s.raft != nil {
			if err := s.raft.Shutdown().Error(); err != nil {
				outerr = err
			}
		}
		if s.raftTransport != nil {
			s.raftTransport.Close()
		}
		if s.raftStore != nil {
			s.raftStore.Close()
		}
	})
	return outerr
}
