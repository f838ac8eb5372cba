// Package testutil provides cluster-bring-up helpers for tests across
// coord, discovery, broker, publisher and subscriber, the same role
// jocko's own testutil package played for its broker/server tests:
// dynamically allocated ports via go-dynaport, a go-testing-interface
// signature so both *testing.T and benchmark harnesses can use it, and a
// join helper that wires a multi-node coordination cluster together.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	testing "github.com/mitchellh/go-testing-interface"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
)

var (
	nodeNumber int32
	tempDir    string
)

func init() {
	dir, err := os.MkdirTemp("", "warren-jocko-pubsub-test-cluster")
	if err != nil {
		panic(err)
	}
	tempDir = dir
}

// TestCoordServer bundles a running coord.Server with the context that
// drives its control listener, so a test can shut the whole thing down
// with one cancel call.
type TestCoordServer struct {
	*coord.Server
	Addr     string
	NodeID   string
	RaftAddr string
	cancel   context.CancelFunc
}

func (s *TestCoordServer) Stop() {
	s.cancel()
	s.Shutdown()
}

// NewTestCoordServer starts one coordd replica bound to dynamically
// allocated ports, bootstrapped as a single-node raft cluster unless cb
// overrides cfg.Bootstrap, the way jocko's NewTestServer stood up one
// broker replica with dynaport-assigned addresses for every test.
func NewTestCoordServer(t testing.T, cb func(cfg *coord.Config)) *TestCoordServer {
	ports := dynaport.GetS(3)
	nodeID := atomic.AddInt32(&nodeNumber, 1)

	cfg := coord.Config{
		NodeID:      fmt.Sprintf("node%d", nodeID),
		RaftAddr:    "127.0.0.1:" + ports[0],
		ControlAddr: "127.0.0.1:" + ports[1],
		DataDir:     filepath.Join(tempDir, fmt.Sprintf("node%d", nodeID)),
		Bootstrap:   true,
	}
	if cb != nil {
		cb(&cfg)
	}

	logger := log.Nop()
	srv, err := coord.NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenControl(ctx)
	// give the listener a moment to bind before a client tries to dial it.
	time.Sleep(50 * time.Millisecond)
	// a bootstrapped single-node cluster only accepts writes once it has
	// elected itself raft leader.
	if cfg.Bootstrap {
		deadline := time.Now().Add(5 * time.Second)
		for !srv.IsLeader() {
			if time.Now().After(deadline) {
				t.Fatalf("coord server %s did not become raft leader", cfg.NodeID)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	return &TestCoordServer{Server: srv, Addr: cfg.ControlAddr, NodeID: cfg.NodeID, RaftAddr: cfg.RaftAddr, cancel: cancel}
}

// TestJoinCoord admits every other replica into s1's raft configuration,
// mirroring jocko's TestJoin for a multi-node server-level test.
func TestJoinCoord(t testing.T, s1 *TestCoordServer, other ...*TestCoordServer) {
	for _, s2 := range other {
		if err := s1.AddVoter(s2.NodeID, s2.RaftAddr); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}
