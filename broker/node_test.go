package broker

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
	"github.com/muradazp/warren-jocko-pubsub/internal/testutil"
	"github.com/muradazp/warren-jocko-pubsub/transport"
)

func TestNodeLeadPath(t *testing.T) {
	n := &Node{}
	require.Equal(t, "/broker/leaders/lead-0", n.leadPath(0))
	require.Equal(t, "/broker/leaders/lead-3", n.leadPath(3))
}

func TestNodeBackupPath(t *testing.T) {
	n := &Node{cfg: config.BrokerConfig{Base: config.Base{Addr: "127.0.0.1", Port: 9100}}}
	require.Equal(t, "/broker/backups/backup-127.0.0.1:9100", n.backupPath())
}

func TestLeadAndIndexGettersSetters(t *testing.T) {
	n := &Node{index: -1}
	require.False(t, n.IsLead())
	require.Equal(t, -1, n.Index())

	n.setLead(true, 0)
	require.True(t, n.IsLead())
	require.Equal(t, 0, n.Index())

	n.setLead(false, -1)
	require.False(t, n.IsLead())
}

func TestSubToPubsSkipsAlreadyConnected(t *testing.T) {
	fo, err := transport.Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fo.Close()

	n := &Node{
		logger: log.Nop(),
		fanIn:  transport.NewFanIn(nil, log.Nop()),
		pubs:   []protocol.Identity{{Name: "pub-a", IP: fo.Addr().(*net.TCPAddr).IP.String(), Port: fo.Addr().(*net.TCPAddr).Port}},
	}

	// Re-subscribing to the same name set should not attempt a second dial;
	// subToPubs just replaces n.pubs with whatever the caller passed.
	n.subToPubs(n.pubs)
	require.Len(t, n.pubs, 1)
	require.Equal(t, "pub-a", n.pubs[0].Name)
}

func TestRelayLoopStampsHistoryFramesOnly(t *testing.T) {
	fo, err := transport.Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fo.Close()

	n := &Node{
		cfg:    config.BrokerConfig{Base: config.Base{Addr: "127.0.0.1", Port: 9200}},
		logger: log.Nop(),
		fanOut: fo,
		fanIn:  transport.NewFanIn(nil, log.Nop()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.relayLoop(ctx)
	go fo.Serve(ctx)

	conn, err := net.Dial("tcp", fo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// Drive relayLoop the same way a live publisher connection would: push
	// raw lines onto the FanIn's merged channel via a loopback listener
	// rather than reaching into unexported fields.
	fanInSrc, err := transport.Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fanInSrc.Close()
	go fanInSrc.Serve(ctx)
	require.NoError(t, n.fanIn.Connect(fanInSrc.Addr().String()))
	time.Sleep(20 * time.Millisecond)

	plainLine := "temp:21.5"
	historyLine := "temp:hs-3-hw-['temp:20','temp:21']"
	fanInSrc.Publish(plainLine)
	fanInSrc.Publish(historyLine)

	r := bufio.NewReader(conn)
	first, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, plainLine+"\n", first)

	second, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "temp:pi-127.0.0.1:9200-hs-3-hw-['temp:20','temp:21']\n", second)
}

func TestHandlePubsChangeNoopWhenStillPaired(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()
	cc, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer cc.Close()
	require.NoError(t, cc.EnsurePath("/broker/leaders"))

	paired := protocol.Identity{Name: "pub-a", IP: "127.0.0.1", Port: 9001}
	n := &Node{
		logger: log.Nop(),
		coord:  cc,
		fanIn:  transport.NewFanIn(nil, log.Nop()),
		isLead: true,
		index:  0,
		pubs:   []protocol.Identity{paired},
	}

	// lead-0's paired publisher is still among the children, so
	// handlePubsChange's numPubs>0 branch leaves it paired and leading
	// (lead-0 would not demote even if the publisher had left).
	n.handlePubsChange([]string{paired.ChildName()})

	require.True(t, n.IsLead())
	require.Len(t, n.pubs, 1)
	require.Equal(t, "pub-a", n.pubs[0].Name)
}

func TestHandlePubsChangeDemotesWhenPairedPublisherLeaves(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()
	cc, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer cc.Close()
	require.NoError(t, cc.EnsurePath("/broker/leaders"))
	require.NoError(t, cc.Create("/broker/leaders/lead-1", []byte("127.0.0.1:9300"), true))

	paired := protocol.Identity{Name: "pub-a", IP: "127.0.0.1", Port: 9001}
	n := &Node{
		logger:          log.Nop(),
		coord:           cc,
		fanIn:           transport.NewFanIn(nil, log.Nop()),
		isLead:          true,
		index:           1,
		pubs:            []protocol.Identity{paired},
		pubListening:    true,
		watchingLeaders: true,
	}

	// pub-a is no longer among the live /discovery/pubs children, and this
	// node is co-lead index 1 (not lead-0), so it must step back down.
	n.handlePubsChange(nil)

	require.False(t, n.IsLead())
	require.Empty(t, n.pubs)
}
