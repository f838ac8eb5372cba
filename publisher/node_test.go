package publisher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/testutil"
)

func newTestNode(t *testing.T, history int, topics []string) *Node {
	t.Helper()
	n := &Node{
		cfg:       config.PublisherConfig{Base: config.Base{Name: "pub-a", Addr: "127.0.0.1", Port: 9300}, Topics: topics, History: history},
		strengths: map[string]int{},
		history:   map[string][]string{},
	}
	for _, topic := range topics {
		n.strengths[topic] = 0
		n.history[topic] = nil
	}
	return n
}

func TestPubPath(t *testing.T) {
	n := newTestNode(t, 3, []string{"temp"})
	require.Equal(t, "/discovery/pubs/pub-a:127.0.0.1:9300", n.pubPath())
}

func TestUpdateHistorySlidesOnceFull(t *testing.T) {
	n := newTestNode(t, 2, []string{"temp"})

	w1 := n.updateHistory("temp", "temp:1")
	require.Equal(t, "['temp:1']", w1)

	w2 := n.updateHistory("temp", "temp:2")
	require.Equal(t, "['temp:1', 'temp:2']", w2)

	// window is full at depth 2; the next update must pop the oldest entry
	// before appending the new one.
	w3 := n.updateHistory("temp", "temp:3")
	require.Equal(t, "['temp:2', 'temp:3']", w3)
	require.Len(t, n.history["temp"], 2)
}

func TestRenderWindowEmpty(t *testing.T) {
	require.Equal(t, "[]", renderWindow(nil))
}

func TestHandlePubsChangeDropsGoneAndTriggersReevaluation(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()
	cc, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer cc.Close()
	require.NoError(t, cc.EnsurePath("/discovery/pubs"))
	require.NoError(t, cc.Create("/discovery/pubs/pub-b:127.0.0.1:9301", []byte(`["temp"]`), true))

	n := newTestNode(t, 3, []string{"temp"})
	n.coord = cc
	n.logger = log.Nop()
	n.preExisting = []string{"pub-b:127.0.0.1:9301", "pub-c:127.0.0.1:9302"}
	n.strengths["temp"] = 2

	// pub-c left; handlePubsChange drops it from preExisting and
	// re-evaluates strength against the one remaining pre-existing
	// publisher, pub-b, which also carries "temp".
	n.handlePubsChange([]string{"pub-b:127.0.0.1:9301"})
	require.Equal(t, []string{"pub-b:127.0.0.1:9301"}, n.preExisting)
	require.Equal(t, 1, n.strengths["temp"])
}
