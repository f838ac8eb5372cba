package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

func newTestNode(t *testing.T, brokerMode bool) *Node {
	t.Helper()
	return &Node{
		cfg:       config.DiscoveryConfig{Base: config.Base{Name: "disco-1"}, BrokerMode: brokerMode},
		logger:    log.Nop(),
		pubTopics: map[string][]string{},
	}
}

func TestHandleRegisterPublisherTracksTopics(t *testing.T) {
	n := newTestNode(t, false)
	resp := n.handleRegister(protocol.RegisterReq{
		Role:     protocol.RolePublisher,
		Identity: protocol.Identity{Name: "pub-a", IP: "127.0.0.1", Port: 9300},
		Topics:   []string{"temperature"},
	})
	require.Equal(t, protocol.ResultSuccess, resp.Result)
	require.Len(t, n.pubs, 1)
	require.Equal(t, []string{"temperature"}, n.pubTopics["pub-a"])
	require.Equal(t, []string{"temperature"}, n.pubs[0].Topics)
}

func TestHandleRegisterUnrecognizedRoleFails(t *testing.T) {
	n := newTestNode(t, false)
	resp := n.handleRegister(protocol.RegisterReq{Role: protocol.Role(99), Identity: protocol.Identity{Name: "x"}})
	require.Equal(t, protocol.ResultFailure, resp.Result)
}

func TestHandleDeregisterPublisherDropsTopics(t *testing.T) {
	n := newTestNode(t, false)
	n.handleRegister(protocol.RegisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-a"}, Topics: []string{"temperature"}})
	resp := n.handleDeregister(protocol.DeregisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-a"}})
	require.Equal(t, protocol.ResultSuccess, resp.Result)
	require.Empty(t, n.pubs)
	require.NotContains(t, n.pubTopics, "pub-a")
}

func TestHandleLookupAllPubsPairsOffLastPublisher(t *testing.T) {
	n := newTestNode(t, false)
	n.handleRegister(protocol.RegisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-a"}, Topics: []string{"temperature"}})
	n.handleRegister(protocol.RegisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-b"}, Topics: []string{"humidity"}})

	resp := n.handleLookupAllPubs()
	require.Len(t, resp.Publishers, 2)

	require.Len(t, n.pubs, 1)
	require.Equal(t, "pub-a", n.pubs[0].Name)
	require.Len(t, n.pairedPubs, 1)
	require.Equal(t, "pub-b", n.pairedPubs[0].Name)
}

func TestHandleLookupPubByTopicDirectModeFiltersByTopic(t *testing.T) {
	n := newTestNode(t, false)
	n.handleRegister(protocol.RegisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-a"}, Topics: []string{"temperature"}})
	n.handleRegister(protocol.RegisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-b"}, Topics: []string{"humidity"}})

	resp := n.handleLookupPubByTopic(protocol.LookupPubByTopicReq{Topics: []string{"humidity"}})
	require.Len(t, resp.Publishers, 1)
	require.Equal(t, "pub-b", resp.Publishers[0].Name)
}

func TestHandleLookupPubByTopicBrokerModeReturnsBrokers(t *testing.T) {
	n := newTestNode(t, true)
	n.handleRegister(protocol.RegisterReq{Role: protocol.RoleBroker, Identity: protocol.Identity{Name: "broker-1"}})
	n.handleRegister(protocol.RegisterReq{Role: protocol.RolePublisher, Identity: protocol.Identity{Name: "pub-a"}, Topics: []string{"temperature"}})

	resp := n.handleLookupPubByTopic(protocol.LookupPubByTopicReq{Topics: []string{"temperature"}})
	require.Len(t, resp.Publishers, 1)
	require.Equal(t, "broker-1", resp.Publishers[0].Name)
}

func TestDedupByNameKeepsFirstOccurrence(t *testing.T) {
	ids := []protocol.Identity{{Name: "a", Port: 1}, {Name: "b"}, {Name: "a", Port: 2}}
	out := dedupByName(ids)
	require.Len(t, out, 2)
	require.Equal(t, 1, out[0].Port)
}

func TestRemoveByNameDropsEveryMatch(t *testing.T) {
	ids := []protocol.Identity{{Name: "a"}, {Name: "b"}, {Name: "a"}}
	out := removeByName(ids, "a")
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].Name)
}
