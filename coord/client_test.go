package coord_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/testutil"
)

func TestClientCreateExistsGetDataDelete(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()

	c, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.EnsurePath("/discovery/pubs"))

	exists, err := c.Exists("/discovery/pubs/pub-a")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, c.Create("/discovery/pubs/pub-a", []byte("['temperature']"), true))

	exists, err = c.Exists("/discovery/pubs/pub-a")
	require.NoError(t, err)
	require.True(t, exists)

	data, exists, err := c.GetData("/discovery/pubs/pub-a")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "['temperature']", string(data))

	children, err := c.GetChildren("/discovery/pubs")
	require.NoError(t, err)
	require.Equal(t, []string{"pub-a"}, children)

	require.NoError(t, c.Delete("/discovery/pubs/pub-a"))
	exists, err = c.Exists("/discovery/pubs/pub-a")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestClientWatchChildrenFiresOnChange(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()

	watcher, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer watcher.Close()

	writer, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.EnsurePath("/discovery/pubs"))

	events := make(chan []string, 4)
	require.NoError(t, watcher.WatchChildren("/discovery/pubs", func(children []string) {
		events <- children
	}))

	require.NoError(t, writer.Create("/discovery/pubs/pub-a", nil, true))

	select {
	case children := <-events:
		require.Equal(t, []string{"pub-a"}, children)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for children watch event")
	}
}

func TestClientWatchDataFiresWhenNodeIsDeleted(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()

	watcher, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer watcher.Close()

	writer, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.Create("/discovery/leader", []byte("127.0.0.1:9100"), true))

	events := make(chan bool, 4)
	require.NoError(t, watcher.WatchData("/discovery/leader", func(data []byte, exists bool) {
		events <- exists
	}))

	require.NoError(t, writer.Delete("/discovery/leader"))

	select {
	case exists := <-events:
		require.False(t, exists)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data watch event")
	}
}

func TestClientEphemeralNodeIsSweptOnDisconnect(t *testing.T) {
	srv := testutil.NewTestCoordServer(t, nil)
	defer srv.Stop()

	owner, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)

	require.NoError(t, owner.EnsurePath("/discovery/pubs"))
	require.NoError(t, owner.Create("/discovery/pubs/pub-a", nil, true))
	require.NoError(t, owner.Close())

	checker, err := coord.Dial(srv.Addr, log.Nop())
	require.NoError(t, err)
	defer checker.Close()

	require.Eventually(t, func() bool {
		exists, err := checker.Exists("/discovery/pubs/pub-a")
		return err == nil && !exists
	}, 2*time.Second, 50*time.Millisecond)
}
