package coord

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeEnsurePathCreatesAncestors(t *testing.T) {
	tr := NewTree()
	tr.EnsurePath("/discovery/pubs")
	require.True(t, tr.Exists("/discovery"))
	require.True(t, tr.Exists("/discovery/pubs"))

	children, err := tr.GetChildren("/")
	require.NoError(t, err)
	require.Equal(t, []string{"discovery"}, children)
}

func TestTreeCreateRejectsDuplicate(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Create("/discovery/leader", []byte("a"), true, "sess-1"))
	require.Error(t, tr.Create("/discovery/leader", []byte("b"), true, "sess-1"))
}

func TestTreeCreateThenGetData(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Create("/discovery/leader", []byte("127.0.0.1:9100"), true, "sess-1"))
	data, exists := tr.GetData("/discovery/leader")
	require.True(t, exists)
	require.Equal(t, "127.0.0.1:9100", string(data))
}

func TestTreeDeleteIsIdempotent(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Create("/discovery/leader", nil, true, "sess-1"))
	require.NoError(t, tr.Delete("/discovery/leader"))
	require.NoError(t, tr.Delete("/discovery/leader"))
	require.False(t, tr.Exists("/discovery/leader"))
}

func TestTreeDeleteRemovesFromParentChildren(t *testing.T) {
	tr := NewTree()
	tr.EnsurePath("/discovery/pubs")
	require.NoError(t, tr.Create("/discovery/pubs/pub-a", nil, true, "sess-1"))
	require.NoError(t, tr.Delete("/discovery/pubs/pub-a"))

	children, err := tr.GetChildren("/discovery/pubs")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestTreeGetChildrenSortedAndUnknownPathErrors(t *testing.T) {
	tr := NewTree()
	tr.EnsurePath("/discovery/pubs")
	require.NoError(t, tr.Create("/discovery/pubs/pub-b", nil, true, "sess-1"))
	require.NoError(t, tr.Create("/discovery/pubs/pub-a", nil, true, "sess-1"))

	children, err := tr.GetChildren("/discovery/pubs")
	require.NoError(t, err)
	require.Equal(t, []string{"pub-a", "pub-b"}, children)

	_, err = tr.GetChildren("/nope")
	require.Error(t, err)
}

func TestTreeOwnedByReturnsOnlyThatSessionsEphemeralNodes(t *testing.T) {
	tr := NewTree()
	tr.EnsurePath("/discovery/pubs")
	require.NoError(t, tr.Create("/discovery/pubs/pub-a", nil, true, "sess-1"))
	require.NoError(t, tr.Create("/discovery/pubs/pub-b", nil, true, "sess-2"))
	require.NoError(t, tr.Create("/discovery/persistent", nil, false, ""))

	owned := tr.OwnedBy("sess-1")
	require.Equal(t, []string{"/discovery/pubs/pub-a"}, owned)
}
