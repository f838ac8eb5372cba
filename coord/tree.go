// Package coord implements the hierarchical, ephemeral-node coordination
// service that stands in for ZooKeeper in this system: a small namespace
// tree (Tree), replicated across a raft.Raft group the way jocko's Broker
// replicates its metadata FSM, fronted by a TCP control protocol (Server)
// and a client facade (Client) shaped like the CoordClient the rest of the
// tree programs against.
package coord

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type znode struct {
	data      []byte
	ephemeral bool
	owner     string // session ID that created it, only meaningful if ephemeral
}

// Tree is the in-memory namespace; it is always driven through the raft
// FSM's Apply, never mutated directly by request handlers, so that every
// replica converges on the same state.
type Tree struct {
	mu       sync.RWMutex
	nodes    map[string]*znode
	children map[string]map[string]struct{}
}

func NewTree() *Tree {
	t := &Tree{
		nodes:    map[string]*znode{"/": {}},
		children: map[string]map[string]struct{}{"/": {}},
	}
	return t
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

func splitParent(p string) (parent, name string) {
	p = cleanPath(p)
	if p == "/" {
		return "/", ""
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/", p[1:]
	}
	return p[:idx], p[idx+1:]
}

func (t *Tree) ensurePathLocked(p string) {
	p = cleanPath(p)
	if p == "/" {
		return
	}
	parent, name := splitParent(p)
	t.ensurePathLocked(parent)
	if _, ok := t.nodes[p]; ok {
		return
	}
	t.nodes[p] = &znode{}
	if t.children[parent] == nil {
		t.children[parent] = map[string]struct{}{}
	}
	t.children[parent][name] = struct{}{}
	if t.children[p] == nil {
		t.children[p] = map[string]struct{}{}
	}
}

func (t *Tree) EnsurePath(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensurePathLocked(p)
}

func (t *Tree) Create(p string, data []byte, ephemeral bool, owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p = cleanPath(p)
	if _, ok := t.nodes[p]; ok {
		return fmt.Errorf("node already exists: %s", p)
	}
	parent, name := splitParent(p)
	t.ensurePathLocked(parent)
	t.nodes[p] = &znode{data: data, ephemeral: ephemeral, owner: owner}
	t.children[parent][name] = struct{}{}
	if t.children[p] == nil {
		t.children[p] = map[string]struct{}{}
	}
	return nil
}

// Delete is idempotent: deleting an absent node is a no-op, since ephemeral
// cleanup and explicit deregister can race harmlessly against each other.
func (t *Tree) Delete(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p = cleanPath(p)
	if _, ok := t.nodes[p]; !ok {
		return nil
	}
	parent, name := splitParent(p)
	delete(t.nodes, p)
	delete(t.children, p)
	if set, ok := t.children[parent]; ok {
		delete(set, name)
	}
	return nil
}

func (t *Tree) Exists(p string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[cleanPath(p)]
	return ok
}

func (t *Tree) GetChildren(p string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p = cleanPath(p)
	set, ok := t.children[p]
	if !ok {
		return nil, fmt.Errorf("no such node: %s", p)
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (t *Tree) GetData(p string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[cleanPath(p)]
	if !ok {
		return nil, false
	}
	return n.data, true
}

// OwnedBy returns every ephemeral node path created by the given session,
// used to sweep them away when that session's connection drops.
func (t *Tree) OwnedBy(owner string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for p, n := range t.nodes {
		if n.ephemeral && n.owner == owner {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// restoreSet installs a node directly, bypassing the already-exists check
// Create enforces; only used when rebuilding a Tree from a raft snapshot.
func (t *Tree) restoreSet(path string, data []byte, ephemeral bool, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path = cleanPath(path)
	if path == "/" {
		return
	}
	parent, name := splitParent(path)
	t.ensurePathLocked(parent)
	t.nodes[path] = &znode{data: data, ephemeral: ephemeral, owner: owner}
	t.children[parent][name] = struct{}{}
	if t.children[path] == nil {
		t.children[path] = map[string]struct{}{}
	}
}

// snapshotAll is used by FSM.Snapshot; it copies node state without
// retaining references into the live tree.
func (t *Tree) snapshotAll() []persistedNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]persistedNode, 0, len(t.nodes))
	for p, n := range t.nodes {
		if p == "/" {
			continue
		}
		out = append(out, persistedNode{Path: p, Data: n.data, Ephemeral: n.ephemeral, Owner: n.owner})
	}
	return out
}

type persistedNode struct {
	Path      string `json:"path"`
	Data      []byte `json:"data,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Owner     string `json:"owner,omitempty"`
}
