package coord

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
)

type cmdOp string

const (
	cmdEnsurePath    cmdOp = "ensure_path"
	cmdCreate        cmdOp = "create"
	cmdDelete        cmdOp = "delete"
	cmdExpireSession cmdOp = "expire_session"
)

type command struct {
	Op        cmdOp  `json:"op"`
	Path      string `json:"path,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// mutationHook is invoked with a path whose data or presence just changed,
// once per affected path, so the Server can recompute children/data for
// any sessions watching it.
type mutationHook func(path string)

// FSM is the raft.FSM backing the namespace tree: every replica applies the
// same ordered command log and converges on the same Tree, the same role
// raft plays for jocko's broker metadata.
type FSM struct {
	tree   *Tree
	onPath mutationHook
}

func newFSM(onPath mutationHook) *FSM {
	return &FSM{tree: NewTree(), onPath: onPath}
}

func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	switch cmd.Op {
	case cmdEnsurePath:
		f.tree.EnsurePath(cmd.Path)
	case cmdCreate:
		if err := f.tree.Create(cmd.Path, cmd.Data, cmd.Ephemeral, cmd.Owner); err != nil {
			return err
		}
		f.notify(cmd.Path)
	case cmdDelete:
		if err := f.tree.Delete(cmd.Path); err != nil {
			return err
		}
		f.notify(cmd.Path)
	case cmdExpireSession:
		for _, p := range f.tree.OwnedBy(cmd.Owner) {
			f.tree.Delete(p)
			f.notify(p)
		}
	}
	return nil
}

func (f *FSM) notify(path string) {
	if f.onPath == nil {
		return
	}
	f.onPath(path)
	parent, _ := splitParent(path)
	f.onPath(parent)
}

type fsmSnapshot struct {
	nodes []persistedNode
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{nodes: f.tree.snapshotAll()}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s.nodes); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var in []persistedNode
	if err := json.NewDecoder(rc).Decode(&in); err != nil {
		return err
	}
	t := NewTree()
	for _, n := range in {
		t.restoreSet(n.Path, n.Data, n.Ephemeral, n.Owner)
	}
	f.tree = t
	return nil
}
