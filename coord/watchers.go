package coord

import (
	"sync"

	"github.com/muradazp/warren-jocko-pubsub/internal/protocol"
)

// watcherRegistry tracks which connected sessions on this coordd replica
// care about which paths. Unlike the tree itself this is server-local, not
// raft-replicated: a watch is a property of a live socket and is dropped
// when that socket's session ends (removeSession). Client does not
// reconnect, so its watches end with its connection.
type watcherRegistry struct {
	mu       sync.Mutex
	children map[string]map[string]*session
	data     map[string]map[string]*session
}

func newWatcherRegistry() *watcherRegistry {
	return &watcherRegistry{
		children: map[string]map[string]*session{},
		data:     map[string]map[string]*session{},
	}
}

func (w *watcherRegistry) addChildWatch(path string, sess *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.children[path] == nil {
		w.children[path] = map[string]*session{}
	}
	w.children[path][sess.id] = sess
}

func (w *watcherRegistry) addDataWatch(path string, sess *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.data[path] == nil {
		w.data[path] = map[string]*session{}
	}
	w.data[path][sess.id] = sess
}

func (w *watcherRegistry) removeSession(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, set := range w.children {
		delete(set, id)
	}
	for _, set := range w.data {
		delete(set, id)
	}
}

func (w *watcherRegistry) snapshotSessions(set map[string]*session) []*session {
	out := make([]*session, 0, len(set))
	for _, sess := range set {
		out = append(out, sess)
	}
	return out
}

func (w *watcherRegistry) notifyChildren(path string, children []string) {
	w.mu.Lock()
	sessions := w.snapshotSessions(w.children[path])
	w.mu.Unlock()
	for _, sess := range sessions {
		pushEvent(sess, response{Op: opChildrenEvent, Path: path, Children: children, OK: true})
	}
}

func (w *watcherRegistry) notifyData(path string, data []byte, gone bool) {
	w.mu.Lock()
	sessions := w.snapshotSessions(w.data[path])
	w.mu.Unlock()
	for _, sess := range sessions {
		pushEvent(sess, response{Op: opDataEvent, Path: path, Data: data, Gone: gone, OK: true})
	}
}

// pushEvent is best-effort: a dead connection surfaces through its own
// read loop closing and unregistering the session, not through this write.
func pushEvent(sess *session, resp response) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = protocol.WriteFrame(sess.conn, resp)
}
