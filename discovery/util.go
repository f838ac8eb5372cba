package discovery

import "github.com/muradazp/warren-jocko-pubsub/internal/protocol"

// dedupByName mirrors format_pubs' behavior: first occurrence by name wins,
// later duplicates are dropped, original order preserved.
func dedupByName(ids []protocol.Identity) []protocol.Identity {
	seen := map[string]struct{}{}
	out := make([]protocol.Identity, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id.Name]; ok {
			continue
		}
		seen[id.Name] = struct{}{}
		out = append(out, id)
	}
	return out
}

// removeByName drops every entry with the given name, mirroring
// del_from_arr's lookup-by-id.name semantics.
func removeByName(ids []protocol.Identity, name string) []protocol.Identity {
	kept := ids[:0]
	for _, id := range ids {
		if id.Name != name {
			kept = append(kept, id)
		}
	}
	return kept
}
