// Package registry tracks which connections belong to which room group and
// fans events out to them.
package registry

import (
	"sort"
	"sync"
)

// Event is one fan-out unit. Frame is the encoded outbound frame; Actor and
// Target let receivers filter events that are not meant for them. ID names
// the persisted record behind the event, when there is one.
type Event struct {
	Type   string
	ID     string
	Actor  string
	Target string
	Frame  []byte
}

// Member is a registered connection handle. Deliver must not block: it
// either queues the event or drops it and reports false.
type Member interface {
	Deliver(Event) bool
}

type group struct {
	mu      sync.Mutex
	members map[string]Member
	dead    bool
}

type membership struct {
	key      string
	memberID string
}

// Registry maps group keys to member sets. Mutations are serialized per key;
// the top-level lock only guards the key map and the handle index.
type Registry struct {
	mu       sync.Mutex
	groups   map[string]*group
	byHandle map[Member]membership
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		groups:   make(map[string]*group),
		byHandle: make(map[Member]membership),
	}
}

func (r *Registry) lookup(key string, create bool) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[key]
	if g == nil && create {
		g = &group{members: make(map[string]Member)}
		r.groups[key] = g
	}
	return g
}

// Join adds or replaces memberID in the group key, creating the group if
// needed. It returns the member previously registered under memberID when a
// different handle was displaced, otherwise nil.
func (r *Registry) Join(key, memberID string, m Member) Member {
	for {
		g := r.lookup(key, true)
		g.mu.Lock()
		if g.dead {
			// Lost a race with the last Leave; retry on a fresh group.
			g.mu.Unlock()
			r.mu.Lock()
			if r.groups[key] == g {
				delete(r.groups, key)
			}
			r.mu.Unlock()
			continue
		}
		prev, replaced := g.members[memberID]
		g.members[memberID] = m
		g.mu.Unlock()

		r.mu.Lock()
		if replaced && prev != m {
			if at, ok := r.byHandle[prev]; ok && at == (membership{key, memberID}) {
				delete(r.byHandle, prev)
			}
		}
		r.byHandle[m] = membership{key: key, memberID: memberID}
		r.mu.Unlock()
		if replaced && prev != m {
			return prev
		}
		return nil
	}
}

// Leave removes memberID from key and drops the group when it becomes empty.
// It reports whether the member was present.
func (r *Registry) Leave(key, memberID string) bool {
	g := r.lookup(key, false)
	if g == nil {
		return false
	}
	g.mu.Lock()
	m, ok := g.members[memberID]
	delete(g.members, memberID)
	empty := len(g.members) == 0
	if empty {
		g.dead = true
	}
	g.mu.Unlock()

	r.mu.Lock()
	if empty && r.groups[key] == g {
		delete(r.groups, key)
	}
	if ok {
		if at, found := r.byHandle[m]; found && at == (membership{key, memberID}) {
			delete(r.byHandle, m)
		}
	}
	r.mu.Unlock()
	return ok
}

// Members returns the sorted member ids of key, omitting exclude.
func (r *Registry) Members(key string, exclude Member) []string {
	g := r.lookup(key, false)
	if g == nil {
		return []string{}
	}
	g.mu.Lock()
	ids := make([]string, 0, len(g.members))
	for id, m := range g.members {
		if exclude != nil && m == exclude {
			continue
		}
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// FindByHandle returns the group key and member id m was registered under.
func (r *Registry) FindByHandle(m Member) (key, memberID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.byHandle[m]
	return at.key, at.memberID, ok
}

// Broadcast delivers ev to every member of key except exclude and returns the
// number of members that accepted it. Membership is snapshotted under the
// group lock; delivery happens outside it.
func (r *Registry) Broadcast(key string, ev Event, exclude Member) int {
	g := r.lookup(key, false)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	targets := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		if exclude != nil && m == exclude {
			continue
		}
		targets = append(targets, m)
	}
	g.mu.Unlock()

	delivered := 0
	for _, m := range targets {
		if m.Deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// SendTo delivers ev to exactly one member. Absent members are a no-op.
func (r *Registry) SendTo(key, memberID string, ev Event) bool {
	g := r.lookup(key, false)
	if g == nil {
		return false
	}
	g.mu.Lock()
	m, ok := g.members[memberID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return m.Deliver(ev)
}

// Size returns the number of members in key.
func (r *Registry) Size(key string) int {
	g := r.lookup(key, false)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Len returns the number of live group keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
