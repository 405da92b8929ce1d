// Package routetable implements the Patchboard routing table:
// validated, canonically-ordered routes with fanout and persistence
// flags.
package routetable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/patchboard/internal/endpoint"
	"github.com/nugget/patchboard/internal/registry"
)

// Route is one entry in the table. Src and Dest are
// pointers so that every route sharing a logical source endpoint
// shares the identical *endpoint.Spec value — the "identity-shared"
// invariant requires so the planner can group by source
// identity (see Table.Sources).
type Route struct {
	Src        *endpoint.Spec
	SrcChannel string
	Dest       *endpoint.Spec
	DestChannel string
	SrcID      string
	DestID     string
	Persistent bool
}

// CanonicalKey renders the tuple declares as the canonical
// field order: (src_id, src_ref, src_channel, dest_id, dest_ref,
// dest_channel, persistent). It is used to sort routes for
// deterministic serialization (see Table.Sorted).
func (r Route) CanonicalKey() string {
	return fmt.Sprintf("%s\x00%p\x00%s\x00%s\x00%p\x00%s\x00%v",
		r.SrcID, r.Src.Ref, r.SrcChannel, r.DestID, r.Dest.Ref, r.DestChannel, r.Persistent)
}

// Table holds the live routing table plus the identity-sharing index
// that lets AddRoute reuse an existing Spec for a logical endpoint
// instead of allocating a fresh one every call.
type Table struct {
	mu       sync.Mutex
	routes   []Route
	byName   map[string]*endpoint.Spec // "<kind>:<name>" -> canonical spec
	sources  []*endpoint.Spec          // unique source specs, first-seen order
	seenSrc  map[*endpoint.Spec]bool
	registry *registry.Registry
}

// New creates an empty table bound to a component registry, used to
// resolve KindComponentID endpoints.
func New(reg *registry.Registry) *Table {
	return &Table{
		byName:  make(map[string]*endpoint.Spec),
		seenSrc: make(map[*endpoint.Spec]bool),
		registry: reg,
	}
}

func nameKey(s endpoint.Spec) (string, bool) {
	name, ok := s.Name()
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%d:%s", s.Kind, name), true
}

// reuse returns the canonical *endpoint.Spec for s, creating and
// registering one on first sight. Ref-based (anonymous) endpoints are
// matched by kind and Ref against the specs already in the table.
func (t *Table) reuse(s endpoint.Spec) *endpoint.Spec {
	if key, ok := nameKey(s); ok {
		if existing, found := t.byName[key]; found {
			return existing
		}
		canon := s
		t.byName[key] = &canon
		return &canon
	}
	if existing, found := t.lookup(s); found {
		return existing
	}
	canon := s
	return &canon
}

// lookup returns the existing canonical spec for s without creating
// one, or (nil, false) if no route has ever referenced it. Used by
// RemoveRoute, which must match existing identity rather than silently
// creating a new, never-matching entry.
func (t *Table) lookup(s endpoint.Spec) (*endpoint.Spec, bool) {
	if key, ok := nameKey(s); ok {
		existing, found := t.byName[key]
		return existing, found
	}
	if s.Ref == nil {
		return nil, false
	}
	for _, src := range t.sources {
		if src.Kind == s.Kind && src.Ref == s.Ref {
			return src, true
		}
	}
	for _, r := range t.routes {
		if r.Dest.Kind == s.Kind && r.Dest.Ref == s.Ref {
			return r.Dest, true
		}
	}
	return nil, false
}

// AddRoute validates and appends a route.
func (t *Table) AddRoute(src endpoint.Spec, srcChannel string, dest endpoint.Spec, destChannel string, persistent bool) (Route, error) {
	if srcChannel == "" || destChannel == "" {
		return Route{}, fmt.Errorf("routetable: src_channel and dest_channel must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	srcSpec := t.reuse(src)
	destSpec := t.reuse(dest)

	srcBehavior, err := endpoint.For(srcSpec.Kind)
	if err != nil {
		return Route{}, err
	}
	destBehavior, err := endpoint.For(destSpec.Kind)
	if err != nil {
		return Route{}, err
	}

	if srcBehavior.RequiresRef() && srcSpec.Ref == nil {
		if err := srcBehavior.ResolveRef(t.registry, srcSpec); err != nil {
			return Route{}, err
		}
	}
	if destBehavior.RequiresRef() && destSpec.Ref == nil {
		if err := destBehavior.ResolveRef(t.registry, destSpec); err != nil {
			return Route{}, err
		}
	}

	if persistent {
		if !srcBehavior.IsPersistable(srcSpec) || !destBehavior.IsPersistable(destSpec) {
			return Route{}, fmt.Errorf("%w: route from %v to %v cannot be persistent", endpoint.ErrNotPersistable, srcSpec, destSpec)
		}
	}

	srcID, _ := srcSpec.Name()
	destID, _ := destSpec.Name()

	route := Route{
		Src:         srcSpec,
		SrcChannel:  srcChannel,
		Dest:        destSpec,
		DestChannel: destChannel,
		SrcID:       srcID,
		DestID:      destID,
		Persistent:  persistent,
	}
	t.routes = append(t.routes, route)

	if !t.seenSrc[srcSpec] {
		t.seenSrc[srcSpec] = true
		t.sources = append(t.sources, srcSpec)
	}

	return route, nil
}

// RemoveRoute removes the first route matching by endpoint identity
//, not structural equality. Returns whether a route was
// removed.
func (t *Table) RemoveRoute(src endpoint.Spec, srcChannel string, dest endpoint.Spec, destChannel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	srcSpec, ok := t.lookup(src)
	if !ok {
		return false
	}
	destSpec, ok := t.lookup(dest)
	if !ok {
		return false
	}

	for i, r := range t.routes {
		if r.Src == srcSpec && r.SrcChannel == srcChannel && r.Dest == destSpec && r.DestChannel == destChannel {
			t.routes = append(t.routes[:i:i], t.routes[i+1:]...)
			return true
		}
	}
	return false
}

// ClearRoutes drops the whole table, including the identity-sharing
// index — a fresh AddRoute call after Clear allocates new canonical
// specs rather than reusing pre-clear ones.
func (t *Table) ClearRoutes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = nil
	t.byName = make(map[string]*endpoint.Spec)
	t.sources = nil
	t.seenSrc = make(map[*endpoint.Spec]bool)
}

// RemoveRoutesForComponent removes every route whose source or
// destination references the given component — by id (KindComponentID)
// or by ref (KindComponentRef) — implementing the cascading-delete
// lifecycle rule from ("unregistering also removes every
// route referencing that component").
func (t *Table) RemoveRoutesForComponent(c *registry.Component) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	references := func(s *endpoint.Spec) bool {
		switch s.Kind {
		case endpoint.KindComponentID:
			return s.ID == c.ID
		case endpoint.KindComponentRef:
			return s.Ref == c
		default:
			return false
		}
	}

	kept := t.routes[:0]
	removed := 0
	for _, r := range t.routes {
		if references(r.Src) || references(r.Dest) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.routes = kept
	return removed
}

// Sources returns the unique source specs referenced by the table, in
// first-added order — the grouping key set Phase 1 of the two-phase
// cycle iterates.
func (t *Table) Sources() []*endpoint.Spec {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*endpoint.Spec, len(t.sources))
	copy(out, t.sources)
	return out
}

// Destinations returns the unique destination specs referenced by the
// table, in first-added order — used by the router's destination-folder
// watch to derive the set of folders worth probing.
func (t *Table) Destinations() []*endpoint.Spec {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*endpoint.Spec]bool)
	var out []*endpoint.Spec
	for _, r := range t.routes {
		if !seen[r.Dest] {
			seen[r.Dest] = true
			out = append(out, r.Dest)
		}
	}
	return out
}

// Fanout returns every route whose source is src and whose
// SrcChannel equals channel or the wildcard "*" (the router's
// channel-matching rule, — harmless superset behavior for
// IntraFlow, which never creates "*"-channel routes).
func (t *Table) Fanout(src *endpoint.Spec, channel string) []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Route
	for _, r := range t.routes {
		if r.Src == src && (r.SrcChannel == channel || r.SrcChannel == "*") {
			out = append(out, r)
		}
	}
	return out
}

// All returns every route currently in the table, in insertion order.
func (t *Table) All() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Sorted returns every route ordered by CanonicalKey, used wherever routes must serialize
// deterministically (routes.json, tests).
func (t *Table) Sorted() []Route {
	out := t.All()
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalKey() < out[j].CanonicalKey() })
	return out
}

// Len reports how many routes the table currently holds.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}
