// Package registry implements the Patchboard component registry:
// named, stateful units with an inbox/outbox and an activation
// callable, owned by id under a registry-as-owner design (routes name
// components by id; the registry resolves ids to live components at
// bind time, and the resolved pointer is stored in the route's
// endpoint spec).
package registry

import (
	"fmt"

	"github.com/nugget/patchboard/internal/message"
)

// Activation is invoked once per activation of a component with the
// current activation context available through ctx. msg is nil when
// an AlwaysActive component has an empty inbox.
type Activation func(ctx *ActivationContext)

// ActivationContext carries the currently-activating component and
// message as an explicit value passed to the activation callable,
// instead of implicit global state.
type ActivationContext struct {
	Component *Component
	Msg       *message.Message
}

// Emit appends a message to the currently activating component's
// outbox. It is only ever valid from within an Activation — there is
// no other way to reach an outbox, so the "only valid inside an
// activation" rule is structural rather than checked at runtime.
func (ctx *ActivationContext) Emit(channel string, signal any) {
	ctx.Component.Outbox = append(ctx.Component.Outbox, message.New(channel, signal))
}

// Component is a named, stateful in-memory unit.
type Component struct {
	ID           string
	Inbox        []message.Message
	Outbox       []message.Message
	Activate     Activation
	State        map[string]any
	Channels     []string // reflective, informational only
	AlwaysActive bool
	AdapterKind  string // "", "list", "queue", or "filetalk"
}

// NewComponent creates a component with the given id and activation
// callable. State starts as an empty, ready-to-use map.
func NewComponent(id string, activate Activation) *Component {
	return &Component{
		ID:       id,
		Activate: activate,
		State:    make(map[string]any),
	}
}

// Registry holds components in stable insertion order — the order
// Phase 2 (internal/intraflow) activates them in.
type Registry struct {
	order []string
	byID  map[string]*Component
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Component)}
}

// Register adds a component. Registering an id that already exists
// replaces it in place, preserving its position in activation order
// (re-registration is how a component is "re-bound" after a restart
// per note on re-validating resolution after
// re-registration).
func (r *Registry) Register(c *Component) {
	if c.ID == "" {
		panic("registry: component id must not be empty")
	}
	if _, exists := r.byID[c.ID]; !exists {
		r.order = append(r.order, c.ID)
	}
	r.byID[c.ID] = c
}

// Unregister removes a component by id. It does not touch any routing
// table: callers that maintain one remove the routes referencing the
// component with routetable.Table.RemoveRoutesForComponent.
// Registry itself knows nothing about routes.
func (r *Registry) Unregister(id string) {
	if _, exists := r.byID[id]; !exists {
		return
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a component by id.
func (r *Registry) Get(id string) (*Component, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// MustGet looks up a component by id, returning an error instead of a
// bool for call sites that want to propagate EndpointNotBound-style
// failures.
func (r *Registry) MustGet(id string) (*Component, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown component %q", id)
	}
	return c, nil
}

// Ordered returns components in stable insertion order.
func (r *Registry) Ordered() []*Component {
	out := make([]*Component, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IsQuiescent reports whether every registered component's inbox and
// outbox are empty.
func (r *Registry) IsQuiescent() bool {
	for _, c := range r.byID {
		if len(c.Inbox) > 0 || len(c.Outbox) > 0 {
			return false
		}
	}
	return true
}
