// Package endpoint implements the Patchboard endpoint-spec variants and
// their behavior contracts. Each Kind has exactly one Behavior
// implementation, selected by a dispatch table rather than a
// dict-of-lambdas, following an interface/trait-per-variant pattern.
package endpoint

import (
	"fmt"

	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
)

// Kind tags which endpoint variant a Spec holds.
type Kind int

const (
	// KindComponentID addresses a named, registry-owned component.
	// Requires binding: ResolveRef looks the id up in the registry.
	KindComponentID Kind = iota
	// KindComponentRef addresses an already-bound, anonymous component
	//.
	KindComponentRef
	// KindFiletalk addresses a filesystem directory mailbox.
	KindFiletalk
	// KindList addresses a user-provided ordered sequence.
	KindList
	// KindQueue addresses a user-provided thread-safe FIFO queue.
	KindQueue
)

func (k Kind) String() string {
	switch k {
	case KindComponentID:
		return "component-id"
	case KindComponentRef:
		return "component-ref"
	case KindFiletalk:
		return "filetalk"
	case KindList:
		return "list"
	case KindQueue:
		return "queue"
	default:
		return fmt.Sprintf("unknown-kind(%d)", int(k))
	}
}

// Spec is one side of a route: a tagged, possibly ref-resolved,
// endpoint address. Two Specs describe "the same logical
// endpoint" when Kind, ID (for nameable kinds), and Ref (for anonymous
// kinds) all agree — see Same.
type Spec struct {
	Kind Kind
	ID   string // component id (KindComponentID) or directory path (KindFiletalk)
	Ref  any    // *registry.Component, *List, or *Queue once resolved
}

// Component builds a Spec addressing a named component by id. The
// component need not be registered yet; ResolveRef performs the lookup
// at bind time.
func Component(id string) Spec { return Spec{Kind: KindComponentID, ID: id} }

// ComponentRef builds a Spec addressing an already-live, anonymous
// component. Never persistable.
func ComponentRef(c *registry.Component) Spec { return Spec{Kind: KindComponentRef, Ref: c} }

// Filetalk builds a Spec addressing a filesystem directory mailbox.
func Filetalk(path string) Spec { return Spec{Kind: KindFiletalk, ID: path} }

// ListRef builds a Spec addressing a user-provided ordered sequence.
func ListRef(l *List) Spec { return Spec{Kind: KindList, Ref: l} }

// QueueRef builds a Spec addressing a user-provided thread-safe queue.
func QueueRef(q *Queue) Spec { return Spec{Kind: KindQueue, Ref: q} }

// Same reports whether two specs name the same logical endpoint, used
// by the routing table to reuse spec identity across routes sharing a
// source and by RemoveRoute's identity match
//.
func (s Spec) Same(other Spec) bool {
	if s.Kind != other.Kind {
		return false
	}
	switch s.Kind {
	case KindComponentID, KindFiletalk:
		return s.ID == other.ID
	case KindComponentRef, KindList, KindQueue:
		return s.Ref == other.Ref
	default:
		return false
	}
}

// Name returns the stable name of a nameable endpoint (component id or
// filetalk path), and whether it has one. Used for canonical route
// ordering and persistence checks.
func (s Spec) Name() (string, bool) {
	switch s.Kind {
	case KindComponentID, KindFiletalk:
		return s.ID, true
	default:
		return "", false
	}
}

// Behavior is the per-variant endpoint contract.
type Behavior interface {
	RequiresRef() bool
	ResolveRef(reg *registry.Registry, spec *Spec) error
	IsPersistable(spec *Spec) bool
	DrainMessages(spec *Spec) ([]message.Message, error)
	Deliver(spec *Spec, msg message.Message) error
}

var table = map[Kind]Behavior{
	KindComponentID:  componentIDBehavior{},
	KindComponentRef: componentRefBehavior{},
	KindFiletalk:     filetalkBehavior{},
	KindList:         listBehavior{},
	KindQueue:        queueBehavior{},
}

// ErrUnknownEndpointType is returned by For when a Kind has no behavior
// registered — should not happen for any Kind constant defined above,
// but guards against a zero-value Spec slipping through unchecked.
var ErrUnknownEndpointType = fmt.Errorf("endpoint: unknown endpoint type")

// For looks up the behavior contract for a kind.
func For(k Kind) (Behavior, error) {
	b, ok := table[k]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEndpointType, k)
	}
	return b, nil
}

// ErrEndpointNotBound is returned when ResolveRef cannot find the named
// runtime object.
var ErrEndpointNotBound = fmt.Errorf("endpoint: not bound")

// ErrNotPersistable is returned when a route is marked persistent but
// an endpoint lacks a stable name.
var ErrNotPersistable = fmt.Errorf("endpoint: not persistable")
