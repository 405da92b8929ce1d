package endpoint

import (
	"fmt"

	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
)

// List is a mutable ordered sequence used as a mailbox:
// index 0 is oldest. Unlike Queue, a List is meant to be read directly
// by test and demo code (asserting its contents as a plain slice), so
// it carries no internal locking — callers that share a List across
// goroutines must synchronize themselves.
type List struct {
	Items []message.Message
}

// NewList creates an empty list.
func NewList() *List { return &List{} }

type listBehavior struct{}

func (listBehavior) RequiresRef() bool { return false }

func (listBehavior) ResolveRef(_ *registry.Registry, spec *Spec) error {
	if _, ok := spec.Ref.(*List); !ok {
		return fmt.Errorf("%w: list endpoint has no bound *List", ErrEndpointNotBound)
	}
	return nil
}

func (listBehavior) IsPersistable(spec *Spec) bool { return false }

func (listBehavior) DrainMessages(spec *Spec) ([]message.Message, error) {
	l, ok := spec.Ref.(*List)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: list endpoint has no bound *List", ErrEndpointNotBound)
	}
	out := l.Items
	l.Items = nil
	return out, nil
}

func (listBehavior) Deliver(spec *Spec, msg message.Message) error {
	l, ok := spec.Ref.(*List)
	if !ok || l == nil {
		return fmt.Errorf("%w: list endpoint has no bound *List", ErrEndpointNotBound)
	}
	l.Items = append(l.Items, msg)
	return nil
}
