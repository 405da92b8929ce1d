package endpoint

import (
	"fmt"

	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
)

// componentIDBehavior addresses a component by name; it must resolve
// against a registry before use.
type componentIDBehavior struct{}

func (componentIDBehavior) RequiresRef() bool { return true }

func (componentIDBehavior) ResolveRef(reg *registry.Registry, spec *Spec) error {
	c, ok := reg.Get(spec.ID)
	if !ok {
		return fmt.Errorf("%w: component %q is not registered", ErrEndpointNotBound, spec.ID)
	}
	spec.Ref = c
	return nil
}

func (componentIDBehavior) IsPersistable(spec *Spec) bool { return spec.ID != "" }

func (componentIDBehavior) DrainMessages(spec *Spec) ([]message.Message, error) {
	return drainComponent(spec)
}

func (componentIDBehavior) Deliver(spec *Spec, msg message.Message) error {
	return deliverComponent(spec, msg)
}

// componentRefBehavior addresses an already-bound, anonymous component.
// It never needs resolution and is never persistable.
type componentRefBehavior struct{}

func (componentRefBehavior) RequiresRef() bool { return false }

func (componentRefBehavior) ResolveRef(reg *registry.Registry, spec *Spec) error {
	if spec.Ref == nil {
		return fmt.Errorf("%w: component ref endpoint has no ref", ErrEndpointNotBound)
	}
	return nil
}

func (componentRefBehavior) IsPersistable(spec *Spec) bool { return false }

func (componentRefBehavior) DrainMessages(spec *Spec) ([]message.Message, error) {
	return drainComponent(spec)
}

func (componentRefBehavior) Deliver(spec *Spec, msg message.Message) error {
	return deliverComponent(spec, msg)
}

func drainComponent(spec *Spec) ([]message.Message, error) {
	c, ok := spec.Ref.(*registry.Component)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: component endpoint has no bound component", ErrEndpointNotBound)
	}
	out := c.Outbox
	c.Outbox = nil
	return out, nil
}

func deliverComponent(spec *Spec, msg message.Message) error {
	c, ok := spec.Ref.(*registry.Component)
	if !ok || c == nil {
		return fmt.Errorf("%w: component endpoint has no bound component", ErrEndpointNotBound)
	}
	c.Inbox = append(c.Inbox, msg)
	return nil
}
