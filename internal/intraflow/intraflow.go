// Package intraflow implements the Patchboard two-phase cycle engine:
// route_everything then activate_one_turn_per_component, repeated for
// run/run_cycle/is_quiescent.
package intraflow

import (
	"github.com/nugget/patchboard/internal/endpoint"
	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
	"github.com/nugget/patchboard/internal/routetable"
)

// Engine ties a component registry to a routing table and drives the
// two-phase cycle over them.
type Engine struct {
	Registry *registry.Registry
	Routes   *routetable.Table
}

// New creates an engine over reg and routes.
func New(reg *registry.Registry, routes *routetable.Table) *Engine {
	return &Engine{Registry: reg, Routes: routes}
}

// RouteEverything is Phase 1: for each unique source
// endpoint identity, drain all pending messages and fan each one out
// to every matching destination, rewriting the channel. Messages with
// no matching route are silently dropped.
func (e *Engine) RouteEverything() error {
	for _, src := range e.Routes.Sources() {
		behavior, err := endpoint.For(src.Kind)
		if err != nil {
			return err
		}
		msgs, err := behavior.DrainMessages(src)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			fanout := e.Routes.Fanout(src, msg.Channel)
			for _, route := range fanout {
				destBehavior, err := endpoint.For(route.Dest.Kind)
				if err != nil {
					return err
				}
				rewritten := msg.Rewritten(route.DestChannel)
				if err := destBehavior.Deliver(route.Dest, rewritten); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ActivateOneTurnPerComponent is Phase 2: iterate
// components in stable insertion order, activating each at most once.
func (e *Engine) ActivateOneTurnPerComponent() {
	for _, c := range e.Registry.Ordered() {
		if c.Activate == nil {
			continue
		}

		var msg *message.Message
		if len(c.Inbox) > 0 {
			next := c.Inbox[0]
			c.Inbox = c.Inbox[1:]
			msg = &next
		} else if !c.AlwaysActive {
			continue
		}

		ctx := &registry.ActivationContext{Component: c, Msg: msg}
		c.Activate(ctx)
	}
}

// RunCycle runs Phase 1 then Phase 2 exactly once.
func (e *Engine) RunCycle() error {
	if err := e.RouteEverything(); err != nil {
		return err
	}
	e.ActivateOneTurnPerComponent()
	return nil
}

// IsQuiescent reports whether every registered component's inbox and
// outbox are both empty.
func (e *Engine) IsQuiescent() bool {
	return e.Registry.IsQuiescent()
}

// Run executes n cycles if n > 0; if n == 0 it runs at least one cycle
// and then continues until IsQuiescent.
func (e *Engine) Run(n int) error {
	if n > 0 {
		for i := 0; i < n; i++ {
			if err := e.RunCycle(); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := e.RunCycle(); err != nil {
			return err
		}
		if e.IsQuiescent() {
			return nil
		}
	}
}
