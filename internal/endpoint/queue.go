package endpoint

import (
	"fmt"
	"sync"

	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
)

// Queue is a thread-safe FIFO queue used as a mailbox.
// Unlike List, a Queue's contents are never read directly by callers —
// only drained/delivered through the behavior contract — so it is safe
// for producers on other goroutines to deliver into it concurrently
// with a cycle.
type Queue struct {
	mu    sync.Mutex
	items []message.Message
}

// NewQueue creates an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Push appends a message, for use by external producers outside the
// fabric (the fabric itself only ever calls Deliver).
func (q *Queue) Push(m message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
}

func (q *Queue) drainAll() []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

type queueBehavior struct{}

func (queueBehavior) RequiresRef() bool { return false }

func (queueBehavior) ResolveRef(_ *registry.Registry, spec *Spec) error {
	if _, ok := spec.Ref.(*Queue); !ok {
		return fmt.Errorf("%w: queue endpoint has no bound *Queue", ErrEndpointNotBound)
	}
	return nil
}

func (queueBehavior) IsPersistable(spec *Spec) bool { return false }

func (queueBehavior) DrainMessages(spec *Spec) ([]message.Message, error) {
	q, ok := spec.Ref.(*Queue)
	if !ok || q == nil {
		return nil, fmt.Errorf("%w: queue endpoint has no bound *Queue", ErrEndpointNotBound)
	}
	return q.drainAll(), nil
}

func (queueBehavior) Deliver(spec *Spec, msg message.Message) error {
	q, ok := spec.Ref.(*Queue)
	if !ok || q == nil {
		return fmt.Errorf("%w: queue endpoint has no bound *Queue", ErrEndpointNotBound)
	}
	q.Push(msg)
	return nil
}
