// Package wiring implements the Patchboard wiring DSL: a small staged
// builder for addressing a source and destination endpoint,
// accumulating channel links, and committing them as routes in one
// atomic step.
package wiring

import (
	"fmt"

	"github.com/nugget/patchboard/internal/endpoint"
	"github.com/nugget/patchboard/internal/registry"
	"github.com/nugget/patchboard/internal/routetable"
)

// Address names an endpoint to address with the DSL. Each endpoint
// variant gets its own constructor so the call site is unambiguous
// about which kind of endpoint it means, rather than sniffing a bare
// string/ref/tuple at runtime.
type Address interface {
	spec() endpoint.Spec
}

type addr struct{ s endpoint.Spec }

func (a addr) spec() endpoint.Spec { return a.s }

// ComponentID addresses a named, registry-owned component.
func ComponentID(id string) Address { return addr{endpoint.Component(id)} }

// ComponentRef addresses an already-live, anonymous component.
func ComponentRef(c *registry.Component) Address { return addr{endpoint.ComponentRef(c)} }

// Filetalk addresses a filesystem directory mailbox.
func Filetalk(path string) Address { return addr{endpoint.Filetalk(path)} }

// ListAddr addresses a user-provided ordered sequence.
func ListAddr(l *endpoint.List) Address { return addr{endpoint.ListRef(l)} }

// QueueAddr addresses a user-provided thread-safe queue.
func QueueAddr(q *endpoint.Queue) Address { return addr{endpoint.QueueRef(q)} }

type link struct {
	srcChannel  string
	destChannel string
}

// Builder is the staged wiring DSL. The zero value is
// not usable; construct with New.
type Builder struct {
	table   *routetable.Table
	src     Address
	dest    Address
	links   []link
	persist bool
}

// New creates a wiring builder that commits routes into table.
func New(table *routetable.Table) *Builder {
	return &Builder{table: table}
}

// AddressSource sets the source endpoint. It resets the persist flag
// and the staged channel-link buffer — addressing a new
// source starts a fresh wiring session.
func (b *Builder) AddressSource(a Address) *Builder {
	b.src = a
	b.persist = false
	b.links = nil
	return b
}

// AddressDest sets the destination endpoint. Unlike AddressSource this
// does not reset staged links, so a source can be re-aimed at several
// destinations across successive AddressDest/LinkChannels pairs before
// a single CommitLinks.
func (b *Builder) AddressDest(a Address) *Builder {
	b.dest = a
	return b
}

// AddressComponents is a convenience for AddressSource(src).AddressDest(dest).
func (b *Builder) AddressComponents(src, dest Address) *Builder {
	return b.AddressSource(src).AddressDest(dest)
}

// PersistLinks marks every link staged from here until the next commit
// as persistent.
func (b *Builder) PersistLinks() *Builder {
	b.persist = true
	return b
}

// LinkChannels stages a channel link from the current source to the
// current destination. Fails if either address is unset.
func (b *Builder) LinkChannels(srcChannel, destChannel string) error {
	if b.src == nil {
		return fmt.Errorf("wiring: no source addressed")
	}
	if b.dest == nil {
		return fmt.Errorf("wiring: no destination addressed")
	}
	b.links = append(b.links, link{srcChannel: srcChannel, destChannel: destChannel})
	return nil
}

// CommitLinks constructs one route per staged link using the current
// persist flag, and calls AddRoute for each. Fails if no links are
// staged. On success (or failure) the link buffer and persist flag are
// cleared; the addressed source and destination are preserved so
// further LinkChannels/CommitLinks cycles can continue against them.
func (b *Builder) CommitLinks() ([]routetable.Route, error) {
	if len(b.links) == 0 {
		return nil, fmt.Errorf("wiring: no links staged")
	}

	links := b.links
	persist := b.persist
	b.links = nil
	b.persist = false

	srcSpec := b.src.spec()
	destSpec := b.dest.spec()

	routes := make([]routetable.Route, 0, len(links))
	for _, l := range links {
		r, err := b.table.AddRoute(srcSpec, l.srcChannel, destSpec, l.destChannel, persist)
		if err != nil {
			return routes, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}
