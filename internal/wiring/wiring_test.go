package wiring

import (
	"testing"

	"github.com/nugget/patchboard/internal/registry"
	"github.com/nugget/patchboard/internal/routetable"
)

func TestCommitLinksStagesMultipleChannelsIntoOneCommit(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.NewComponent("a", nil))
	reg.Register(registry.NewComponent("b", nil))

	tbl := routetable.New(reg)
	b := New(tbl)
	b.AddressSource(ComponentID("a")).AddressDest(ComponentID("b"))
	if err := b.LinkChannels("out1", "in1"); err != nil {
		t.Fatalf("LinkChannels: %v", err)
	}
	if err := b.LinkChannels("out2", "in2"); err != nil {
		t.Fatalf("LinkChannels: %v", err)
	}

	routes, err := b.CommitLinks()
	if err != nil {
		t.Fatalf("CommitLinks: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("CommitLinks returned %d routes, want 2", len(routes))
	}
	if tbl.Len() != 2 {
		t.Errorf("table Len() = %d, want 2", tbl.Len())
	}
}

func TestCommitLinksFailsWithNoLinksStaged(t *testing.T) {
	reg := registry.New()
	tbl := routetable.New(reg)
	b := New(tbl)
	b.AddressSource(ComponentID("a")).AddressDest(ComponentID("b"))
	if _, err := b.CommitLinks(); err == nil {
		t.Fatal("expected CommitLinks to fail with nothing staged")
	}
}

func TestLinkChannelsFailsWithoutDestination(t *testing.T) {
	reg := registry.New()
	tbl := routetable.New(reg)
	b := New(tbl)
	b.AddressSource(ComponentID("a"))
	if err := b.LinkChannels("out", "in"); err == nil {
		t.Fatal("expected LinkChannels to fail without a destination addressed")
	}
}

func TestAddressSourceResetsPersistAndLinkBuffer(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.NewComponent("a", nil))
	reg.Register(registry.NewComponent("b", nil))
	reg.Register(registry.NewComponent("c", nil))

	tbl := routetable.New(reg)
	b := New(tbl)
	b.AddressSource(ComponentID("a")).AddressDest(ComponentID("b")).PersistLinks()
	b.LinkChannels("out", "in")

	// Re-addressing the source must drop the staged link and persist flag.
	b.AddressSource(ComponentID("a")).AddressDest(ComponentID("c"))
	if _, err := b.CommitLinks(); err == nil {
		t.Fatal("expected CommitLinks to fail: AddressSource should have cleared the staged link")
	}

	if err := b.LinkChannels("out2", "in2"); err != nil {
		t.Fatalf("LinkChannels: %v", err)
	}
	routes, err := b.CommitLinks()
	if err != nil {
		t.Fatalf("CommitLinks: %v", err)
	}
	if routes[0].Persistent {
		t.Error("expected persist flag cleared by AddressSource, route should not be persistent")
	}
}

func TestCommitLinksPreservesAddressingAcrossCommits(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.NewComponent("a", nil))
	reg.Register(registry.NewComponent("b", nil))

	tbl := routetable.New(reg)
	b := New(tbl)
	b.AddressSource(ComponentID("a")).AddressDest(ComponentID("b"))
	b.LinkChannels("out1", "in1")
	if _, err := b.CommitLinks(); err != nil {
		t.Fatalf("first CommitLinks: %v", err)
	}

	// Addressing is preserved, so a second link/commit cycle needs no
	// re-addressing.
	b.LinkChannels("out2", "in2")
	if _, err := b.CommitLinks(); err != nil {
		t.Fatalf("second CommitLinks: %v", err)
	}
	if tbl.Len() != 2 {
		t.Errorf("table Len() = %d, want 2", tbl.Len())
	}
}

func TestAddressComponentsConvenience(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.NewComponent("a", nil))
	reg.Register(registry.NewComponent("b", nil))

	tbl := routetable.New(reg)
	b := New(tbl)
	b.AddressComponents(ComponentID("a"), ComponentID("b"))
	if err := b.LinkChannels("out", "in"); err != nil {
		t.Fatalf("LinkChannels: %v", err)
	}
	if _, err := b.CommitLinks(); err != nil {
		t.Fatalf("CommitLinks: %v", err)
	}
}
