package mailbox

import (
	"errors"
	"testing"
)

func TestPool_AllocAndLookup(t *testing.T) {
	p := NewPool(0)

	a, err := p.Alloc(42)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, err := p.Alloc(96)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a.Phys() == b.Phys() {
		t.Fatal("allocations must not share an address")
	}

	lo, hi := SplitPhys(a.Phys())
	if hi == 0 {
		t.Error("expected a non-zero high address word")
	}
	if JoinPhys(lo, hi) != a.Phys() {
		t.Error("split/join must round trip")
	}

	a.Bytes()[3] = 7
	data, ok := p.Lookup(a.Phys())
	if !ok || len(data) != 42 || data[3] != 7 {
		t.Errorf("Lookup returned %v %v", ok, data)
	}

	inner, ok := p.Lookup(a.Phys() + 3)
	if !ok || inner[0] != 7 {
		t.Error("interior address should resolve to the buffer tail")
	}
}

func TestPool_FreeWipes(t *testing.T) {
	p := NewPool(0)
	b, _ := p.Alloc(16)
	b.Bytes()[0] = 0xFF
	p.Free(b)

	if b.Bytes()[0] != 0 {
		t.Error("Free must wipe the buffer")
	}
	if _, ok := p.Lookup(b.Phys()); ok {
		t.Error("freed buffer must not resolve")
	}
	p.Free(b) // double free is a no-op
	if p.GetStats().Used != 0 {
		t.Errorf("expected empty pool, got %+v", p.GetStats())
	}
}

func TestPool_Exhaustion(t *testing.T) {
	p := NewPool(100)
	if _, err := p.Alloc(64); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Alloc(64); !errors.Is(err, ErrNoMemory) {
		t.Errorf("expected ErrNoMemory, got %v", err)
	}
}

func TestPool_CmdPackFailureReleasesEverything(t *testing.T) {
	p := NewPool(OperationSize + LoginDataSize + TokenSize)
	if _, err := p.AllocCmdPack(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
	if p.GetStats().Buffers != 0 {
		t.Errorf("partial pack leaked: %+v", p.GetStats())
	}
}

func TestPool_SnapshotApply(t *testing.T) {
	p := NewPool(0)
	pack, err := p.AllocCmdPack()
	if err != nil {
		t.Fatal(err)
	}

	other, err := p.Alloc(TokenSize)
	if err != nil {
		t.Fatal(err)
	}

	regions := p.Snapshot(pack.Token.Phys() + 8)
	if len(regions) != 4 {
		t.Fatalf("expected the 4 pack regions, got %d", len(regions))
	}
	for _, r := range regions {
		if r.Phys == other.Phys() {
			t.Fatal("buffer outside the pack must not be copied")
		}
	}
	if got := p.Snapshot(other.Phys(), 1); len(got) != 1 || got[0].Phys != other.Phys() {
		t.Errorf("expected only the lone buffer, got %+v", got)
	}
	if got := p.Snapshot(); len(got) != 0 {
		t.Errorf("expected no regions without addresses, got %d", len(got))
	}

	view := NewView(regions)
	tok, ok := view.Lookup(pack.Token.Phys())
	if !ok || len(tok) != TokenSize {
		t.Fatalf("token region not visible through view")
	}
	tok[41] = 0xaa

	if err := p.Apply(view.Regions()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if pack.Token.Bytes()[41] != 0xaa {
		t.Error("Apply did not copy region contents back")
	}

	if err := p.Apply([]Region{{Phys: 1, Data: []byte{1}}}); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("expected ErrUnknownRegion, got %v", err)
	}
}
