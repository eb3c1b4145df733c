package pool

import "testing"

type thing struct {
	n     int
	dirty bool
}

func newThingPool(capacity int) *Pool[*thing] {
	return New(capacity, func() *thing { return &thing{} }, func(t *thing) { t.dirty = false })
}

func TestGetPutReuse(t *testing.T) {
	p := newThingPool(2)

	a := p.Get()
	a.n = 42
	a.dirty = true
	p.Put(a)

	b := p.Get()
	if b != a {
		t.Errorf("expected pooled item back, got a fresh one")
	}
	if b.dirty {
		t.Errorf("reset function did not run on return")
	}
}

func TestMissFallsBackToAllocation(t *testing.T) {
	p := newThingPool(2)

	a := p.Get()
	b := p.Get()
	c := p.Get()
	if a == nil || b == nil || c == nil {
		t.Fatalf("exhausted pool must still allocate")
	}

	s := p.Stats()
	if s.Borrows != 3 || s.Misses != 3 {
		t.Errorf("stats = %+v, want 3 borrows, 3 misses", s)
	}
	if s.Peak != 3 || s.InUse != 3 {
		t.Errorf("stats = %+v, want peak 3, inUse 3", s)
	}
}

func TestCapacityBound(t *testing.T) {
	p := newThingPool(2)

	items := []*thing{p.Get(), p.Get(), p.Get()}
	for _, it := range items {
		p.Put(it)
	}

	s := p.Stats()
	if s.Free != 2 {
		t.Errorf("free = %d, want free list bounded at capacity 2", s.Free)
	}
	if s.Returns != 2 {
		t.Errorf("returns = %d, want 2 (third Put dropped)", s.Returns)
	}
	if s.InUse != 0 {
		t.Errorf("inUse = %d, want 0 after all returns", s.InUse)
	}
}

func TestDefaultCapacity(t *testing.T) {
	p := newThingPool(0)

	var items []*thing
	for i := 0; i < DefaultCapacity+5; i++ {
		items = append(items, p.Get())
	}
	for _, it := range items {
		p.Put(it)
	}
	if s := p.Stats(); s.Free != DefaultCapacity {
		t.Errorf("free = %d, want %d", s.Free, DefaultCapacity)
	}
}
