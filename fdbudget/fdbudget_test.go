package fdbudget

import (
	"errors"
	"testing"
)

type fakeProbe struct {
	size, open int
	err        error
}

func (p *fakeProbe) TableSize() (int, error) { return p.size, p.err }
func (p *fakeProbe) OpenCount() (int, error) { return p.open, p.err }

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func TestCompute(t *testing.T) {
	test := func(size, open, exp int) {
		t.Helper()
		b := New(&fakeProbe{size: size, open: open})
		max, err := b.Compute()
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		tcompare(t, max, exp)
		tcompare(t, b.Max, exp)
	}

	test(1024, 24, 495)
	test(256, 10, 118)
	test(22, 10, 1)
	test(20, 10, 0) // (10/2)-5
	test(16, 10, 0) // Negative is clamped.
	test(10, 10, 0)
	test(100, 95, 0) // Already nearly exhausted.

	b := New(&fakeProbe{err: errors.New("boom")})
	if _, err := b.Compute(); err == nil {
		t.Fatalf("compute with failing probe succeeded")
	}
}

func TestCanAccept(t *testing.T) {
	p := &fakeProbe{size: 1024, open: 24}
	b := &Budget{Probe: p, Max: 3}

	tcompare(t, b.CanAccept(0), true)
	tcompare(t, b.CanAccept(2), true)
	tcompare(t, b.CanAccept(3), false)
	tcompare(t, b.CanAccept(4), false)

	// Descriptors used elsewhere, the counter alone would allow accepting.
	p.open = 1024 - Reserve - 1
	tcompare(t, b.CanAccept(0), false)
	p.open = 1024 - Reserve - 2
	tcompare(t, b.CanAccept(0), true)

	p.err = errors.New("probe failed")
	tcompare(t, b.CanAccept(0), false)

	b = &Budget{Probe: &fakeProbe{size: 1024}}
	tcompare(t, b.CanAccept(0), false) // Max 0.
}

func TestOSProbe(t *testing.T) {
	var p OSProbe
	size, err := p.TableSize()
	if err != nil {
		t.Fatalf("table size: %v", err)
	}
	open, err := p.OpenCount()
	if err != nil {
		t.Fatalf("open count: %v", err)
	}
	if open < 3 || open > size {
		t.Fatalf("unexpected open count %d with table size %d", open, size)
	}
}
