package irq_test

import (
	"testing"

	"github.com/rv-fpga/bridge/irq"
)

func TestLineIdempotent(t *testing.T) {
	var notifies int
	set := irq.NewSet(func() { notifies++ })
	l := irq.NewLine(3, set)

	l.Raise()
	l.Raise()
	l.Raise()

	if !l.Level() {
		t.Fatal("line should be raised")
	}

	if notifies != 1 {
		t.Errorf("notifies = %d, want 1 (idempotent raise)", notifies)
	}

	if set.Levels()&(1<<3) == 0 {
		t.Error("set should reflect the raised line")
	}

	l.Lower()
	l.Lower()

	if l.Level() {
		t.Fatal("line should be lowered")
	}

	if notifies != 2 {
		t.Errorf("notifies = %d, want 2", notifies)
	}

	if set.Levels() != 0 {
		t.Errorf("Levels() = %#x, want 0", set.Levels())
	}
}

func TestSetIsOROfLines(t *testing.T) {
	set := irq.NewSet(nil)
	a := irq.NewLine(3, set)
	b := irq.NewLine(4, set)

	a.Raise()
	if set.Levels() != 1<<3 {
		t.Fatalf("Levels() = %#x, want %#x", set.Levels(), uint32(1<<3))
	}

	b.Raise()
	if set.Levels() != 1<<3|1<<4 {
		t.Fatalf("Levels() = %#x, want %#x", set.Levels(), uint32(1<<3|1<<4))
	}

	a.Lower()
	if set.Levels() != 1<<4 {
		t.Fatalf("Levels() = %#x, want %#x", set.Levels(), uint32(1<<4))
	}
}

func TestW1SW1C(t *testing.T) {
	set := irq.NewSet(nil)

	set.WriteSetBits(0b101)
	if set.Levels() != 0b101 {
		t.Fatalf("Levels() = %#b, want 0b101", set.Levels())
	}

	set.WriteClearBits(0b001)
	if set.Levels() != 0b100 {
		t.Fatalf("Levels() = %#b, want 0b100", set.Levels())
	}
}
