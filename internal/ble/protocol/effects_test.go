package protocol

import (
	"bytes"
	"sort"
	"testing"
)

func TestEffectTableNamesSortedAndUnique(t *testing.T) {
	for name, table := range map[string]*EffectTable{"legacy": LegacyEffects, "extended": ExtendedEffects} {
		names := table.Names()
		if !sort.StringsAreSorted(names) {
			t.Errorf("%s names not sorted: %v", name, names)
		}
		seen := make(map[string]bool)
		for _, n := range names {
			if seen[n] {
				t.Errorf("%s duplicate name %q", name, n)
			}
			seen[n] = true
		}
		if len(names) != table.Len() {
			t.Errorf("%s len(Names()) = %d, Len() = %d", name, len(names), table.Len())
		}
	}
}

func TestEffectTableSizes(t *testing.T) {
	if n := LegacyEffects.Len(); n != 20 {
		t.Errorf("LegacyEffects.Len() = %d, want 20", n)
	}
	if n := ExtendedEffects.Len(); n != 22 {
		t.Errorf("ExtendedEffects.Len() = %d, want 22", n)
	}
}

func TestEffectTableNamesIsRestartable(t *testing.T) {
	first := ExtendedEffects.Names()
	first[0] = "mutated"
	second := ExtendedEffects.Names()
	if second[0] == "mutated" {
		t.Error("Names() returned a shared slice")
	}
	if second[0] != "Blue fade" {
		t.Errorf("Names()[0] = %q, want %q", second[0], "Blue fade")
	}
}

func TestEffectTableLookup(t *testing.T) {
	table := NewEffectTable(map[string][]byte{"b": {0x02}, "a": {0x01, 0x10}})

	code, ok := table.Lookup("a")
	if !ok || !bytes.Equal(code, []byte{0x01, 0x10}) {
		t.Errorf("Lookup(a) = %x, %v", code, ok)
	}
	code[0] = 0xFF
	if again, _ := table.Lookup("a"); again[0] != 0x01 {
		t.Error("Lookup() returned a shared slice")
	}

	if _, ok := table.Lookup("A"); ok {
		t.Error("Lookup(A) should miss, names are case-sensitive")
	}
	if !table.Contains("b") || table.Contains("c") {
		t.Error("Contains() mismatch")
	}
	if got := table.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v, want [a b]", got)
	}
}
