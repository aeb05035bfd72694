package wal

import (
	"sort"
	"testing"
)

func TestSegmentNameRoundTrip(t *testing.T) {
	tests := []uint64{1, 0x10, 0xffff, 1 << 40}
	for i, first := range tests {
		name := segmentName(first)
		got, err := parseSegmentName(name)
		if err != nil {
			t.Fatalf("#%d: parse %q: %v", i, name, err)
		}
		if got != first {
			t.Fatalf("#%d: want %d, got %d", i, first, got)
		}
	}
}

func TestParseSegmentNameRejects(t *testing.T) {
	tests := []string{
		"0000000000000001",
		"0000000000000001.log.tmp",
		"x000000000000001.log",
		"01.log",
		"LOCK",
	}
	for i, name := range tests {
		if _, err := parseSegmentName(name); err == nil {
			t.Fatalf("#%d: %q parsed but should not", i, name)
		}
	}
}

// lexicographic order of segment names must equal index order
func TestSegmentNameSortLaw(t *testing.T) {
	firsts := []uint64{1, 9, 0x10, 0xff, 0x100, 1 << 20, 1 << 44}
	names := make([]string, len(firsts))
	for i, first := range firsts {
		names[i] = segmentName(first)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("segment names not sorted: %v", names)
	}
}

func TestFilterSegmentNames(t *testing.T) {
	names := []string{
		"0000000000000001.log",
		"0000000000000001.log.tmp",
		"LOCK",
		"00000000000000ff.log",
	}
	got := filterSegmentNames(names)
	if len(got) != 2 || got[0] != names[0] || got[1] != names[3] {
		t.Fatalf("unexpected filter result: %v", got)
	}
}
