package slice

import (
	"strconv"
	"testing"
)

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	if len(got) != 3 || got[0] != "1" || got[2] != "3" {
		t.Errorf("Map() got %v", got)
	}
	if got := Map([]int(nil), strconv.Itoa); len(got) != 0 || got == nil {
		t.Errorf("Map() expected an empty non-nil slice, got %#v", got)
	}
}

func TestFind(t *testing.T) {
	v, ok := Find([]string{"HU", "RS", "SI"}, func(s string) bool { return s == "RS" })
	if !ok || v != "RS" {
		t.Errorf("Find() expected RS, got %q, %v", v, ok)
	}
	if _, ok := Find([]string{"HU"}, func(s string) bool { return s == "XX" }); ok {
		t.Errorf("Find() expected no match")
	}
}
