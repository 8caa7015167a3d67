package container

import (
	"strconv"
	"testing"
)

func stringHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func stringEq(a, b string) bool { return a == b }

func TestTableInsertLookupDelete(t *testing.T) {
	tbl := NewTable[string, int](stringHash, stringEq)

	tbl.Insert("a", 1)
	tbl.Insert("b", 2)
	tbl.Insert("a", 10) // overwrite

	if v, ok := tbl.Lookup("a"); !ok || v != 10 {
		t.Fatalf("Lookup(a) = %v, %v; want 10, true", v, ok)
	}
	if v, ok := tbl.Lookup("b"); !ok || v != 2 {
		t.Fatalf("Lookup(b) = %v, %v; want 2, true", v, ok)
	}
	if _, ok := tbl.Lookup("c"); ok {
		t.Fatalf("Lookup(c) unexpectedly found")
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}

	if !tbl.Delete("a") {
		t.Fatalf("Delete(a) = false, want true")
	}
	if tbl.Delete("a") {
		t.Fatalf("second Delete(a) = true, want false")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() after delete = %d, want 1", tbl.Len())
	}
}

func TestTableGrowsAndStaysConsistent(t *testing.T) {
	tbl := NewTable[string, int](stringHash, stringEq)
	const n = 10000

	for i := 0; i < n; i++ {
		tbl.Insert(strconv.Itoa(i), i)
	}
	if tbl.Len() != n {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
	}
	for i := 0; i < n; i++ {
		v, ok := tbl.Lookup(strconv.Itoa(i))
		if !ok || v != i {
			t.Fatalf("Lookup(%d) = %v, %v", i, v, ok)
		}
	}
}

func TestTableIterateSafeDelete(t *testing.T) {
	tbl := NewTable[string, int](stringHash, stringEq)
	for i := 0; i < 100; i++ {
		tbl.Insert(strconv.Itoa(i), i)
	}

	tbl.Iterate(func(k string, v int) bool {
		if v%2 == 0 {
			tbl.Delete(k)
		}
		return true
	})

	if tbl.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", tbl.Len())
	}
	for i := 0; i < 100; i++ {
		_, ok := tbl.Lookup(strconv.Itoa(i))
		if i%2 == 0 && ok {
			t.Fatalf("key %d should have been deleted", i)
		}
	}
}
