package store

import (
	"sync"
	"testing"

	"github.com/jlgale/jimcached/internal/mem"
)

func ropeOf(s string) mem.Rope {
	seg := mem.FromBytes([]byte(s))
	return mem.Of(seg)
}

func readString(t *testing.T, e *Entry) string {
	t.Helper()
	cr := e.Read()
	return string(mem.New(cr.Head(), nil).Bytes())
}

func TestEntryReadReturnsCurrentValue(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("bear"))
	if got := readString(t, e); got != "bear" {
		t.Fatalf("Read() = %q, want bear", got)
	}
}

func TestEntryAppend(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("bea"))
	e.Append(ropeOf("r"))
	if got := readString(t, e); got != "bear" {
		t.Fatalf("after Append, Read() = %q, want bear", got)
	}
	if e.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", e.Size())
	}
}

func TestEntryPrepend(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("ear"))
	e.Prepend(ropeOf("b"))
	if got := readString(t, e); got != "bear" {
		t.Fatalf("after Prepend, Read() = %q, want bear", got)
	}
}

func TestEntryAppendAndPrependConcurrently(t *testing.T) {
	// Append and Prepend on the same entry race over the same tail/head
	// machinery; neither must lose a link or panic.
	e := NewEntry(0, 0, ropeOf("X"))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.Append(ropeOf("A")) }()
	go func() { defer wg.Done(); e.Prepend(ropeOf("B")) }()
	wg.Wait()

	got := readString(t, e)
	if got != "BXA" {
		t.Fatalf("Read() = %q, want BXA", got)
	}
}

func TestEntryIncrDecr(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("10"))
	v, err := e.Incr(5)
	if err != nil || v != 15 {
		t.Fatalf("Incr(5) = (%d, %v), want (15, nil)", v, err)
	}
	if got := readString(t, e); got != "15" {
		t.Fatalf("Read() after Incr = %q, want 15", got)
	}

	v, err = e.Decr(100)
	if err != nil || v != 0 {
		t.Fatalf("Decr(100) = (%d, %v), want (0, nil): decr floors at 0", v, err)
	}
}

func TestEntryIncrOnNonNumberFails(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("bear"))
	if _, err := e.Incr(1); err != ErrNotNumber {
		t.Fatalf("Incr on non-numeric value: err = %v, want ErrNotNumber", err)
	}
}

func TestEntryIncrParsesAroundWhitespace(t *testing.T) {
	e := NewEntry(0, 0, ropeOf(" 41 \r\n"))
	v, err := e.Incr(1)
	if err != nil || v != 42 {
		t.Fatalf("Incr(1) = (%d, %v), want (42, nil)", v, err)
	}
}

func TestEntryCasRequiresCurrentVersion(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("abcd"))
	cr := e.Read()
	version := cr.Hash(uint64(e.Flags()))

	if !e.Cas(0, 0, version, ropeOf("wxyz")) {
		t.Fatal("Cas with the correct version must succeed")
	}
	if got := readString(t, e); got != "wxyz" {
		t.Fatalf("Read() after Cas = %q, want wxyz", got)
	}

	if e.Cas(0, 0, version, ropeOf("zzzz")) {
		t.Fatal("Cas with a stale version must fail")
	}
}

func TestEntryTouchAndExpired(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("v"))
	if e.Expired() {
		t.Fatal("entry with exptime 0 must never expire")
	}
	e.Touch(1)
	if !e.Expired() {
		t.Fatal("entry touched with a past exptime must be expired")
	}
}

func TestEntryNewestOnUntouchedChainIsSelf(t *testing.T) {
	e := NewEntry(0, 0, ropeOf("v"))
	if e.Newest() != e {
		t.Fatal("an entry with no successor is its own newest")
	}
	if e.Newer() != nil {
		t.Fatal("an entry with no successor has no newer")
	}
}

func TestMvSetChainsAndNewestFollowsIt(t *testing.T) {
	a := NewEntry(0, 0, ropeOf("a"))
	b := NewEntry(0, 0, ropeOf("b"))
	a.mvSet(b)

	if a.Newer() != b {
		t.Fatal("mvSet must install the immediate successor")
	}
	if a.Newest() != b {
		t.Fatal("Newest must follow the chain to its tail")
	}
}

func TestMvAddFailsOnLiveTailAndSucceedsOnTombstone(t *testing.T) {
	a := NewEntry(0, 0, ropeOf("a"))
	b := NewEntry(0, 0, ropeOf("b"))

	if a.mvAdd(b) {
		t.Fatal("mvAdd must fail while the tail is an untouched live entry")
	}
	if !a.mvDel() {
		t.Fatal("mvDel on a live tail must succeed")
	}
	if !a.mvAdd(b) {
		t.Fatal("mvAdd must succeed once the tail is tombstoned")
	}
	if a.Newest() != b {
		t.Fatal("mvAdd must install its entry as the new tail")
	}
}

func TestMvReplaceFailsAfterDelete(t *testing.T) {
	a := NewEntry(0, 0, ropeOf("a"))
	b := NewEntry(0, 0, ropeOf("b"))

	if !a.mvDel() {
		t.Fatal("first mvDel must succeed")
	}
	if a.mvDel() {
		t.Fatal("mvDel on an already-tombstoned tail must fail")
	}
	if a.mvReplace(b) {
		t.Fatal("mvReplace must fail once the tail is tombstoned")
	}
	if a.Newest() != nil {
		t.Fatal("Newest on a tombstoned chain must be nil")
	}
}

func TestMvReplaceRecursesThroughChain(t *testing.T) {
	a := NewEntry(0, 0, ropeOf("a"))
	b := NewEntry(0, 0, ropeOf("b"))
	c := NewEntry(0, 0, ropeOf("c"))

	a.mvSet(b)
	if !a.mvReplace(c) {
		t.Fatal("mvReplace must recurse to the chain's live tail")
	}
	if a.Newest() != c {
		t.Fatal("Newest must reflect the replacement at the chain's tail")
	}
}
