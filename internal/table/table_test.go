package table

import (
	"fmt"
	"sync"
	"testing"
)

func released(t *testing.T) (func(*int), func() []int) {
	var mu sync.Mutex
	var got []int
	return func(v *int) {
			mu.Lock()
			got = append(got, *v)
			mu.Unlock()
		}, func() []int {
			mu.Lock()
			defer mu.Unlock()
			return append([]int(nil), got...)
		}
}

func TestSetAndFind(t *testing.T) {
	release, _ := released(t)
	tb := New[int](4, release)

	v := 42
	tb.Set([]byte("bear"), &v)

	got := tb.Find([]byte("bear"))
	if got == nil || *got != 42 {
		t.Fatalf("Find() = %v, want 42", got)
	}
	if tb.Find([]byte("missing")) != nil {
		t.Fatal("Find() on absent key must return nil")
	}
}

func TestSetReplacesAndReleasesOld(t *testing.T) {
	release, releasedVals := released(t)
	tb := New[int](4, release)

	a, b := 1, 2
	tb.Set([]byte("k"), &a)
	tb.Set([]byte("k"), &b)

	got := tb.Find([]byte("k"))
	if got == nil || *got != 2 {
		t.Fatalf("Find() = %v, want 2", got)
	}
	if vals := releasedVals(); len(vals) != 1 || vals[0] != 1 {
		t.Fatalf("released = %v, want [1]", vals)
	}
}

func TestAddOnlyOnce(t *testing.T) {
	release, _ := released(t)
	tb := New[int](4, release)

	a, b := 1, 2
	_, curVal, ok := tb.Add([]byte("k"), &a)
	if !ok || curVal == nil || *curVal != 1 {
		t.Fatalf("first Add failed: ok=%v curVal=%v", ok, curVal)
	}

	_, curVal, ok = tb.Add([]byte("k"), &b)
	if ok {
		t.Fatal("second Add on an occupied key must fail")
	}
	if curVal == nil || *curVal != 1 {
		t.Fatalf("second Add curVal = %v, want the existing value 1", curVal)
	}
}

func TestReplaceRequiresExisting(t *testing.T) {
	release, _ := released(t)
	tb := New[int](4, release)

	v := 1
	if tb.Replace([]byte("k"), &v) {
		t.Fatal("Replace on an absent key must fail")
	}
	tb.Set([]byte("k"), &v)
	w := 2
	if !tb.Replace([]byte("k"), &w) {
		t.Fatal("Replace on an existing key must succeed")
	}
	if got := tb.Find([]byte("k")); got == nil || *got != 2 {
		t.Fatalf("Find() = %v, want 2", got)
	}
}

func TestRemove(t *testing.T) {
	release, releasedVals := released(t)
	tb := New[int](4, release)

	v := 1
	tb.Set([]byte("k"), &v)
	if !tb.Remove([]byte("k")) {
		t.Fatal("Remove on an existing key must succeed")
	}
	if tb.Remove([]byte("k")) {
		t.Fatal("Remove on an already-removed key must fail")
	}
	if tb.Find([]byte("k")) != nil {
		t.Fatal("Find after Remove must return nil")
	}
	if vals := releasedVals(); len(vals) != 1 || vals[0] != 1 {
		t.Fatalf("released = %v, want [1]", vals)
	}
}

func TestSharedValueIsNotReleasedByOverwrite(t *testing.T) {
	release, releasedVals := released(t)
	tb := New[int](4, release)

	v := 1
	tb.SetShared([]byte("k"), &v)

	w := 2
	tb.Set([]byte("k"), &w)

	if vals := releasedVals(); len(vals) != 0 {
		t.Fatalf("released = %v, want none: shared value must not be released here", vals)
	}
}

func TestExclusiveClaimsSharedValue(t *testing.T) {
	release, releasedVals := released(t)
	tb := New[int](4, release)

	v := 1
	tb.SetShared([]byte("k"), &v)
	tb.Exclusive([]byte("k"), &v)

	tb.Remove([]byte("k"))
	if vals := releasedVals(); len(vals) != 1 || vals[0] != 1 {
		t.Fatalf("released = %v, want [1]: Exclusive must grant ownership back to this table", vals)
	}
}

func TestExclusiveOnMissingKeyReleasesImmediately(t *testing.T) {
	release, releasedVals := released(t)
	tb := New[int](4, release)

	v := 1
	tb.Exclusive([]byte("gone"), &v)
	if vals := releasedVals(); len(vals) != 1 || vals[0] != 1 {
		t.Fatalf("released = %v, want [1]", vals)
	}
}

func TestRangeSkipsEmptyBucketsAndSupportsReset(t *testing.T) {
	release, _ := released(t)
	tb := New[int](4, release)

	v1, v2 := 1, 2
	tb.Set([]byte("a"), &v1)
	tb.Set([]byte("b"), &v2)

	seen := map[string]int{}
	tb.Range(func(r BucketRef[int]) bool {
		seen[string(r.Key())] = *r.Value()
		return true
	})
	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Fatalf("Range saw %v, want a=1 b=2", seen)
	}

	tb.Range(func(r BucketRef[int]) bool {
		if string(r.Key()) == "a" {
			r.Reset()
		}
		return true
	})
	if tb.Find([]byte("a")) != nil {
		t.Fatal("Find after Reset must return nil")
	}
	if got := tb.Find([]byte("b")); got == nil || *got != 2 {
		t.Fatal("Reset must not disturb other buckets")
	}
}

func TestProbeSequenceResolvesCollisionsInSmallTable(t *testing.T) {
	release, _ := released(t)
	// A 4-bucket table filled with 4 keys forces keys to collide and probe
	// past occupied buckets. (Its 4 probes use 8 of the first hash's 64
	// bits, so no reseeded hash is computed here.)
	tb := New[int](2, release)

	values := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		v := i
		values = append(values, v)
		key := []byte(fmt.Sprintf("key-%d", i))
		if _, _, ok := tb.Add(key, &values[i]); !ok {
			t.Fatalf("Add(%s) failed to find a free bucket", key)
		}
	}
	for i := 0; i < 4; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		got := tb.Find(key)
		if got == nil || *got != i {
			t.Fatalf("Find(%s) = %v, want %d", key, got, i)
		}
	}
}

func TestUsageAndValueCount(t *testing.T) {
	release, _ := released(t)
	tb := New[int](4, release)

	v := 1
	tb.Set([]byte("k"), &v)
	if tb.Usage() != 1 {
		t.Fatalf("Usage() = %d, want 1", tb.Usage())
	}
	if tb.ValueCount() != 1 {
		t.Fatalf("ValueCount() = %d, want 1", tb.ValueCount())
	}
	tb.Set([]byte("k"), &v)
	if tb.Usage() != 1 {
		t.Fatalf("Usage() after re-Set on same key = %d, want 1", tb.Usage())
	}
	if tb.ValueCount() != 1 {
		t.Fatalf("ValueCount() after re-Set on same key = %d, want 1", tb.ValueCount())
	}
	tb.Remove([]byte("k"))
	if tb.ValueCount() != 0 {
		t.Fatalf("ValueCount() after Remove = %d, want 0", tb.ValueCount())
	}
	if tb.Usage() != 1 {
		t.Fatalf("Usage() after Remove = %d, want 1: usage tracks key installs, not live values", tb.Usage())
	}
}

func TestConcurrentAddIsLinearizablePerKey(t *testing.T) {
	release, _ := released(t)
	tb := New[int](8, release)

	const workers = 16
	var wg sync.WaitGroup
	wins := make([]bool, workers)
	vals := make([]int, workers)
	for i := 0; i < workers; i++ {
		vals[i] = i
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, ok := tb.Add([]byte("contested"), &vals[i])
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	if winCount != 1 {
		t.Fatalf("exactly one Add should win a race on the same key, got %d", winCount)
	}
}
