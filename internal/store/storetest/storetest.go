// Package storetest provides a reusable verb-sequence test harness for
// internal/store.Cache, in the spirit of the teacher's lib/db/testing
// package: one factory function, one RunCacheTests entry point, and a set
// of subtests any cache configuration can be run against.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jlgale/jimcached/internal/mem"
	"github.com/jlgale/jimcached/internal/store"
)

// Factory builds a fresh, empty Cache for one subtest.
type Factory func() *store.Cache

// RunCacheTests runs the full verb-sequence suite against a Cache built by
// factory, under the subtest name name.
func RunCacheTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetGetReplaceDelete", func(t *testing.T) { testSetGetReplaceDelete(t, factory()) })
		t.Run("AddRespectsExistingKey", func(t *testing.T) { testAddRespectsExistingKey(t, factory()) })
		t.Run("AppendPrepend", func(t *testing.T) { testAppendPrepend(t, factory()) })
		t.Run("IncrDecr", func(t *testing.T) { testIncrDecr(t, factory()) })
		t.Run("Cas", func(t *testing.T) { testCas(t, factory()) })
		t.Run("TouchAndExpire", func(t *testing.T) { testTouchAndExpire(t, factory()) })
		t.Run("FlushAll", func(t *testing.T) { testFlushAll(t, factory()) })
		t.Run("ConcurrentVerbsSurviveCollection", func(t *testing.T) { testConcurrentVerbsSurviveCollection(t, factory()) })
	})
}

func rope(s string) mem.Rope {
	return mem.Of(mem.FromBytes([]byte(s)))
}

func read(t *testing.T, e *store.Entry) string {
	t.Helper()
	if e == nil {
		return ""
	}
	cr := e.Read()
	return string(mem.New(cr.Head(), nil).Bytes())
}

func testSetGetReplaceDelete(t *testing.T, c *store.Cache) {
	key := []byte("alpha")

	if c.Get(key) != nil {
		t.Fatal("Get on an absent key must be nil")
	}

	if got := c.Set(key, 0, 0, rope("one")); got != store.Stored {
		t.Fatalf("Set() = %v, want Stored", got)
	}
	if got := read(t, c.Get(key)); got != "one" {
		t.Fatalf("Get() after Set = %q, want one", got)
	}

	if got := c.Set(key, 0, 0, rope("two")); got != store.Stored {
		t.Fatalf("Set() over an existing key = %v, want Stored", got)
	}
	if got := read(t, c.Get(key)); got != "two" {
		t.Fatalf("Get() after overwriting Set = %q, want two", got)
	}

	if got := c.Replace(key, 0, 0, rope("three")); got != store.Stored {
		t.Fatalf("Replace() on an existing key = %v, want Stored", got)
	}
	if got := read(t, c.Get(key)); got != "three" {
		t.Fatalf("Get() after Replace = %q, want three", got)
	}

	if got := c.Delete(key); got != store.Deleted {
		t.Fatalf("Delete() = %v, want Deleted", got)
	}
	if c.Get(key) != nil {
		t.Fatal("Get() after Delete must be nil")
	}
	if got := c.Delete(key); got != store.NotFound {
		t.Fatalf("second Delete() = %v, want NotFound", got)
	}
	if got := c.Replace(key, 0, 0, rope("four")); got != store.SetError {
		t.Fatalf("Replace() on a deleted key = %v, want SetError", got)
	}
}

func testAddRespectsExistingKey(t *testing.T, c *store.Cache) {
	key := []byte("beta")

	if got := c.Add(key, 0, 0, rope("v1")); got != store.Stored {
		t.Fatalf("first Add() = %v, want Stored", got)
	}
	if got := c.Add(key, 0, 0, rope("v2")); got != store.SetError {
		t.Fatalf("Add() on an existing key = %v, want SetError", got)
	}
	if got := read(t, c.Get(key)); got != "v1" {
		t.Fatalf("value after rejected Add = %q, want v1", got)
	}
}

func testAppendPrepend(t *testing.T, c *store.Cache) {
	key := []byte("gamma")

	if got := c.Append(key, rope("x")); got != store.SetError {
		t.Fatalf("Append() on an absent key = %v, want SetError", got)
	}

	c.Set(key, 0, 0, rope("b"))
	if got := c.Append(key, rope("c")); got != store.Stored {
		t.Fatalf("Append() = %v, want Stored", got)
	}
	if got := c.Prepend(key, rope("a")); got != store.Stored {
		t.Fatalf("Prepend() = %v, want Stored", got)
	}
	if got := read(t, c.Get(key)); got != "abc" {
		t.Fatalf("Get() after Append+Prepend = %q, want abc", got)
	}
}

func testIncrDecr(t *testing.T, c *store.Cache) {
	key := []byte("delta")

	if _, got := c.Incr(key, 1); got != store.NotFound {
		t.Fatalf("Incr() on an absent key = %v, want NotFound", got)
	}

	c.Set(key, 0, 0, rope("10"))
	if n, got := c.Incr(key, 5); got != store.Stored || n != 15 {
		t.Fatalf("Incr(5) = (%d, %v), want (15, Stored)", n, got)
	}
	if n, got := c.Decr(key, 100); got != store.Stored || n != 0 {
		t.Fatalf("Decr(100) = (%d, %v), want (0, Stored): decr floors at zero", n, got)
	}

	c.Set(key, 0, 0, rope("not-a-number"))
	if _, got := c.Incr(key, 1); got != store.SetError {
		t.Fatalf("Incr() on a non-numeric value = %v, want SetError", got)
	}
}

func testCas(t *testing.T, c *store.Cache) {
	key := []byte("epsilon")

	if got := c.Cas(key, 0, 0, 0, rope("v")); got != store.NotFound {
		t.Fatalf("Cas() on an absent key = %v, want NotFound", got)
	}

	c.Set(key, 0, 0, rope("abcd"))
	e := c.Get(key)
	version := e.Read().Hash(uint64(e.Flags()))

	if got := c.Cas(key, 0, 0, version, rope("wxyz")); got != store.Stored {
		t.Fatalf("Cas() with the current version = %v, want Stored", got)
	}
	if got := read(t, c.Get(key)); got != "wxyz" {
		t.Fatalf("Get() after Cas = %q, want wxyz", got)
	}
	if got := c.Cas(key, 0, 0, version, rope("oops")); got != store.CasExists {
		t.Fatalf("Cas() with a stale version = %v, want CasExists", got)
	}
}

func testTouchAndExpire(t *testing.T, c *store.Cache) {
	key := []byte("zeta")

	if got := c.Touch(key, 100); got != store.NotFound {
		t.Fatalf("Touch() on an absent key = %v, want NotFound", got)
	}

	c.Set(key, 0, 0, rope("v"))
	if got := c.Touch(key, 1); got != store.Stored {
		t.Fatalf("Touch() = %v, want Stored", got)
	}
	// Expiry is lazy, like flush_all: the entry is evicted by the next
	// collection pass, not by Get.
	c.Collect()
	if c.Get(key) != nil {
		t.Fatal("Get() after Touch with a past exptime and a collection pass must be nil")
	}
}

func testFlushAll(t *testing.T, c *store.Cache) {
	c.Set([]byte("k1"), 0, 0, rope("v1"))
	c.Set([]byte("k2"), 0, 0, rope("v2"))

	c.FlushAll(0)
	c.Collect()

	if c.Get([]byte("k1")) != nil || c.Get([]byte("k2")) != nil {
		t.Fatal("keys stored before flush_all must miss after the next collection")
	}

	c.Set([]byte("k3"), 0, 0, rope("v3"))
	c.Collect()
	if got := read(t, c.Get([]byte("k3"))); got != "v3" {
		t.Fatalf("key set after flush_all must survive collection, got %q", got)
	}
}

func testConcurrentVerbsSurviveCollection(t *testing.T, c *store.Cache) {
	const workers = 8
	const perWorker = 200
	const keys = 16

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("hot-%d", i%keys))
				c.Set(key, 0, 0, rope(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				c.Collect()
			}
		}
	}()

	wg.Wait()
	close(stop)

	for i := 0; i < keys; i++ {
		key := []byte(fmt.Sprintf("hot-%d", i))
		if c.Get(key) == nil {
			t.Fatalf("key %s missing after concurrent writers finished", key)
		}
	}
}
