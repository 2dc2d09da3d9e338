// Package table implements a lock-free, open-addressed hash table keyed by
// byte strings. Values are reference-counted only by the table's own
// "shared" bit: a value installed with a Shared variant is not released by
// this table when overwritten or removed, because some other table (the
// cache's migrator, mid-resize) also holds a pointer to it.
//
// Probing rehashes on exhaustion rather than chaining: each probe consumes
// lg2size bits of a 64-bit key hash, and once a hash value's bits run out a
// fresh hash is computed with an incremented seed. Probing is bounded by
// table size, so a full table always terminates the search.
package table

import (
	"bytes"
	"sync/atomic"

	"github.com/jlgale/jimcached/internal/mem"
)

// valueRef pairs a value pointer with the flag that decides who owns its
// release. It stands in for the original's pointer-tag trick (stealing the
// low alignment bit of a raw pointer): Go's generic pointers give no such
// bits to steal, and hiding a pointer inside a uintptr would make it
// invisible to the garbage collector, so the flag gets its own field
// instead. Every write allocates a fresh valueRef, so pointer identity
// tracks (value, shared) state the same way the original's packed word did.
type valueRef[V any] struct {
	ptr    *V
	shared bool
}

func newRef[V any](v *V, shared bool) *valueRef[V] {
	if v == nil {
		return nil
	}
	return &valueRef[V]{ptr: v, shared: shared}
}

func (r *valueRef[V]) get() *V {
	if r == nil {
		return nil
	}
	return r.ptr
}

func (r *valueRef[V]) isShared() bool {
	return r != nil && r.shared
}

type bucket[V any] struct {
	key atomic.Pointer[[]byte]
	val atomic.Pointer[valueRef[V]]
}

func (b *bucket[V]) reset() {
	b.key.Store(nil)
	b.val.Store(nil)
}

// Table is a fixed-capacity open-addressed table. The cache grows by
// building a larger Table and migrating live entries into it; a Table
// itself never resizes.
type Table[V any] struct {
	lg2size int
	release func(*V)
	values  atomic.Int64
	usage   atomic.Int64
	buckets []bucket[V]
}

// New allocates a table with 2^lg2size buckets. release is invoked on a
// value exactly once, the moment the table determines no bucket holds a
// non-shared reference to it anymore; callers typically hand this off to a
// reclamation domain rather than freeing synchronously.
func New[V any](lg2size int, release func(*V)) *Table[V] {
	return &Table[V]{
		lg2size: lg2size,
		release: release,
		buckets: make([]bucket[V], int64(1)<<uint(lg2size)),
	}
}

// Lg2Size returns the base-2 log of the table's bucket count.
func (t *Table[V]) Lg2Size() int { return t.lg2size }

// Size returns the table's fixed bucket count.
func (t *Table[V]) Size() int64 { return int64(1) << uint(t.lg2size) }

// Usage returns the number of buckets that have ever had a key installed.
func (t *Table[V]) Usage() int64 { return t.usage.Load() }

// ValueCount returns the number of buckets currently holding a value.
func (t *Table[V]) ValueCount() int64 { return t.values.Load() }

// iterateBuckets calls action on every bucket that is either empty or
// holds a matching key, starting from the key's hash-derived probe
// sequence, until action returns true or the whole table has been probed.
func (t *Table[V]) iterateBuckets(key []byte, action func(*bucket[V]) bool) bool {
	size := t.Size()
	m := uint64(size) - 1
	seed := uint64(0)
	h := mem.Hash64A(key, seed)
	seed++
	bits := 64
	var i uint64
	for j := int64(0); j < size; j++ {
		if bits < t.lg2size {
			h = mem.Hash64A(key, seed)
			seed++
			bits = 64
		}
		i = (i + h) & m
		b := &t.buckets[i]
		cur := b.key.Load()
		if cur == nil || bytes.Equal(key, *cur) {
			if action(b) {
				return true
			}
		}
		h >>= uint(t.lg2size)
		bits -= t.lg2size
	}
	return false
}

func (t *Table[V]) findBucket(key []byte) *bucket[V] {
	var found *bucket[V]
	t.iterateBuckets(key, func(b *bucket[V]) bool {
		cur := b.key.Load()
		if cur == nil {
			return true
		}
		if bytes.Equal(*cur, key) {
			found = b
		}
		return true
	})
	return found
}

// setKey installs key into an empty bucket, or confirms the key already
// installed there. iterateBuckets hands it a bucket that was empty or
// already-matching at the time of its own check, but the bucket can race
// ahead of that check: another goroutine's CompareAndSwap may have
// installed a different key in the gap between the check and this call.
// setKey reports that case with ok=false so the caller keeps probing
// instead of treating the bucket as this key's, mirroring set_key's
// nullptr return in table.h.
func (t *Table[V]) setKey(b *bucket[V], key []byte) (cur []byte, ok bool) {
	for {
		k := b.key.Load()
		if k == nil {
			own := append([]byte(nil), key...)
			if b.key.CompareAndSwap(nil, &own) {
				t.usage.Add(1)
				return own, true
			}
			continue
		}
		if bytes.Equal(*k, key) {
			return *k, true
		}
		return nil, false
	}
}

func (t *Table[V]) allocateBucket(key []byte) (*bucket[V], []byte) {
	var found *bucket[V]
	var curKey []byte
	t.iterateBuckets(key, func(b *bucket[V]) bool {
		k, ok := t.setKey(b, key)
		if !ok {
			return false
		}
		found = b
		curKey = k
		return true
	})
	return found, curKey
}

func (t *Table[V]) changedValue(old *valueRef[V]) {
	if old == nil {
		t.values.Add(1)
	} else if !old.isShared() {
		t.release(old.ptr)
	}
}

func (t *Table[V]) setValue(b *bucket[V], v *valueRef[V]) {
	old := b.val.Swap(v)
	t.changedValue(old)
}

func (t *Table[V]) replaceValue(b *bucket[V], v *valueRef[V]) bool {
	for {
		old := b.val.Load()
		if old == nil {
			return false
		}
		if b.val.CompareAndSwap(old, v) {
			t.changedValue(old)
			return true
		}
	}
}

func (t *Table[V]) addValue(b *bucket[V], v *valueRef[V]) (*V, bool) {
	if b.val.CompareAndSwap(nil, v) {
		t.changedValue(nil)
		return v.get(), true
	}
	return b.val.Load().get(), false
}

func (t *Table[V]) removeValue(b *bucket[V]) bool {
	old := b.val.Swap(nil)
	if old == nil {
		return false
	}
	t.values.Add(-1)
	if !old.isShared() {
		t.release(old.ptr)
	}
	return true
}

// Find returns the value stored for key, or nil.
func (t *Table[V]) Find(key []byte) *V {
	b := t.findBucket(key)
	if b == nil {
		return nil
	}
	return b.val.Load().get()
}

// Set installs value for key, replacing any existing value, and returns
// the key now stored in the table (which may differ from the argument if
// the key already existed).
func (t *Table[V]) Set(key []byte, value *V) []byte {
	return t.setImpl(key, newRef(value, false))
}

// SetShared is Set for a value another table also holds a live reference
// to: this table will not release it.
func (t *Table[V]) SetShared(key []byte, value *V) []byte {
	return t.setImpl(key, newRef(value, true))
}

func (t *Table[V]) setImpl(key []byte, v *valueRef[V]) []byte {
	b, curKey := t.allocateBucket(key)
	if b == nil {
		return nil
	}
	t.setValue(b, v)
	return curKey
}

// Add installs value for key only if key has no value yet. It returns the
// key now stored, the value now stored (the argument on success, the
// pre-existing value on failure), and whether the install succeeded.
func (t *Table[V]) Add(key []byte, value *V) ([]byte, *V, bool) {
	return t.addImpl(key, newRef(value, false))
}

// AddShared is Add for a value another table also holds a live reference to.
func (t *Table[V]) AddShared(key []byte, value *V) ([]byte, *V, bool) {
	return t.addImpl(key, newRef(value, true))
}

func (t *Table[V]) addImpl(key []byte, v *valueRef[V]) ([]byte, *V, bool) {
	b, curKey := t.allocateBucket(key)
	if b == nil {
		return nil, nil, false
	}
	curVal, ok := t.addValue(b, v)
	return curKey, curVal, ok
}

// Replace installs value for key only if key already has a value.
func (t *Table[V]) Replace(key []byte, value *V) bool {
	b := t.findBucket(key)
	if b == nil {
		return false
	}
	return t.replaceValue(b, newRef(value, false))
}

// Remove clears key's value, releasing it unless it is shared. Reports
// whether a value was present.
func (t *Table[V]) Remove(key []byte) bool {
	b := t.findBucket(key)
	if b == nil {
		return false
	}
	return t.removeValue(b)
}

// Exclusive converts a previously shared (key, value) pair into a
// non-shared one: the caller is claiming sole ownership of value on behalf
// of this table, typically because some other table that used to share it
// has been retired. If the table's bucket no longer holds exactly that
// shared pair, value is released immediately instead, since nothing else
// can be holding onto it once it has been evicted from every table that
// used to.
func (t *Table[V]) Exclusive(key []byte, value *V) {
	b := t.findBucket(key)
	if b == nil {
		if value != nil {
			t.release(value)
		}
		return
	}
	if value == nil {
		return
	}
	cur := b.val.Load()
	if cur != nil && cur.ptr == value && cur.shared {
		if b.val.CompareAndSwap(cur, &valueRef[V]{ptr: value, shared: false}) {
			return
		}
	}
	t.release(value)
}

// BucketRef exposes a single bucket to Range, including the ability to
// reset it, which the cache's migrator uses once it has taken exclusive
// ownership of a bucket's value from the table being retired.
type BucketRef[V any] struct {
	b *bucket[V]
}

// Key returns the bucket's installed key.
func (r BucketRef[V]) Key() []byte {
	k := r.b.key.Load()
	if k == nil {
		return nil
	}
	return *k
}

// Value returns the bucket's current value, or nil.
func (r BucketRef[V]) Value() *V {
	return r.b.val.Load().get()
}

// Reset clears the bucket's key and value without releasing either.
func (r BucketRef[V]) Reset() {
	r.b.reset()
}

// Range calls f for every occupied bucket, in table order, until f returns
// false. Bucket order is stable for the lifetime of the table, since
// buckets are never moved once a key is installed.
func (t *Table[V]) Range(f func(BucketRef[V]) bool) {
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.key.Load() == nil {
			continue
		}
		if !f(BucketRef[V]{b: b}) {
			return
		}
	}
}
