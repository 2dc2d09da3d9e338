// Package store implements the cache facade: entries with multi-version
// chains backed by ropes, and the table-migrating collector that evicts
// expired or cold entries and resizes the live table.
package store

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/jlgale/jimcached/internal/mem"
)

// ErrNotNumber is returned by Incr/Decr when an entry's current value does
// not parse as an unsigned decimal integer.
var ErrNotNumber = errors.New("store: value is not a number")

const updateAtimeEvery = 8

// dataPair is an entry's (head, tail) rope endpoints, swapped as one unit
// so that a reader snapshotting both pointers together never observes a
// head from one write paired with a tail from another. The original pairs
// these fields in an aligned struct and swaps them with a 128-bit
// compare-and-swap; atomic.Pointer[dataPair] gets the same all-or-nothing
// visibility without relying on a double-width CAS instruction.
type dataPair struct {
	head *mem.Segment
	tail *mem.Segment
}

// succ is an entry's multi-version successor link. A nil *succ stored in
// Entry.next means "no successor recorded yet" (this entry is the current
// value). The shared tombstone sentinel means "deleted, no successor" —
// distinguished from nil by pointer identity, the same way a tagged
// pointer's flag bit would distinguish them in the source.
type succ struct {
	entry *Entry
}

var tombstone = &succ{}

// Entry is one versioned cache value: opaque flags, an absolute expiration
// time, a mutable rope of segments, and access/modification timestamps. An
// entry's identity is stable for its lifetime; writes either mutate its
// rope in place (append, prepend, incr, decr, cas) or chain a newer entry
// onto it via the multi-version successor link.
type Entry struct {
	flags   atomic.Uint32
	exptime atomic.Uint32
	data    atomic.Pointer[dataPair]
	atime   atomic.Int64
	mtime   atomic.Int64
	reads   atomic.Uint32
	next    atomic.Pointer[succ]
}

// NewEntry wraps a rope's segments as a freshly created entry. The entry
// takes ownership of the rope: callers must not mutate it afterward.
func NewEntry(flags, exptime uint32, r mem.Rope) *Entry {
	e := &Entry{}
	e.flags.Store(flags)
	e.exptime.Store(exptime)
	now := time.Now().Unix()
	e.atime.Store(now)
	e.mtime.Store(now)
	e.data.Store(&dataPair{head: r.Head(), tail: r.Tail()})
	return e
}

// Flags returns the entry's opaque client flags.
func (e *Entry) Flags() uint32 { return e.flags.Load() }

// Exptime returns the entry's absolute expiration time, or 0 for never.
func (e *Entry) Exptime() uint32 { return e.exptime.Load() }

// Atime returns the entry's last-read unix timestamp.
func (e *Entry) Atime() int64 { return e.atime.Load() }

// Mtime returns the entry's last-modified unix timestamp.
func (e *Entry) Mtime() int64 { return e.mtime.Load() }

// Read snapshots the entry's current contents as a read-only rope and
// samples the access timestamp: only every 8th read pays for a timestamp
// write, trading exact LRU ordering for lower write traffic on hot keys.
// The source keeps this counter thread-local; a goroutine has no
// equivalent storage, so the counter lives on the entry and is shared
// across readers, sampling on aggregate read count instead of per-caller.
func (e *Entry) Read() mem.ConstRope {
	d := e.data.Load()
	if e.reads.Add(1)%updateAtimeEvery == 1 {
		e.atime.Store(time.Now().Unix())
	}
	return mem.New(d.head, d.tail).Const()
}

// Size reports the entry's current value size in bytes.
func (e *Entry) Size() int {
	d := e.data.Load()
	return mem.Size(d.head, d.tail)
}

// Expired reports whether the entry's absolute expiration time has
// passed. An exptime of 0 means never expires.
func (e *Entry) Expired() bool {
	exp := e.exptime.Load()
	return exp != 0 && int64(exp) <= time.Now().Unix()
}

// Touch updates the entry's expiration time without touching its value.
func (e *Entry) Touch(exptime uint32) {
	e.exptime.Store(exptime)
	e.mtime.Store(time.Now().Unix())
}

// Append concatenates r onto the entry's current value. A concurrent
// Prepend on the same entry races harmlessly: both swap the (head, tail)
// pair with one CAS, and whichever loses it reloads the pair and retries.
func (e *Entry) Append(r mem.Rope) {
	var linked *mem.Segment
	for {
		old := e.data.Load()
		if old.tail != linked {
			// old.tail's next can only already be linked to r.Head() by
			// us, on a prior iteration that lost the race below.
			if !old.tail.CASLink(r.Head()) {
				continue
			}
			linked = old.tail
		}
		next := &dataPair{head: old.head, tail: r.Tail()}
		if e.data.CompareAndSwap(old, next) {
			e.mtime.Store(time.Now().Unix())
			return
		}
	}
}

// Prepend concatenates the entry's current value onto the tail of p.
func (e *Entry) Prepend(p mem.Rope) {
	for {
		old := e.data.Load()
		p.Tail().Link(old.head)
		next := &dataPair{head: p.Head(), tail: old.tail}
		if e.data.CompareAndSwap(old, next) {
			e.mtime.Store(time.Now().Unix())
			return
		}
	}
}

const maxIncrDigits = 32

// Incr parses the entry's current value as an unsigned decimal integer and
// adds v, replacing the value with the decimal formatting of the result.
func (e *Entry) Incr(v uint64) (uint64, error) {
	return e.incrDecr(func(a uint64) uint64 { return a + v })
}

// Decr is Incr's inverse, floored at 0.
func (e *Entry) Decr(v uint64) (uint64, error) {
	return e.incrDecr(func(a uint64) uint64 {
		if a > v {
			return a - v
		}
		return 0
	})
}

func (e *Entry) incrDecr(apply func(uint64) uint64) (uint64, error) {
	for {
		old := e.data.Load()
		a, err := parseUint(mem.New(old.head, old.tail).Bytes())
		if err != nil {
			return 0, err
		}
		a = apply(a)
		seg := mem.FromBytes(formatUint(a, make([]byte, 0, maxIncrDigits)))
		next := &dataPair{head: seg, tail: seg}
		if e.data.CompareAndSwap(old, next) {
			e.mtime.Store(time.Now().Unix())
			return a, nil
		}
	}
}

// Cas replaces the entry's value only if the hash of its current contents,
// seeded with its current flags, equals version. On success the entry
// adopts the new flags and exptime along with the new rope.
func (e *Entry) Cas(newFlags, newExptime uint32, version uint64, r mem.Rope) bool {
	old := e.data.Load()
	curFlags := e.flags.Load()
	cur := mem.New(old.head, old.tail).Const()
	if cur.Hash(uint64(curFlags)) != version {
		return false
	}
	next := &dataPair{head: r.Head(), tail: r.Tail()}
	if !e.data.CompareAndSwap(old, next) {
		return false
	}
	e.flags.Store(newFlags)
	e.exptime.Store(newExptime)
	e.mtime.Store(time.Now().Unix())
	return true
}

// Newest walks the entry's multi-version chain to the newest entry still
// live, returning nil if the chain's tail has been deleted.
func (e *Entry) Newest() *Entry {
	cur := e
	for {
		p := cur.next.Load()
		if p == nil {
			return cur
		}
		if p == tombstone {
			return nil
		}
		cur = p.entry
	}
}

// Newer returns the entry's immediate multi-version successor, or nil if
// it has none (whether untouched or tombstoned).
func (e *Entry) Newer() *Entry {
	p := e.next.Load()
	if p == nil || p == tombstone {
		return nil
	}
	return p.entry
}

// mvSet installs ne as the newest entry in the chain starting at e,
// walking past any real successors and overwriting an untouched or
// tombstoned tail unconditionally. Used when a write must always land
// somewhere in the chain (an unconditional set during migration).
func (e *Entry) mvSet(ne *Entry) {
	cur := e
	for {
		p := cur.next.Load()
		if p == nil || p == tombstone {
			if cur.next.CompareAndSwap(p, &succ{entry: ne}) {
				return
			}
			continue
		}
		cur = p.entry
	}
}

// mvAdd installs ne only if the chain's tail is tombstoned (deleted) or
// has a real successor to recurse through; it fails if the tail is
// untouched, meaning a live value is already there.
func (e *Entry) mvAdd(ne *Entry) bool {
	cur := e
	for {
		p := cur.next.Load()
		switch {
		case p == nil:
			return false
		case p == tombstone:
			if cur.next.CompareAndSwap(p, &succ{entry: ne}) {
				return true
			}
		default:
			cur = p.entry
		}
	}
}

// mvReplace installs ne only if the chain's tail is untouched (a live
// value with no successor yet); it fails once the tail is tombstoned.
func (e *Entry) mvReplace(ne *Entry) bool {
	cur := e
	for {
		p := cur.next.Load()
		switch {
		case p == tombstone:
			return false
		case p == nil:
			if cur.next.CompareAndSwap(p, &succ{entry: ne}) {
				return true
			}
		default:
			cur = p.entry
		}
	}
}

// mvDel tombstones the chain's tail, failing if it is already tombstoned.
func (e *Entry) mvDel() bool {
	cur := e
	for {
		p := cur.next.Load()
		switch {
		case p == tombstone:
			return false
		case p == nil:
			if cur.next.CompareAndSwap(p, tombstone) {
				return true
			}
		default:
			cur = p.entry
		}
	}
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

// parseUint parses an unsigned decimal integer preceded and followed by
// only whitespace, matching the source's mem_atoi: leading whitespace is
// skipped, digits accumulate, and any non-digit, non-whitespace byte
// anywhere (including embedded before trailing whitespace) is an error.
func parseUint(b []byte) (uint64, error) {
	i := 0
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	start := i
	var a uint64
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		a = a*10 + uint64(b[i]-'0')
		i++
	}
	if i == start {
		return 0, ErrNotNumber
	}
	for i < len(b) {
		if !isSpace(b[i]) {
			return 0, ErrNotNumber
		}
		i++
	}
	return a, nil
}

func formatUint(v uint64, buf []byte) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}
