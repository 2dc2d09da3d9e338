package store

import (
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/jlgale/jimcached/internal/mem"
	"github.com/jlgale/jimcached/internal/reclaim"
	"github.com/jlgale/jimcached/internal/table"
)

// Result is the typed outcome of a cache verb.
type Result int

const (
	Stored Result = iota
	Deleted
	NotFound
	SetError
	CasExists
)

const (
	initialLg2Size     = 20
	usageGrowThreshold = 0.75
	reservePercentage  = 0.10
	sampleSize         = 8192
)

type entryTable = table.Table[Entry]

// Cache is the user-facing store: an open table of entries, a migrating
// "building" table during collection passes, and the eleven client verbs.
// The same *Entry may be reachable from both tables while a collection is
// in progress; writers always resolve through the multi-version chain so
// that whichever table a reader reached, newest() is the truth.
type Cache struct {
	maxBytes int64
	flushed  atomic.Int64

	entries  atomic.Pointer[entryTable]
	building atomic.Pointer[entryTable]

	worker *reclaim.Worker

	bytesUsed atomic.Int64

	metrics                                 *metrics.Set
	gets, getMisses, sets, touches, flushes *metrics.Counter
	casHits, casMisses                      *metrics.Counter
}

// New creates a cache with an initial table and joins domain as the
// worker on whose behalf every table eviction is scheduled for deferred
// free, regardless of which session goroutine triggered it. This worker
// is checkpointed only by the Flush calls inside Collect, so its pending
// frees advance as the caller's collector loop runs Collect (see
// internal/server).
func New(domain *reclaim.Domain, maxBytes int64) *Cache {
	c := &Cache{maxBytes: maxBytes}
	c.worker = domain.Join()

	set := metrics.NewSet()
	c.metrics = set
	c.gets = set.NewCounter("jimcached_cmd_get_total")
	c.getMisses = set.NewCounter("jimcached_get_misses_total")
	c.sets = set.NewCounter("jimcached_cmd_set_total")
	c.touches = set.NewCounter("jimcached_cmd_touch_total")
	c.flushes = set.NewCounter("jimcached_cmd_flush_total")
	c.casHits = set.NewCounter("jimcached_cas_hits_total")
	c.casMisses = set.NewCounter("jimcached_cas_misses_total")
	set.NewGauge("jimcached_bytes", func() float64 { return float64(c.Bytes()) })
	set.NewGauge("jimcached_buckets", func() float64 { return float64(c.Buckets()) })
	set.NewGauge("jimcached_keys", func() float64 { return float64(c.Keys()) })

	c.entries.Store(c.newTable(initialLg2Size))
	return c
}

func (c *Cache) newTable(lg2size int) *entryTable {
	return table.New[Entry](lg2size, c.releaseEntry)
}

// releaseEntry runs once a table has determined no bucket holds a
// non-shared reference to e anymore. It walks e's multi-version chain
// (older versions stay reachable from a chain tail until the tail itself
// is released) subtracting their sizes from the byte estimator, and
// defers the underlying segment chains to the reclamation domain rather
// than letting them go simply by losing their last Go reference: this
// keeps the use-after-free sentinel in internal/mem meaningful even
// though Go's collector would reclaim the memory regardless.
func (c *Cache) releaseEntry(e *Entry) {
	var size int
	for x := e; x != nil; x = x.Newer() {
		size += x.Size()
		d := x.data.Load()
		head := d.head
		c.worker.ScheduleFree(func() { mem.Free(head) })
	}
	c.bytesUsed.Add(-int64(size))
}

func (c *Cache) isBuilding() (entries, building *entryTable, migrating bool) {
	entries = c.entries.Load()
	building = c.building.Load()
	return entries, building, building != nil && building != entries
}

// Get looks up k and returns its newest live entry, or nil on a miss.
func (c *Cache) Get(k []byte) *Entry {
	c.gets.Inc()
	e := c.entries.Load().Find(k)
	if e == nil {
		c.getMisses.Inc()
		return nil
	}
	return e.Newest()
}

// Set unconditionally stores r under k.
func (c *Cache) Set(k []byte, flags, exptime uint32, r mem.Rope) Result {
	c.sets.Inc()
	ne := NewEntry(flags, exptime, r)
	entries, building, migrating := c.isBuilding()

	var curKey []byte
	if migrating {
		ck, curEntry, added := entries.Add(k, ne)
		curKey = ck
		if added {
			building.SetShared(curKey, curEntry)
		} else if curEntry != nil {
			curEntry.mvSet(ne)
		}
	} else {
		curKey = entries.Set(k, ne)
	}
	if curKey == nil {
		return SetError
	}
	c.bytesUsed.Add(int64(r.Size()))
	return Stored
}

// Add stores r under k only if k has no value yet.
func (c *Cache) Add(k []byte, flags, exptime uint32, r mem.Rope) Result {
	c.sets.Inc()
	ne := NewEntry(flags, exptime, r)
	entries, building, migrating := c.isBuilding()

	var ok bool
	if migrating {
		ck, curEntry, added := entries.Add(k, ne)
		if added {
			building.AddShared(ck, curEntry)
			ok = true
		} else if curEntry != nil {
			ok = curEntry.mvAdd(ne)
		}
	} else {
		_, _, ok = entries.Add(k, ne)
	}
	if !ok {
		return SetError
	}
	c.bytesUsed.Add(int64(r.Size()))
	return Stored
}

// Replace stores r under k only if k already has a value.
func (c *Cache) Replace(k []byte, flags, exptime uint32, r mem.Rope) Result {
	c.sets.Inc()
	ne := NewEntry(flags, exptime, r)
	entries, _, migrating := c.isBuilding()

	var ok bool
	if migrating {
		cur := entries.Find(k)
		ok = cur != nil && cur.mvReplace(ne)
	} else {
		ok = entries.Replace(k, ne)
	}
	if !ok {
		return SetError
	}
	c.bytesUsed.Add(int64(r.Size()))
	return Stored
}

// Delete removes k's value.
func (c *Cache) Delete(k []byte) Result {
	entries, _, migrating := c.isBuilding()

	var ok bool
	if migrating {
		cur := entries.Find(k)
		ok = cur != nil && cur.mvDel()
	} else {
		ok = entries.Remove(k)
	}
	if !ok {
		return NotFound
	}
	return Deleted
}

// Append concatenates suffix onto k's current value. Unlike every other
// verb, this resolves k directly against the live table rather than
// through Get/newest(): append targets whichever entry the live table
// currently names, even mid-migration, matching the source exactly.
func (c *Cache) Append(k []byte, suffix mem.Rope) Result {
	e := c.entries.Load().Find(k)
	if e == nil {
		return SetError
	}
	c.bytesUsed.Add(int64(suffix.Size()))
	e.Append(suffix)
	return Stored
}

// Prepend concatenates prefix before k's current value.
func (c *Cache) Prepend(k []byte, prefix mem.Rope) Result {
	e := c.Get(k)
	if e == nil {
		return SetError
	}
	c.bytesUsed.Add(int64(prefix.Size()))
	e.Prepend(prefix)
	return Stored
}

// Incr adds v to k's current value, parsed as an unsigned decimal integer.
// A missing key is NotFound; SetError is reserved for a value that fails
// to parse as an integer. The source returns set_error for a missing key
// too (cache.cc), but spec.md's error taxonomy and scenario set pin
// NotFound here, the same class of correction as the noreply typo.
func (c *Cache) Incr(k []byte, v uint64) (uint64, Result) {
	e := c.Get(k)
	if e == nil {
		return 0, NotFound
	}
	n, err := e.Incr(v)
	if err != nil {
		return 0, SetError
	}
	return n, Stored
}

// Decr subtracts v from k's current value, floored at 0. See Incr for why
// a missing key is NotFound rather than SetError.
func (c *Cache) Decr(k []byte, v uint64) (uint64, Result) {
	e := c.Get(k)
	if e == nil {
		return 0, NotFound
	}
	n, err := e.Decr(v)
	if err != nil {
		return 0, SetError
	}
	return n, Stored
}

// Cas stores r under k only if version matches the hash of k's current
// contents, seeded with its current flags. Byte accounting is not
// adjusted on a successful Cas, matching the source (see DESIGN.md): the
// estimator is allowed to drift here.
func (c *Cache) Cas(k []byte, flags, exptime uint32, version uint64, r mem.Rope) Result {
	e := c.Get(k)
	if e == nil {
		return NotFound
	}
	if !e.Cas(flags, exptime, version, r) {
		c.casMisses.Inc()
		return CasExists
	}
	c.casHits.Inc()
	return Stored
}

// Touch updates k's expiration time without touching its value.
func (c *Cache) Touch(k []byte, exptime uint32) Result {
	c.touches.Inc()
	e := c.Get(k)
	if e == nil {
		return NotFound
	}
	e.Touch(exptime)
	return Stored
}

// FlushAll invalidates every entry modified before now+delay. The
// invalidation is lazy: existing entries are only actually evicted by the
// next collection pass that observes an mtime older than the new cutoff.
func (c *Cache) FlushAll(delay int64) {
	c.flushes.Inc()
	c.flushed.Store(time.Now().Unix() + delay)
}

// Bytes returns the estimated number of value bytes currently reachable
// from the live table.
func (c *Cache) Bytes() int64 { return c.bytesUsed.Load() }

// Buckets returns the live table's fixed bucket count.
func (c *Cache) Buckets() int64 { return c.entries.Load().Size() }

// Keys returns the number of buckets in the live table that have ever had
// a key installed.
func (c *Cache) Keys() int64 { return c.entries.Load().Usage() }

// GetCount, GetHitCount, GetMissCount, SetCount, TouchCount and
// FlushCount back the stats command's cmd_get/get_hits/get_misses/
// cmd_set/cmd_touch/cmd_flush fields.
func (c *Cache) GetCount() uint64 { return c.gets.Get() }

func (c *Cache) GetMissCount() uint64 { return c.getMisses.Get() }

func (c *Cache) GetHitCount() uint64 {
	misses, gets := c.getMisses.Get(), c.gets.Get()
	if gets > misses {
		return gets - misses
	}
	return 0
}

func (c *Cache) SetCount() uint64 { return c.sets.Get() }

func (c *Cache) TouchCount() uint64 { return c.touches.Get() }

func (c *Cache) FlushCount() uint64 { return c.flushes.Get() }

// WriteMetrics renders every counter and gauge in Prometheus exposition
// format, for a /metrics style endpoint or periodic logging.
func (c *Cache) WriteMetrics(w io.Writer) {
	c.metrics.WritePrometheus(w)
}

// Collect runs one collection pass: it allocates a new table (grown one
// bit if the live table's usage ratio crossed the grow threshold),
// publishes it as the building table, copies every surviving entry into
// it, publishes it as the new live table, then transfers exclusive
// ownership of survivors and evicts the rest from the old table. Safe to
// call concurrently with every other cache operation; it uses the
// reclamation domain's Flush as a barrier exactly twice, matching §4.5 of
// the design this implements.
func (c *Cache) Collect() {
	old := c.entries.Load()
	newLg2 := old.Lg2Size()
	if float64(old.Usage()) >= float64(old.Size())*usageGrowThreshold {
		newLg2++
	}
	building := c.newTable(newLg2)
	c.building.Store(building)
	c.worker.Flush()

	now := time.Now().Unix()
	cutoff := c.atimeCutoff(old)
	old.Range(func(r table.BucketRef[Entry]) bool {
		v := r.Value()
		if v != nil && c.entryIsLive(v, cutoff, now) {
			building.AddShared(r.Key(), v)
		}
		return true
	})

	c.entries.Store(building)
	c.building.Store(nil)
	c.worker.Flush()

	old.Range(func(r table.BucketRef[Entry]) bool {
		building.Exclusive(r.Key(), r.Value())
		r.Reset()
		return true
	})
}

// atimeCutoff computes the access-time cutoff below which a cold entry is
// evicted, by sampling up to sampleSize entries from t (in table order,
// not a random sample, per original_source/src/cache.cc) and taking the
// order statistic that keeps the reserved byte budget. Returns 0 ("keep
// all") once current usage is within the reserved budget, or if the
// sample is empty.
func (c *Cache) atimeCutoff(t *entryTable) int64 {
	bytes := c.bytesUsed.Load()
	if bytes <= 0 {
		return 0
	}
	p := (float64(c.maxBytes) * (1 - reservePercentage)) / float64(bytes)
	if p >= 1.0 {
		return 0
	}

	sample := make([]int64, 0, sampleSize)
	t.Range(func(r table.BucketRef[Entry]) bool {
		if len(sample) >= sampleSize {
			return false
		}
		v := r.Value()
		if v == nil {
			return true
		}
		a, m := v.Atime(), v.Mtime()
		if a > m {
			sample = append(sample, a)
		} else {
			sample = append(sample, m)
		}
		return true
	})

	n := len(sample)
	if n == 0 {
		return 0
	}
	k := int(float64(n) * (1 - p))
	if k < 0 {
		k = 0
	}
	if k >= n {
		k = n - 1
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	return sample[k]
}

func (c *Cache) entryIsLive(e *Entry, cutoff, now int64) bool {
	newest := e.Newest()
	if newest == nil {
		return false
	}
	mtime := newest.Mtime()
	if mtime <= c.flushed.Load() {
		return false
	}
	if mtime < cutoff && newest.Atime() < cutoff {
		return false
	}
	if exp := newest.Exptime(); exp != 0 && int64(exp) <= now {
		return false
	}
	return true
}
