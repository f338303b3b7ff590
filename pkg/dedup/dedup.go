// Package dedup counts recently seen keys so that repeated events inside a
// time window can be told apart from the first occurrence.
package dedup

import (
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	now  func() time.Time
	seen map[string]*entry
}

type entry struct {
	exp   time.Time
	count int
}

// New returns a Deduper with the given window and capacity. Non-positive
// values fall back to one minute and 1024 keys.
func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if max <= 0 {
		max = 1024
	}
	return &Deduper{ttl: ttl, max: max, now: time.Now, seen: make(map[string]*entry)}
}

// Hit records an occurrence of key and returns how many times it was seen in
// the current window, 1 for the first. The window starts at the first
// occurrence. A nil Deduper always returns 1.
func (d *Deduper) Hit(key string) int {
	if d == nil {
		return 1
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok && now.Before(e.exp) {
		e.count++
		return e.count
	}
	d.seen[key] = &entry{exp: now.Add(d.ttl), count: 1}
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return 1
}

// evict drops expired keys, then the ones closest to expiry until the map
// fits again.
func (d *Deduper) evict(now time.Time) {
	for k, e := range d.seen {
		if !now.Before(e.exp) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, e := range d.seen {
			if oldest == "" || e.exp.Before(oldestExp) {
				oldest, oldestExp = k, e.exp
			}
		}
		delete(d.seen, oldest)
	}
}
