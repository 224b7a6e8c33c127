package memory

import (
	"sort"
	"sync"
	"time"
)

// DeadlineSet tracks keys that expire at a given instant. The gateway uses it
// for disconnect grace periods; expiry is checked by whoever calls Expired.
type DeadlineSet struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

func NewDeadlineSet() *DeadlineSet {
	return &DeadlineSet{deadlines: make(map[string]time.Time)}
}

// Set (re)arms key to expire at deadline.
func (d *DeadlineSet) Set(key string, deadline time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadlines[key] = deadline
}

// Delete disarms key and reports whether it was armed.
func (d *DeadlineSet) Delete(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.deadlines[key]
	delete(d.deadlines, key)
	return ok
}

// Pending reports whether key is armed and not yet expired.
func (d *DeadlineSet) Pending(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	deadline, ok := d.deadlines[key]
	return ok && now.Before(deadline)
}

// Expired removes and returns every key whose deadline is not after now, oldest first.
func (d *DeadlineSet) Expired(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var keys []string
	for key, deadline := range d.deadlines {
		if !deadline.After(now) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return d.deadlines[keys[i]].Before(d.deadlines[keys[j]])
	})
	for _, key := range keys {
		delete(d.deadlines, key)
	}
	return keys
}

func (d *DeadlineSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deadlines)
}
