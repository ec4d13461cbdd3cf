package meter

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const shardCount = 32

// Key identifies one usage counter.
type Key struct {
	Service  string
	UserID   string
	Endpoint string
}

type shard struct {
	mu     sync.Mutex
	counts map[Key]uint64
}

// Meter holds per-(service, user, endpoint) request counters. The table is
// sharded so concurrent increments on different keys do not contend on a
// single lock; increments and snapshot-and-reset on the same key serialize
// on the shard mutex, which is what makes the reset atomic: an increment
// lands either in the returned snapshot or in the fresh counter, never in
// both and never in neither.
type Meter struct {
	shards [shardCount]shard
	total  atomic.Uint64 // cumulative, unaffected by per-user resets
}

func New() *Meter {
	m := &Meter{}
	for i := range m.shards {
		m.shards[i].counts = make(map[Key]uint64)
	}
	return m
}

func (m *Meter) shard(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.Service))
	h.Write([]byte{0})
	h.Write([]byte(k.UserID))
	h.Write([]byte{0})
	h.Write([]byte(k.Endpoint))
	return &m.shards[h.Sum32()%shardCount]
}

// Increment records one successfully forwarded request.
func (m *Meter) Increment(service, userID, endpoint string) {
	k := Key{Service: service, UserID: userID, Endpoint: endpoint}
	s := m.shard(k)

	s.mu.Lock()
	s.counts[k]++
	s.mu.Unlock()

	m.total.Add(1)
}

// Snapshot returns the endpoint counters for one user without mutating them.
func (m *Meter) Snapshot(service, userID string) map[string]uint64 {
	out := make(map[string]uint64)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.counts {
			if k.Service == service && k.UserID == userID {
				out[k.Endpoint] = v
			}
		}
		s.mu.Unlock()
	}
	return out
}

// SnapshotAndReset atomically reads and zeroes the user's counters.
func (m *Meter) SnapshotAndReset(service, userID string) map[string]uint64 {
	out := make(map[string]uint64)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.counts {
			if k.Service == service && k.UserID == userID {
				out[k.Endpoint] = v
				delete(s.counts, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// ServiceSnapshot returns counters for every user of a service, keyed by
// user id, optionally resetting them.
func (m *Meter) ServiceSnapshot(service string, reset bool) map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.counts {
			if k.Service != service {
				continue
			}
			user := out[k.UserID]
			if user == nil {
				user = make(map[string]uint64)
				out[k.UserID] = user
			}
			user[k.Endpoint] = v
			if reset {
				delete(s.counts, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// SnapshotAll returns every counter in the table, for billing export.
func (m *Meter) SnapshotAll() map[Key]uint64 {
	out := make(map[Key]uint64)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.counts {
			out[k] = v
		}
		s.mu.Unlock()
	}
	return out
}

// UserTotal sums the user's endpoint counters.
func (m *Meter) UserTotal(service, userID string) uint64 {
	var total uint64
	for _, v := range m.Snapshot(service, userID) {
		total += v
	}
	return total
}

// PurgeUser drops all counters for a user. Counters survive user deletion
// until this is called, so a final billing read is always possible.
func (m *Meter) PurgeUser(service, userID string) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.counts {
			if k.Service == service && k.UserID == userID {
				delete(s.counts, k)
			}
		}
		s.mu.Unlock()
	}
}

// PurgeService drops all counters for a service.
func (m *Meter) PurgeService(service string) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k := range s.counts {
			if k.Service == service {
				delete(s.counts, k)
			}
		}
		s.mu.Unlock()
	}
}

// Total is the cumulative number of forwarded requests since startup.
func (m *Meter) Total() uint64 {
	return m.total.Load()
}
