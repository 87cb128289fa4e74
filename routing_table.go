package dht

import (
	"sync"
)

const (
	// K the default number of contacts held by each bucket
	K = 20
)

// routing table stores buckets of every known node on the network
type routingTable struct {
	// the local node, which is never stored in the table
	localNode Contact
	// nodes used to join the network
	bootstrap []Contact
	// buckets of nodes active in the routing table
	buckets []bucket
	mu      sync.Mutex
}

// newRoutingTable creates a new routing table. bootstrap contacts
// are only recorded as seeds and are not inserted into any bucket
func newRoutingTable(localNode Contact, size int, bootstrap ...Contact) *routingTable {
	buckets := make([]bucket, KEY_BITS)

	for i := range buckets {
		buckets[i] = newBucket(size)
	}

	return &routingTable{
		localNode: localNode,
		bootstrap: bootstrap,
		buckets:   buckets,
	}
}

// update inserts or refreshes a contact. it returns true if the
// contact is held by the table after the update
func (t *routingTable) update(c Contact) bool {
	if c.Equal(t.localNode) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buckets[bucketID(t.localNode.ID, c.ID)].insert(c)
}

// remove removes a contact from the table
func (t *routingTable) remove(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buckets[bucketID(t.localNode.ID, id)].remove(id)
}

// get returns a contact if it is held in the table
func (t *routingTable) get(id ID) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buckets[bucketID(t.localNode.ID, id)].get(id)
}

// findBucketIndex returns the index of the bucket a contact belongs to
func (t *routingTable) findBucketIndex(c Contact) int {
	return bucketID(t.localNode.ID, c.ID)
}

// closestN finds the count closest contacts to the target.
//
// every contact in the bucket matching the target is closer than any contact
// in another bucket. contacts in all lower buckets share the same highest
// differing bit with the target, so they are collected together. higher buckets
// are strictly further away with every index, so they are collected one at a time
// until enough candidates have been gathered
func (t *routingTable) closestN(target ID, count int) []Neighbour {
	if count < 1 {
		return []Neighbour{}
	}

	t.mu.Lock()

	var ns []Neighbour

	collect := func(i int) {
		t.buckets[i].iterate(func(c Contact) {
			ns = append(ns, Neighbour{
				Contact:  c,
				Distance: distance(c.ID, target),
			})
		})
	}

	start := -1

	if target != t.localNode.ID {
		start = bucketID(t.localNode.ID, target)

		collect(start)

		if len(ns) < count {
			for i := start - 1; i >= 0; i-- {
				collect(i)
			}
		}
	}

	for i := start + 1; i < KEY_BITS && len(ns) < count; i++ {
		collect(i)
	}

	t.mu.Unlock()

	sortNeighbours(ns)

	if len(ns) > count {
		ns = ns[:count]
	}

	return ns
}

// closestContacts is closestN without the distances
func (t *routingTable) closestContacts(target ID, count int) []Contact {
	ns := t.closestN(target, count)
	cs := make([]Contact, len(ns))

	for i := range ns {
		cs[i] = ns[i].Contact
	}

	return cs
}

// size returns the total number of active contacts
func (t *routingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s int

	for i := range t.buckets {
		s = s + t.buckets[i].len()
	}

	return s
}

// seeds returns the bootstrap contacts the table was created with
func (t *routingTable) seeds() []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := make([]Contact, len(t.bootstrap))
	copy(s, t.bootstrap)

	return s
}

// addSeed records a contact used to join the network
func (t *routingTable) addSeed(c Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.bootstrap {
		if t.bootstrap[i].Address == c.Address {
			t.bootstrap[i] = c
			return
		}
	}

	t.bootstrap = append(t.bootstrap, c)
}
