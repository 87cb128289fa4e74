package dht

import (
	"bytes"
	"sort"
	"time"
)

// bucket holds the contacts for one band of xor distance from the local node.
// it is not safe for concurrent use, the routing table serializes access
type bucket struct {
	// the maximum number of nodes in the bucket, excluding the promotion cache
	size int
	// nodes holds all active nodes, least recently seen first
	nodes []*node
	// cache holds nodes that could be promoted to the bucket when
	// other nodes are removed
	cache []*node
}

func newBucket(size int) bucket {
	return bucket{
		size:  size,
		nodes: make([]*node, 0, size),
	}
}

// inserts a contact into the bucket, or refreshes it if it already exists.
// if the bucket is full, the newcomer is rejected from the active list and
// added to the promotion cache. it returns true if the contact is active
func (b *bucket) insert(c Contact) bool {
	now := time.Now()

	// if the node exists in the bucket, move it to the end of
	// the list as it is now the most recently seen
	i := b.index(c.ID)
	if i >= 0 {
		n := b.nodes[i]
		n.contact = c
		n.seen = now

		copy(b.nodes[i:], b.nodes[i+1:])
		b.nodes[len(b.nodes)-1] = n

		return true
	}

	// if the bucket is not full, add the new node to the end
	if !b.full() {
		b.nodes = append(b.nodes, &node{contact: c, seen: now})
		return true
	}

	// there's no space in the bucket, so we add the node to the promotion cache
	// so it can be added to the main node list when other nodes are removed
	b.stash(&node{contact: c, seen: now})

	return false
}

// gets a contact by its id
func (b *bucket) get(id ID) (Contact, bool) {
	i := b.index(id)
	if i < 0 {
		return Contact{}, false
	}

	return b.nodes[i].contact, true
}

// removes a node and promotes the freshest node from the promotion cache
// into its place. it returns true if the node existed
func (b *bucket) remove(id ID) bool {
	i := b.index(id)
	if i < 0 {
		b.unstash(id)
		return false
	}

	copy(b.nodes[i:], b.nodes[i+1:])
	b.nodes[len(b.nodes)-1] = nil
	b.nodes = b.nodes[:len(b.nodes)-1]

	if len(b.cache) > 0 {
		n := b.cache[len(b.cache)-1]
		b.cache = b.cache[:len(b.cache)-1]
		b.nodes = append(b.nodes, n)
	}

	return true
}

// finds the closest known contacts for a given target
func (b *bucket) closest(target ID, count int) []Contact {
	ns := make([]Neighbour, 0, len(b.nodes))

	for _, n := range b.nodes {
		ns = append(ns, Neighbour{
			Contact:  n.contact,
			Distance: distance(n.contact.ID, target),
		})
	}

	sortNeighbours(ns)

	if len(ns) > count {
		ns = ns[:count]
	}

	cs := make([]Contact, len(ns))

	for i := range ns {
		cs[i] = ns[i].Contact
	}

	return cs
}

// iterate calls fn for every active contact, least recently seen first
func (b *bucket) iterate(fn func(c Contact)) {
	for _, n := range b.nodes {
		fn(n.contact)
	}
}

func (b *bucket) index(id ID) int {
	for i := range b.nodes {
		if b.nodes[i].contact.ID == id {
			return i
		}
	}

	return -1
}

// stash stashes a node in the promotion cache. the cache is bounded
// to the size of the bucket and drops its oldest entry when full
func (b *bucket) stash(n *node) {
	b.unstash(n.contact.ID)

	if len(b.cache) >= b.size {
		copy(b.cache, b.cache[1:])
		b.cache = b.cache[:len(b.cache)-1]
	}

	b.cache = append(b.cache, n)
}

func (b *bucket) unstash(id ID) {
	for i := range b.cache {
		if b.cache[i].contact.ID == id {
			copy(b.cache[i:], b.cache[i+1:])
			b.cache = b.cache[:len(b.cache)-1]
			return
		}
	}
}

func (b *bucket) len() int {
	return len(b.nodes)
}

func (b *bucket) full() bool {
	return len(b.nodes) >= b.size
}

// sortNeighbours sorts by distance ascending, breaking ties on the raw id bytes
func sortNeighbours(ns []Neighbour) {
	sort.Slice(ns, func(i, j int) bool {
		c := ns[i].Distance.Cmp(ns[j].Distance)
		if c != 0 {
			return c < 0
		}

		return bytes.Compare(ns[i].ID[:], ns[j].ID[:]) < 0
	})
}
