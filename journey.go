package dht

import (
	"sort"
	"sync"
)

// journey tracks the best candidates of an iterative lookup
// that have not been visited before
type journey struct {
	// id to skip, as its this node
	source ID
	// the target we want to arrive at
	destination ID
	// the maximum number of candidates held at once
	size int
	// a set of nodes we have already seen on this journey
	visited map[ID]struct{}
	// potential routes that we can send requests to
	nodes []Contact
	// the computed distances of each of the available routes
	distances []Distance
	// the closest distance to the destination seen so far
	best Distance
	// set once any candidate has been added
	started bool
	// nodes that have responded to us, and their distance to the destination
	responded []Neighbour
	// the remaining iterations we have to make
	remaining int
	mu        sync.Mutex
}

func newJourney(source, destination ID, size, iterations int) *journey {
	return &journey{
		source:      source,
		destination: destination,
		size:        size,
		visited:     make(map[ID]struct{}),
		nodes:       make([]Contact, 0, size),
		distances:   make([]Distance, 0, size),
		remaining:   iterations,
	}
}

// adds routes to our list of candidates. if they have been visited before
// on this journey, they will be skipped. it returns true if any of the
// contacts is closer to the destination than anything seen before
func (j *journey) add(contacts []Contact) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	var closer bool

	for _, c := range contacts {
		// don't add node if it exists, or it's this node
		if c.ID == j.source || c.Address == "" {
			continue
		}

		if _, ok := j.visited[c.ID]; ok {
			continue
		}

		d := distance(c.ID, j.destination)

		if !j.started || d.Cmp(j.best) < 0 {
			j.best = d
			j.started = true
			closer = true
		}

		// if the list isn't full, add it to the list
		if len(j.nodes) < j.size {
			j.visited[c.ID] = struct{}{}
			j.nodes = append(j.nodes, c)
			j.distances = append(j.distances, d)
			continue
		}

		// the list is full, so replace the furthest
		// candidate if this one is closer
		w := j.worst()
		if j.distances[w].Cmp(d) <= 0 {
			continue
		}

		// forget the replaced node, so it can be
		// offered again by another response
		delete(j.visited, j.nodes[w].ID)

		j.visited[c.ID] = struct{}{}
		j.nodes[w] = c
		j.distances[w] = d
	}

	return closer
}

// returns the next set of candidates to query, closest first. returns
// nil if there are none left or the iteration limit has been reached
func (j *journey) next(count int) []Contact {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.remaining < 1 || len(j.nodes) < 1 || count < 1 {
		return nil
	}

	j.remaining--

	if count > len(j.nodes) {
		count = len(j.nodes)
	}

	// sort to find the best possible routes
	sort.Sort(j)

	next := make([]Contact, count)
	copy(next, j.nodes[:count])

	// remove the nodes/distances from our list of routes
	j.nodes = append(j.nodes[:0], j.nodes[count:]...)
	j.distances = append(j.distances[:0], j.distances[count:]...)

	return next
}

// reply records a contact that answered one of our requests
func (j *journey) reply(c Contact) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.responded {
		if j.responded[i].Contact.Equal(c) {
			return
		}
	}

	// a node may answer under a different id than the one we were told about
	j.visited[c.ID] = struct{}{}

	j.responded = append(j.responded, Neighbour{
		Contact:  c,
		Distance: distance(c.ID, j.destination),
	})
}

// result returns the closest contacts that responded during the journey
func (j *journey) result(count int) []Contact {
	j.mu.Lock()
	ns := make([]Neighbour, len(j.responded))
	copy(ns, j.responded)
	j.mu.Unlock()

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

func (j *journey) worst() int {
	var w int

	for i := 1; i < len(j.distances); i++ {
		if j.distances[i].Cmp(j.distances[w]) > 0 {
			w = i
		}
	}

	return w
}

// Len returns the length of the available routes
func (j *journey) Len() int {
	return len(j.nodes)
}

// Swap swaps the available routes and their distances from the target/destination
func (j *journey) Swap(x, y int) {
	j.nodes[x], j.nodes[y] = j.nodes[y], j.nodes[x]
	j.distances[x], j.distances[y] = j.distances[y], j.distances[x]
}

// Less returns true if x distance is closer to the destination than y
func (j *journey) Less(x, y int) bool {
	return j.distances[x].Cmp(j.distances[y]) < 0
}
