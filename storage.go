package dht

import (
	"sync"
	"time"
)

// Storage stores the values this node is responsible for
type Storage interface {
	// Get returns the value stored for a key, if it exists and has not expired
	Get(key ID) ([]byte, bool)
	// Set stores a copy of a value until the expiry time
	Set(key ID, value []byte, expires time.Time)
}

type value struct {
	data []byte
	ttl  time.Time
}

// implement simple in memory storage
type storage struct {
	store map[ID]*value
	stop  chan struct{}
	once  sync.Once
	mu    sync.Mutex
}

func newStorage() *storage {
	s := &storage{
		store: make(map[ID]*value),
		stop:  make(chan struct{}),
	}

	go s.cleanup(time.Minute)

	return s
}

func (s *storage) Get(k ID) ([]byte, bool) {
	s.mu.Lock()
	v, ok := s.store[k]
	s.mu.Unlock()

	if !ok || time.Now().After(v.ttl) {
		return nil, false
	}

	return v.data, true
}

func (s *storage) Set(k ID, v []byte, ttl time.Time) {
	// we keep a copy of the value as it may be
	// read from a buffer that's going to be reused
	vc := make([]byte, len(v))
	copy(vc, v)

	s.mu.Lock()

	s.store[k] = &value{
		data: vc,
		ttl:  ttl,
	}

	s.mu.Unlock()
}

func (s *storage) close() {
	s.once.Do(func() {
		close(s.stop)
	})
}

func (s *storage) cleanup(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// scan the storage to check for values that have expired
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.mu.Lock()

			for k, v := range s.store {
				if now.After(v.ttl) {
					delete(s.store, k)
				}
			}

			s.mu.Unlock()
		}
	}
}
