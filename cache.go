package dht

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrRequestTimeout returned when a pending request has not recevied a response before the timeout
	ErrRequestTimeout = errors.New("request timeout")
	// ErrDuplicateToken returned when a request reuses the token of a request that is still pending
	ErrDuplicateToken = errors.New("token already has a pending request")
)

// Response is a handle to the eventual response of a request.
// It is resolved exactly once, either with the response datagram
// or with nil if no response arrived before the timeout
type Response struct {
	// the token of the request
	token string
	// the address the request was sent to
	destination string
	// the response, only safe to read once done is closed
	datagram *Datagram
	// closed when the request has been resolved
	done chan struct{}
	// fires when the request times out
	timer *time.Timer
	// when the request was registered
	created time.Time
}

func resolvedResponse(d *Datagram) *Response {
	r := &Response{
		datagram: d,
		done:     make(chan struct{}),
	}

	close(r.done)

	return r
}

// Token returns the token the request was sent with
func (r *Response) Token() string {
	return r.token
}

// Wait blocks until the request is resolved. It returns nil if no
// response was received. It can be called any number of times
func (r *Response) Wait() *Datagram {
	<-r.done
	return r.datagram
}

// WaitContext is Wait, but stops waiting when the context is done. Cancelling
// the context does not cancel the request, which still resolves or times out
func (r *Response) WaitContext(ctx context.Context) (*Datagram, error) {
	select {
	case <-r.done:
		return r.datagram, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cache tracks the requests that are waiting for a response
type cache struct {
	// pending requests keyed by their token
	requests map[string]*Response
	// called after a request has timed out
	expired func(r *Response)
	mu      sync.Mutex
}

func newCache(expired func(r *Response)) *cache {
	return &cache{
		requests: make(map[string]*Response),
		expired:  expired,
	}
}

// set registers a new pending request that will be resolved
// with no response once the timeout elapses
func (c *cache) set(token, destination string, timeout time.Duration) (*Response, error) {
	r := &Response{
		token:       token,
		destination: destination,
		done:        make(chan struct{}),
		created:     time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.requests[token]
	if ok {
		return nil, ErrDuplicateToken
	}

	c.requests[token] = r

	r.timer = time.AfterFunc(timeout, func() {
		if c.remove(r) {
			if c.expired != nil {
				c.expired(r)
			}
		}
	})

	return r, nil
}

// resolve delivers a response to the request with a matching token. a response
// is only accepted from the address the request was sent to. it returns false
// if there is no such pending request
func (c *cache) resolve(d *Datagram) (*Response, bool) {
	c.mu.Lock()

	r, ok := c.requests[d.Token]
	if !ok || !equalAddress(d.Source, r.destination) {
		c.mu.Unlock()
		return nil, false
	}

	delete(c.requests, d.Token)

	c.mu.Unlock()

	r.timer.Stop()
	r.datagram = d
	close(r.done)

	return r, true
}

// remove removes a request and resolves it with no response,
// if it has not already been resolved
func (c *cache) remove(r *Response) bool {
	c.mu.Lock()

	pr, ok := c.requests[r.token]
	if !ok || pr != r {
		c.mu.Unlock()
		return false
	}

	delete(c.requests, r.token)

	c.mu.Unlock()

	r.timer.Stop()
	close(r.done)

	return true
}

// has returns true if a request with the given token is pending
func (c *cache) has(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.requests[token]

	return ok
}

// len returns the number of pending requests
func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.requests)
}

// clear resolves all pending requests with no response
func (c *cache) clear() {
	c.mu.Lock()

	requests := c.requests
	c.requests = make(map[string]*Response)

	c.mu.Unlock()

	for _, r := range requests {
		r.timer.Stop()
		close(r.done)
	}
}
