package dht

import (
	"errors"

	"github.com/google/uuid"
)

const (
	// MaxTokenLength the maximum length of a request token
	MaxTokenLength = 255
)

var (
	// ErrInvalidKind returned when a datagram of the wrong kind is sent as a request
	ErrInvalidKind = errors.New("datagram kind cannot be sent as a request")
	// ErrTokenTooLong returned when a request token exceeds MaxTokenLength
	ErrTokenTooLong = errors.New("token is too long")
)

// client sends requests and tracks their responses
type client struct {
	transport *transport
	// the default amount of time to wait for a response
	options requestOptions
}

func newClient(t *transport, o requestOptions) *client {
	return &client{
		transport: t,
		options:   o,
	}
}

// request sends a datagram and returns a handle to its response. if the datagram
// has no token, a random one is generated. kill datagrams are sent without
// waiting for a response and return an already resolved handle
func (c *client) request(d *Datagram, opts ...RequestOption) (*Response, error) {
	o := c.options

	for _, opt := range opts {
		opt(&o)
	}

	// take a copy so the callers datagram is left untouched
	req := *d

	if o.token != "" {
		req.Token = o.token
	}

	switch req.Kind {
	case KindKill:
		return resolvedResponse(nil), c.transport.send(&req)
	case KindRequest:
	case KindResponse:
		return nil, ErrInvalidKind
	default:
		return nil, ErrInvalidKind
	}

	if req.Token == "" {
		req.Token = uuid.NewString()
	} else if len(req.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}

	// register the request before sending it, so a fast
	// response can't arrive before we're waiting for it
	r, err := c.transport.register(req.Token, req.Destination, o.timeout)
	if err != nil {
		return nil, err
	}

	err = c.transport.send(&req)
	if err != nil {
		c.transport.cache.remove(r)
		return nil, err
	}

	return r, nil
}
