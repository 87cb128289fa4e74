package dht

import "time"

// RequestOption configures a single request
type RequestOption func(o *requestOptions)

type requestOptions struct {
	timeout time.Duration
	token   string
}

// WithTimeout overrides the configured timeout for a request
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// WithToken sets the token a request is sent with. Tokens must be
// unique across all requests that are waiting for a response
func WithToken(token string) RequestOption {
	return func(o *requestOptions) {
		o.token = token
	}
}
