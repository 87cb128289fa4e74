package dht

import (
	"errors"
	"fmt"
	"net"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout the default amount of time to wait for a response
	DefaultTimeout = 8 * time.Second
	// DefaultReceiveBufferSize the default size of the buffer used to read from the socket
	DefaultReceiveBufferSize = 8192
)

// Config configuration parameters for the dht
type Config struct {
	// LocalID the id of this node. If not specified, the id is derived from the advertised address
	LocalID []byte
	// ListenAddress the udp ip and port to listen on. This is also the address advertised
	// to other nodes, unless AdvertiseAddress is set
	ListenAddress string
	// AdvertiseAddress the udp ip and port other nodes reach this node on. Required when
	// listening on an unspecified address such as 0.0.0.0
	AdvertiseAddress string
	// BootstrapAddresses the udp ip and port of the bootstrap nodes
	BootstrapAddresses []string
	// Timeout the amount of time before a request is considered unanswered
	Timeout time.Duration
	// Storage implementation to use for storing key value pairs
	Storage Storage
	// SocketBufferSize sets the size of the udp sockets send and receive buffer
	SocketBufferSize int
	// ReceiveBufferSize the size of the buffer each packet is read into
	ReceiveBufferSize int
	// ReuseAddress sets SO_REUSEADDR on the udp socket
	ReuseAddress bool
	// BucketSize the number of contacts held by each bucket
	BucketSize int
	// Alpha the number of concurrent requests made during each round of a lookup
	Alpha int
	// MaxIterations the maximum number of rounds made by a lookup
	MaxIterations int
	// MaxConcurrentHandlers the maximum number of requests and responses processed at once
	MaxConcurrentHandlers int
	// BootstrapRetries the number of times a bootstrap node is retried before giving up
	BootstrapRetries int
	// RefreshInterval how often the routing table is refreshed. Zero disables refreshing
	RefreshInterval time.Duration
	// Logger the logger to use. Defaults to the logrus standard logger
	Logger logrus.FieldLogger
	// Metrics the registry that metrics are registered with
	Metrics metrics.Registry
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address must be specified")
	}

	host, _, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if c.AdvertiseAddress == "" {
		ip := net.ParseIP(host)
		if host == "" || ip != nil && ip.IsUnspecified() {
			return errors.New("advertise address must be specified when listening on an unspecified address")
		}
	} else if _, _, err := net.SplitHostPort(c.AdvertiseAddress); err != nil {
		return fmt.Errorf("invalid advertise address: %w", err)
	}

	if c.LocalID != nil && len(c.LocalID) != KEY_BYTES {
		return ErrInvalidIDLength
	}

	if c.ReceiveBufferSize != 0 && c.ReceiveBufferSize < MaxPacketSize {
		return errors.New("receive buffer size is smaller than the maximum packet size")
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Timeout.Nanoseconds() == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}

	if c.BucketSize < 1 {
		c.BucketSize = K
	}

	if c.Alpha < 1 {
		c.Alpha = 3
	}

	if c.MaxIterations < 1 {
		c.MaxIterations = K
	}

	if c.MaxConcurrentHandlers < 1 {
		c.MaxConcurrentHandlers = 256
	}

	if c.BootstrapRetries < 1 {
		c.BootstrapRetries = 3
	}

	if c.Storage == nil {
		c.Storage = newStorage()
	}

	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
}
