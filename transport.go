package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// transport owns the udp socket of a node and
// the requests that are waiting for a response
type transport struct {
	// udp socket
	conn *net.UDPConn
	// the address the socket is bound to
	local *net.UDPAddr
	// the address advertised to other nodes
	address string
	// request cache
	cache *cache
	// fragments and reassembles events
	packets *packetManager
	// pool of flatbuffer builder bufs to use when sending datagrams
	pool   sync.Pool
	logger logrus.FieldLogger
	stats  *stats
	once   sync.Once
}

func newTransport(cfg *Config, st *stats) (*transport, error) {
	lc := net.ListenConfig{
		Control: control(cfg.SocketBufferSize, cfg.ReuseAddress),
	}

	c, err := lc.ListenPacket(context.Background(), "udp", cfg.ListenAddress)
	if err != nil {
		return nil, err
	}

	conn := c.(*net.UDPConn)
	local := conn.LocalAddr().(*net.UDPAddr)

	host, _, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		conn.Close()
		return nil, err
	}

	address := cfg.AdvertiseAddress
	if address == "" {
		address = net.JoinHostPort(host, strconv.Itoa(local.Port))
	}

	t := &transport{
		conn:    conn,
		local:   local,
		address: address,
		packets: newPacketManager(cfg.Timeout),
		logger:  cfg.Logger,
		stats:   st,
		pool: sync.Pool{
			New: func() any {
				return flatbuffers.NewBuilder(1024)
			},
		},
	}

	t.cache = newCache(func(r *Response) {
		t.stats.timeouts.Inc(1)

		t.logger.WithFields(logrus.Fields{
			"function":    "expired",
			"token":       r.token,
			"destination": r.destination,
		}).Debug("Request timed out")
	})

	return t, nil
}

// send serializes a datagram and writes it to its destination
func (t *transport) send(d *Datagram) error {
	to, err := net.ResolveUDPAddr("udp", d.Destination)
	if err != nil {
		t.stats.sendErrors.Inc(1)

		t.logger.WithFields(logrus.Fields{
			"function":    "send",
			"destination": d.Destination,
			"error":       err.Error(),
		}).Error("Invalid destination address")

		return fmt.Errorf("invalid destination address %q: %w", d.Destination, err)
	}

	// get a spare buffer to generate our datagram with
	buf := t.pool.Get().(*flatbuffers.Builder)
	defer t.pool.Put(buf)

	p, err := t.packets.fragment(d.marshal(buf))
	if err != nil {
		t.stats.sendErrors.Inc(1)
		return err
	}

	defer t.packets.done(p)

	for f := p.next(); f != nil; f = p.next() {
		_, err = t.conn.WriteToUDP(f, to)
		if err != nil {
			t.stats.sendErrors.Inc(1)

			t.logger.WithFields(logrus.Fields{
				"function":    "send",
				"kind":        d.Kind.String(),
				"token":       d.Token,
				"destination": d.Destination,
				"error":       err.Error(),
			}).Error("Failed to write datagram")

			return err
		}
	}

	t.stats.sent.Inc(1)

	t.logger.WithFields(logrus.Fields{
		"function":    "send",
		"kind":        d.Kind.String(),
		"token":       d.Token,
		"destination": d.Destination,
	}).Debug("Sent datagram")

	return nil
}

// register creates a pending request that can be resolved by a response with the same token
func (t *transport) register(token, destination string, timeout time.Duration) (*Response, error) {
	return t.cache.set(token, destination, timeout)
}

// resolve delivers a response to its pending request. unsolicited
// responses are logged and dropped
func (t *transport) resolve(d *Datagram) bool {
	r, ok := t.cache.resolve(d)
	if !ok {
		t.stats.unsolicited.Inc(1)

		t.logger.WithFields(logrus.Fields{
			"function": "resolve",
			"token":    d.Token,
			"source":   d.Source,
		}).Warn("Unsolicited response received, ignoring")

		return false
	}

	t.stats.latency.UpdateSince(r.created)

	return true
}

// isLocal returns true if an address refers to this node's socket
func (t *transport) isLocal(address string) bool {
	if address == t.address {
		return true
	}

	ra, err := net.ResolveUDPAddr("udp", address)
	if err != nil || ra.Port != t.local.Port {
		return false
	}

	if t.local.IP == nil || t.local.IP.IsUnspecified() {
		return true
	}

	return ra.IP.Equal(t.local.IP)
}

// close shuts down the socket, resolving all pending requests with no response
func (t *transport) close() error {
	var err error

	t.once.Do(func() {
		err = t.conn.Close()
		t.cache.clear()
		t.packets.close()
	})

	return err
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// control sets options on the socket before it is bound
func control(bufferSize int, reuse bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var err error

		cerr := c.Control(func(fd uintptr) {
			if reuse {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if err != nil {
					return
				}
			}

			if bufferSize > 0 {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufferSize)
				if err != nil {
					return
				}

				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufferSize)
			}
		})

		if cerr != nil {
			return cerr
		}

		return err
	}
}
