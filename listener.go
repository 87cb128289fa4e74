package dht

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// requestHandler produces the response payload for a request
type requestHandler interface {
	handleRequest(d *Datagram) ([]byte, error)
}

// a udp socket listener that processes incoming packets
type listener struct {
	transport *transport
	// handles requests sent to this node
	handler requestHandler
	// limits the number of datagrams handled at once
	sem *semaphore.Weighted
	// tracks the requests and responses being handled
	inflight sync.WaitGroup
	// the size of the buffer packets are read into
	bufferSize int
	// cancelled when the listener stops
	ctx    context.Context
	cancel context.CancelFunc
	// closed once the receive loop has exited
	done   chan struct{}
	logger logrus.FieldLogger
	stats  *stats
}

func newListener(t *transport, handler requestHandler, cfg *Config, st *stats) *listener {
	ctx, cancel := context.WithCancel(context.Background())

	return &listener{
		transport:  t,
		handler:    handler,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentHandlers)),
		bufferSize: cfg.ReceiveBufferSize,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     cfg.Logger,
		stats:      st,
	}
}

// process runs the receive loop until the socket is closed or a kill datagram is received
func (l *listener) process() {
	defer close(l.done)
	defer l.cancel()

	// buffer maximum udp payload
	b := make([]byte, l.bufferSize)

	for {
		rb, addr, err := l.transport.conn.ReadFromUDP(b)
		if err != nil {
			if isClosed(err) {
				l.inflight.Wait()
				return
			}

			l.logger.WithFields(logrus.Fields{
				"function": "process",
				"error":    err.Error(),
			}).Error("Failed to receive data")

			continue
		}

		l.stats.received.Inc(1)

		d := l.read(addr, b[:rb])
		if d == nil {
			continue
		}

		l.logger.WithFields(logrus.Fields{
			"function": "process",
			"kind":     d.Kind.String(),
			"token":    d.Token,
			"source":   d.Source,
		}).Debug("Received datagram")

		switch d.Kind {
		case KindRequest:
			l.spawn(func() {
				l.request(d)
			})
		case KindResponse:
			l.spawn(func() {
				l.transport.resolve(d)
			})
		case KindKill:
			if !addr.IP.IsLoopback() {
				l.drop(addr, "Kill datagram from a non loopback address, ignoring")
				continue
			}

			l.logger.WithFields(logrus.Fields{
				"function": "process",
				"source":   d.Source,
			}).Info("Kill datagram received, stopping receive loop")

			l.inflight.Wait()

			return
		default:
			l.drop(addr, "Unknown datagram kind, ignoring")
		}
	}
}

// read assembles and validates a datagram. it returns nil if the
// datagram is incomplete or should be dropped
func (l *listener) read(addr *net.UDPAddr, data []byte) *Datagram {
	event, err := l.transport.packets.assemble(addr.String(), data)
	if err != nil {
		l.drop(addr, "Unable to assemble fragment", err)
		return nil
	}

	if event == nil {
		// waiting on more fragments
		return nil
	}

	d, err := unmarshalDatagram(event)
	if err != nil {
		l.drop(addr, "Unable to decode datagram", err)
		return nil
	}

	if !l.transport.isLocal(d.Destination) {
		l.drop(addr, "Destination address doesn't match node address, ignoring")
		return nil
	}

	if !sameAddress(d.Source, addr) {
		l.drop(addr, "Source address doesn't match socket address, ignoring")
		return nil
	}

	d.Source = addr.String()

	return d
}

// spawn runs a task without blocking the receive loop
func (l *listener) spawn(fn func()) {
	l.inflight.Add(1)

	go func() {
		defer l.inflight.Done()

		if err := l.sem.Acquire(l.ctx, 1); err != nil {
			return
		}
		defer l.sem.Release(1)

		fn()
	}()
}

// request handles a request and replies to its sender
func (l *listener) request(d *Datagram) {
	payload, err := l.handler.handleRequest(d)
	if err != nil {
		l.stats.dropped.Inc(1)

		l.logger.WithFields(logrus.Fields{
			"function": "request",
			"token":    d.Token,
			"source":   d.Source,
			"error":    err.Error(),
		}).Warn("Failed to handle request")

		return
	}

	err = l.transport.send(&Datagram{
		Kind:        KindResponse,
		Token:       d.Token,
		Source:      d.Destination,
		Destination: d.Source,
		Payload:     payload,
	})

	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"function": "request",
			"token":    d.Token,
			"source":   d.Source,
			"error":    err.Error(),
		}).Error("Failed to send response")
	}
}

func (l *listener) drop(addr *net.UDPAddr, msg string, err ...error) {
	l.stats.dropped.Inc(1)

	fields := logrus.Fields{
		"function": "process",
		"source":   addr.String(),
	}

	if len(err) > 0 {
		fields["error"] = err[0].Error()
	}

	l.logger.WithFields(fields).Warn(msg)
}
