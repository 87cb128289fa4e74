package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	flatbuffers "github.com/google/flatbuffers/go"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoNodes returned when there are no nodes to send a request to
	ErrNoNodes = errors.New("no nodes found")
	// ErrValueNotFound returned when no node holds a value for a key
	ErrValueNotFound = errors.New("value not found")
	// ErrClosed returned when using a dht that has been closed
	ErrClosed = errors.New("dht closed")

	// stops a lookup once a value has been found
	errValueFound = errors.New("value found")
)

// DHT represents the distributed hash table
type DHT struct {
	// config used for the dht
	config *Config
	// the contact other nodes reach this node on
	local Contact
	// routing table that stores routing information about the network
	routing *routingTable
	// udp socket and pending requests
	transport *transport
	// sends requests to other nodes
	client *client
	// handles requests from other nodes
	listener *listener
	// storage for values that saved to this node
	storage Storage
	// set when the storage was created by the dht and needs closing
	owned *storage
	// pool of flatbuffer builder bufs to use when encoding messages
	pool   sync.Pool
	stats  *stats
	logger logrus.FieldLogger
	// cancelled when the dht is closed
	ctx    context.Context
	cancel context.CancelFunc
	// background tasks such as the refresh loop
	tasks   sync.WaitGroup
	started sync.Once
	running atomic.Bool
	closed  atomic.Bool
	once    sync.Once
}

// New creates a new dht and binds its socket. The node does
// not process any requests until Start is called
func New(config *Config) (*DHT, error) {
	// defaults are applied to a copy, so a config can be reused
	c := *config
	cfg := &c

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	var owned *storage

	if cfg.Storage == nil {
		owned = newStorage()
		cfg.Storage = owned
	}

	cfg.setDefaults()

	st := newStats(cfg.Metrics)

	t, err := newTransport(cfg, st)
	if err != nil {
		if owned != nil {
			owned.close()
		}
		return nil, err
	}

	local := NewContact(t.address)

	if cfg.LocalID != nil {
		local.ID, _ = NewID(cfg.LocalID)
	}

	seeds := make([]Contact, 0, len(cfg.BootstrapAddresses))

	for _, address := range cfg.BootstrapAddresses {
		seeds = append(seeds, NewContact(address))
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &DHT{
		config:    cfg,
		local:     local,
		routing:   newRoutingTable(local, cfg.BucketSize, seeds...),
		transport: t,
		client:    newClient(t, requestOptions{timeout: cfg.Timeout}),
		storage:   cfg.Storage,
		owned:     owned,
		stats:     st,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		pool: sync.Pool{
			New: func() any {
				return flatbuffers.NewBuilder(1024)
			},
		},
	}

	d.listener = newListener(t, d, cfg, st)

	return d, nil
}

// Start starts processing requests and joins the network through the
// configured bootstrap nodes. It only fails if every bootstrap node fails
func (d *DHT) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.started.Do(func() {
		d.running.Store(true)
		go d.listener.process()

		d.logger.WithFields(logrus.Fields{
			"function": "Start",
			"id":       d.local.ID.String(),
			"address":  d.local.Address,
		}).Info("Node started")

		if d.config.RefreshInterval > 0 {
			d.tasks.Add(1)
			go d.refresh(d.config.RefreshInterval)
		}
	})

	return d.join(ctx, d.routing.seeds())
}

// Bootstrap joins the network through the node at the given address. The
// node is asked for the contacts closest to this node, which are then used
// to look up this node's own id, populating the routing table along the way
func (d *DHT) Bootstrap(ctx context.Context, address string) error {
	var seed Contact
	var contacts []Contact

	op := func() error {
		id, m, err := d.request(ctx, address, &FindNode{Target: d.local.ID})
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			d.logger.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"address":  address,
				"error":    err.Error(),
			}).Warn("Bootstrap request failed, retrying")

			return err
		}

		nodes, ok := m.(*Nodes)
		if !ok {
			return backoff.Permanent(fmt.Errorf("%w: unexpected %T response to find node", ErrMalformedMessage, m))
		}

		seed = Contact{ID: id, Address: address}
		contacts = nodes.Contacts

		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.config.BootstrapRetries)),
		ctx,
	)

	err := backoff.Retry(op, b)
	if err != nil {
		return fmt.Errorf("bootstrap through %s failed: %w", address, err)
	}

	d.routing.addSeed(seed)

	_, _, err = d.lookup(ctx, d.local.ID, false, contacts...)
	if err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"address":  address,
		"contacts": d.routing.size(),
	}).Info("Joined network")

	return nil
}

// Ping checks that a node is alive, returning its contact
func (d *DHT) Ping(ctx context.Context, address string) (Contact, error) {
	id, m, err := d.request(ctx, address, &Ping{})
	if err != nil {
		return Contact{}, err
	}

	if _, ok := m.(*Pong); !ok {
		return Contact{}, fmt.Errorf("%w: unexpected %T response to ping", ErrMalformedMessage, m)
	}

	return Contact{ID: id, Address: address}, nil
}

// FindNode looks up the contacts closest to the target
func (d *DHT) FindNode(ctx context.Context, target ID) ([]Contact, error) {
	if d.routing.size() < 1 {
		return nil, ErrNoNodes
	}

	cs, _, err := d.lookup(ctx, target, false)
	if err != nil {
		return nil, err
	}

	if len(cs) < 1 {
		return nil, ErrNoNodes
	}

	return cs, nil
}

// Store a value on the nodes closest to its key. The store succeeds if at
// least one node stores the value. If there are no other nodes on the network,
// the value is only stored locally
func (d *DHT) Store(ctx context.Context, key ID, value []byte, ttl time.Duration) error {
	if d.closed.Load() {
		return ErrClosed
	}

	if ttl <= 0 {
		return errors.New("ttl must be greater than zero")
	}

	if d.routing.size() < 1 {
		d.storage.Set(key, value, time.Now().Add(ttl))
		return nil
	}

	cs, _, err := d.lookup(ctx, key, false)
	if err != nil {
		return err
	}

	// keep a copy if this node is one of the closest to the key
	if len(cs) < d.config.BucketSize || distance(d.local.ID, key).Cmp(distance(cs[len(cs)-1].ID, key)) < 0 {
		d.storage.Set(key, value, time.Now().Add(ttl))
	}

	if len(cs) < 1 {
		return ErrNoNodes
	}

	var acks atomic.Int32
	var lastErr error
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Alpha)

	for _, c := range cs {
		c := c
		g.Go(func() error {
			_, m, err := d.request(gctx, c.Address, &Store{Key: key, Value: value, TTL: ttl})
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}

			if ack, ok := m.(*StoreAck); ok && ack.Key == key {
				acks.Add(1)
			}

			return nil
		})
	}

	g.Wait()

	if acks.Load() < 1 {
		if lastErr != nil {
			return fmt.Errorf("failed to store value: %w", lastErr)
		}
		return errors.New("failed to store value: no node acknowledged the store")
	}

	return nil
}

// Find finds a value on the network if it exists
func (d *DHT) Find(ctx context.Context, key ID) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	value, ok := d.storage.Get(key)
	if ok {
		return value, nil
	}

	if d.routing.size() < 1 {
		return nil, ErrValueNotFound
	}

	_, value, err := d.lookup(ctx, key, true)
	if err != nil {
		return nil, err
	}

	if value == nil {
		return nil, ErrValueNotFound
	}

	return value, nil
}

// ClosestNodes returns the n closest contacts to the target held in the routing table
func (d *DHT) ClosestNodes(target ID, n int) []Neighbour {
	return d.routing.closestN(target, n)
}

// Contact returns the contact of this node
func (d *DHT) Contact() Contact {
	return d.local
}

// Metrics returns the registry the dht's metrics are registered with
func (d *DHT) Metrics() metrics.Registry {
	return d.config.Metrics
}

// Done returns a channel that is closed once the node has stopped processing requests
func (d *DHT) Done() <-chan struct{} {
	return d.listener.done
}

// Close shuts down the dht
func (d *DHT) Close() error {
	var err error

	d.once.Do(func() {
		d.closed.Store(true)
		d.cancel()

		err = d.transport.close()

		if d.running.Load() {
			<-d.listener.done
		}

		d.tasks.Wait()

		if d.owned != nil {
			d.owned.close()
		}

		d.logger.WithFields(logrus.Fields{
			"function": "Close",
			"address":  d.local.Address,
		}).Info("Node stopped")
	})

	return err
}

// join bootstraps through every seed, failing only if all of them fail
func (d *DHT) join(ctx context.Context, seeds []Contact) error {
	if len(seeds) < 1 {
		return nil
	}

	var errs []error

	for _, s := range seeds {
		err := d.Bootstrap(ctx, s.Address)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"function": "join",
				"address":  s.Address,
				"error":    err.Error(),
			}).Error("Bootstrap failed")

			errs = append(errs, err)
		}
	}

	if len(errs) == len(seeds) {
		return fmt.Errorf("bootstrapping failed: %w", errors.Join(errs...))
	}

	return nil
}

// refresh keeps the routing table populated. if the table is empty the
// node rejoins through its seeds, otherwise a random id is looked up
func (d *DHT) refresh(interval time.Duration) {
	defer d.tasks.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
		}

		var err error

		if d.routing.size() < 1 {
			err = d.join(d.ctx, d.routing.seeds())
		} else {
			_, _, err = d.lookup(d.ctx, RandomID(), false)
		}

		if err != nil && d.ctx.Err() == nil {
			d.logger.WithFields(logrus.Fields{
				"function": "refresh",
				"error":    err.Error(),
			}).Warn("Routing table refresh failed")
		}
	}
}

// lookup iteratively queries the nodes closest to the target. each round
// queries up to alpha of the best unvisited candidates. when a round finds
// nothing closer, the remaining candidates are queried in a final round.
// if findValue is set, the lookup stops as soon as a node returns the value
func (d *DHT) lookup(ctx context.Context, target ID, findValue bool, seeds ...Contact) ([]Contact, []byte, error) {
	j := newJourney(d.local.ID, target, d.config.BucketSize, d.config.MaxIterations)

	j.add(d.routing.closestContacts(target, d.config.BucketSize))
	j.add(seeds)

	var value []byte
	var mu sync.Mutex

	count := d.config.Alpha

	for {
		batch := j.next(count)
		if len(batch) < 1 {
			break
		}

		var closer atomic.Bool

		g, gctx := errgroup.WithContext(ctx)

		for _, c := range batch {
			c := c
			g.Go(func() error {
				var m Message = &FindNode{Target: target}
				if findValue {
					m = &FindValue{Key: target}
				}

				id, resp, err := d.request(gctx, c.Address, m)
				if err != nil {
					if errors.Is(err, ErrRequestTimeout) {
						d.routing.remove(c.ID)
					}

					if errors.Is(err, ErrClosed) {
						return err
					}

					d.logger.WithFields(logrus.Fields{
						"function": "lookup",
						"address":  c.Address,
						"error":    err.Error(),
					}).Debug("Lookup request failed")

					return nil
				}

				j.reply(Contact{ID: id, Address: c.Address})

				switch r := resp.(type) {
				case *Nodes:
					if j.add(r.Contacts) {
						closer.Store(true)
					}
				case *Value:
					if findValue && r.Key == target {
						mu.Lock()
						value = r.Value
						mu.Unlock()
						return errValueFound
					}
				}

				return nil
			})
		}

		err := g.Wait()
		if errors.Is(err, errValueFound) {
			return j.result(d.config.BucketSize), value, nil
		}

		if err != nil {
			return nil, nil, err
		}

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		if closer.Load() {
			count = d.config.Alpha
			continue
		}

		// nothing closer was found, so finish by
		// querying all of the remaining candidates
		if count == d.config.BucketSize {
			break
		}

		count = d.config.BucketSize
	}

	return j.result(d.config.BucketSize), nil, nil
}

// request sends a message to a node and waits for its reply. the
// replying node is added to the routing table
func (d *DHT) request(ctx context.Context, address string, m Message) (ID, Message, error) {
	if d.closed.Load() {
		return ID{}, nil, ErrClosed
	}

	buf := d.pool.Get().(*flatbuffers.Builder)
	payload := encodeMessage(buf, d.local.ID, m)
	d.pool.Put(buf)

	r, err := d.client.request(&Datagram{
		Kind:        KindRequest,
		Source:      d.local.Address,
		Destination: address,
		Payload:     payload,
	})

	if err != nil {
		return ID{}, nil, err
	}

	resp, err := r.WaitContext(ctx)
	if err != nil {
		return ID{}, nil, err
	}

	if resp == nil {
		if d.closed.Load() {
			return ID{}, nil, ErrClosed
		}
		return ID{}, nil, fmt.Errorf("%w: %s", ErrRequestTimeout, address)
	}

	id, reply, err := decodeMessage(resp.Payload)
	if err != nil {
		return ID{}, nil, err
	}

	if !isResponse(reply) {
		return ID{}, nil, fmt.Errorf("%w: %T received as a response", ErrMalformedMessage, reply)
	}

	d.routing.update(Contact{ID: id, Address: address})

	return id, reply, nil
}

// handleRequest answers a request from another node
func (d *DHT) handleRequest(dg *Datagram) ([]byte, error) {
	sender, m, err := decodeMessage(dg.Payload)
	if err != nil {
		return nil, err
	}

	d.routing.update(Contact{ID: sender, Address: dg.Source})

	var resp Message

	switch v := m.(type) {
	case *Ping:
		resp = &Pong{}
	case *Store:
		if v.TTL <= 0 {
			return nil, fmt.Errorf("%w: store with a ttl of %s", ErrMalformedMessage, v.TTL)
		}
		d.storage.Set(v.Key, v.Value, time.Now().Add(v.TTL))
		resp = &StoreAck{Key: v.Key}
	case *FindNode:
		resp = &Nodes{Contacts: d.routing.closestContacts(v.Target, d.config.BucketSize)}
	case *FindValue:
		value, ok := d.storage.Get(v.Key)
		if ok {
			resp = &Value{Key: v.Key, Value: value}
		} else {
			resp = &Nodes{Contacts: d.routing.closestContacts(v.Key, d.config.BucketSize)}
		}
	case *Pong, *StoreAck, *Nodes, *Value:
		return nil, fmt.Errorf("%w: %T received as a request", ErrMalformedMessage, m)
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrMalformedMessage, m)
	}

	buf := d.pool.Get().(*flatbuffers.Builder)
	defer d.pool.Put(buf)

	return encodeMessage(buf, d.local.ID, resp), nil
}

// Kill asks the node at the given address to stop processing requests.
// Nodes only honour kill datagrams sent from a loopback address
func (d *DHT) Kill(address string) error {
	if d.closed.Load() {
		return ErrClosed
	}

	_, err := d.client.request(&Datagram{
		Kind:        KindKill,
		Token:       "kill",
		Source:      d.local.Address,
		Destination: address,
	})

	return err
}
