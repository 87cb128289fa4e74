package dht

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDHT(t testing.TB, address string, bootstrap ...string) *DHT {
	logger, _ := test.NewNullLogger()

	d, err := New(&Config{
		ListenAddress:      address,
		BootstrapAddresses: bootstrap,
		Timeout:            time.Second,
		Logger:             logger,
	})

	require.Nil(t, err)

	t.Cleanup(func() {
		d.Close()
	})

	return d
}

func TestDHTNew(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)

	_, err = New(&Config{ListenAddress: "127.0.0.1:9000", LocalID: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrInvalidIDLength)

	// the id is derived from the listen address
	d := newTestDHT(t, "127.0.0.1:9000")
	assert.Equal(t, NewContact("127.0.0.1:9000"), d.Contact())

	// unless one is provided
	id := RandomID()

	d2, err := New(&Config{ListenAddress: "127.0.0.1:9001", LocalID: id[:]})
	require.Nil(t, err)
	defer d2.Close()

	assert.Equal(t, id, d2.Contact().ID)
	assert.NotNil(t, d2.Metrics())
}

func TestDHTNewCopiesConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()

	cfg := &Config{
		ListenAddress: "127.0.0.1:0",
		Logger:        logger,
	}

	a, err := New(cfg)
	require.Nil(t, err)
	defer a.Close()

	// the callers config is left untouched
	assert.Nil(t, cfg.Storage)
	assert.Nil(t, cfg.Metrics)
	assert.Zero(t, cfg.Timeout)

	b, err := New(cfg)
	require.Nil(t, err)
	defer b.Close()

	// a reused config does not share state between nodes
	assert.NotSame(t, a.Metrics(), b.Metrics())
	assert.NotSame(t, a.storage, b.storage)

	key := HashKey([]byte("block:1"))
	require.Nil(t, a.Store(context.Background(), key, []byte("this is a test"), time.Hour))

	_, err = b.Find(context.Background(), key)
	assert.ErrorIs(t, err, ErrValueNotFound)
}

func TestDHTUnspecifiedListenAddress(t *testing.T) {
	for _, address := range []string{"0.0.0.0:9300", "[::]:9300", ":9300"} {
		_, err := New(&Config{ListenAddress: address})
		assert.Error(t, err, address)
	}

	logger, _ := test.NewNullLogger()

	a, err := New(&Config{
		ListenAddress:    "0.0.0.0:9300",
		AdvertiseAddress: "127.0.0.1:9300",
		Timeout:          time.Second,
		Logger:           logger,
	})

	require.Nil(t, err)
	defer a.Close()

	assert.Equal(t, NewContact("127.0.0.1:9300"), a.Contact())

	b := newTestDHT(t, "127.0.0.1:9301")

	require.Nil(t, a.Start(context.Background()))
	require.Nil(t, b.Start(context.Background()))

	// requests sent from a node listening on all interfaces are accepted by its peers
	c, err := a.Ping(context.Background(), "127.0.0.1:9301")
	require.Nil(t, err)
	assert.Equal(t, b.Contact(), c)

	c, err = b.Ping(context.Background(), "127.0.0.1:9300")
	require.Nil(t, err)
	assert.Equal(t, a.Contact(), c)
}

func TestDHTStoreFindLocal(t *testing.T) {
	d := newTestDHT(t, "127.0.0.1:9002")
	require.Nil(t, d.Start(context.Background()))

	key := HashKey([]byte("block:1"))

	// with no other nodes, values are only stored locally
	err := d.Store(context.Background(), key, []byte("this is a test"), time.Hour)
	require.Nil(t, err)

	v, err := d.Find(context.Background(), key)
	require.Nil(t, err)
	assert.Equal(t, []byte("this is a test"), v)

	_, err = d.Find(context.Background(), HashKey([]byte("block:2")))
	assert.ErrorIs(t, err, ErrValueNotFound)

	err = d.Store(context.Background(), key, []byte("this is a test"), 0)
	assert.Error(t, err)

	_, err = d.FindNode(context.Background(), key)
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestDHTPing(t *testing.T) {
	a := newTestDHT(t, "127.0.0.1:9003")
	b := newTestDHT(t, "127.0.0.1:9004")

	require.Nil(t, a.Start(context.Background()))
	require.Nil(t, b.Start(context.Background()))

	c, err := a.Ping(context.Background(), "127.0.0.1:9004")
	require.Nil(t, err)
	assert.Equal(t, b.Contact(), c)

	// both nodes have learnt about each other
	_, ok := a.routing.get(b.Contact().ID)
	assert.True(t, ok)

	_, ok = b.routing.get(a.Contact().ID)
	assert.True(t, ok)

	ns := a.ClosestNodes(b.Contact().ID, 1)
	require.Len(t, ns, 1)
	assert.True(t, ns[0].Distance.IsZero())
}

func TestDHTPingTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()

	d, err := New(&Config{
		ListenAddress: "127.0.0.1:9005",
		Timeout:       time.Millisecond * 100,
		Logger:        logger,
	})

	require.Nil(t, err)
	defer d.Close()

	require.Nil(t, d.Start(context.Background()))

	_, err = d.Ping(context.Background(), "127.0.0.1:9006")
	assert.ErrorIs(t, err, ErrRequestTimeout)

	// cancelling the context stops waiting
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Ping(ctx, "127.0.0.1:9006")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDHTRoutingTableBuilding(t *testing.T) {
	bootstrap := newTestDHT(t, "127.0.0.1:1432")
	require.Nil(t, bootstrap.Start(context.Background()))

	nodes := []*DHT{bootstrap}

	for _, port := range []int{1430, 1431, 1433} {
		n := newTestDHT(t, fmt.Sprintf("127.0.0.1:%d", port), "127.0.0.1:1432")
		require.Nil(t, n.Start(context.Background()))

		nodes = append(nodes, n)
	}

	// every node has learnt about every other node
	for _, n := range nodes {
		assert.Eventually(t, func() bool {
			return n.routing.size() == len(nodes)-1
		}, time.Second*5, time.Millisecond*10, "node %s", n.Contact().Address)

		for _, o := range nodes {
			if o == n {
				continue
			}

			_, ok := n.routing.get(o.Contact().ID)
			assert.True(t, ok)
		}
	}

	// the bootstrap node is recorded as a seed under the id it answered with
	assert.Equal(t, []Contact{bootstrap.Contact()}, nodes[1].routing.seeds())

	cs, err := nodes[1].FindNode(context.Background(), nodes[3].Contact().ID)
	require.Nil(t, err)
	require.NotEmpty(t, cs)
	assert.Equal(t, nodes[3].Contact(), cs[0])

	// shut the network down
	killer := newTestDHT(t, "127.0.0.1:0")

	for _, n := range nodes {
		require.Nil(t, killer.Kill(n.Contact().Address))
	}

	for _, n := range nodes {
		select {
		case <-n.Done():
		case <-time.After(time.Second):
			t.Fatalf("node %s did not stop", n.Contact().Address)
		}
	}
}

func TestDHTStoreFind(t *testing.T) {
	bootstrap := newTestDHT(t, "127.0.0.1:9010")
	require.Nil(t, bootstrap.Start(context.Background()))

	nodes := []*DHT{bootstrap}

	for i := 1; i < 6; i++ {
		n := newTestDHT(t, fmt.Sprintf("127.0.0.1:%d", 9010+i), "127.0.0.1:9010")
		require.Nil(t, n.Start(context.Background()))

		nodes = append(nodes, n)
	}

	for i := 0; i < 10; i++ {
		key := HashKey([]byte(fmt.Sprintf("block:%d", i)))
		value := []byte(fmt.Sprintf("this is a test %d", i))

		err := nodes[i%len(nodes)].Store(context.Background(), key, value, time.Hour)
		require.Nil(t, err)

		v, err := nodes[(i+3)%len(nodes)].Find(context.Background(), key)
		require.Nil(t, err)
		assert.Equal(t, value, v)
	}

	_, err := nodes[2].Find(context.Background(), HashKey([]byte("missing")))
	assert.ErrorIs(t, err, ErrValueNotFound)
}

func TestDHTBootstrapFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()

	d, err := New(&Config{
		ListenAddress:      "127.0.0.1:9020",
		BootstrapAddresses: []string{"127.0.0.1:9021"},
		Timeout:            time.Millisecond * 100,
		BootstrapRetries:   1,
		Logger:             logger,
	})

	require.Nil(t, err)
	defer d.Close()

	err = d.Start(context.Background())
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestDHTRemovesUnresponsiveNodes(t *testing.T) {
	logger, _ := test.NewNullLogger()

	d, err := New(&Config{
		ListenAddress: "127.0.0.1:9022",
		Timeout:       time.Millisecond * 100,
		Logger:        logger,
	})

	require.Nil(t, err)
	defer d.Close()

	require.Nil(t, d.Start(context.Background()))

	dead := NewContact("127.0.0.1:9023")
	d.routing.update(dead)

	_, err = d.FindNode(context.Background(), RandomID())
	assert.ErrorIs(t, err, ErrNoNodes)

	_, ok := d.routing.get(dead.ID)
	assert.False(t, ok)
}

func TestDHTClose(t *testing.T) {
	d := newTestDHT(t, "127.0.0.1:9024")
	require.Nil(t, d.Start(context.Background()))

	require.Nil(t, d.Close())
	require.Nil(t, d.Close())

	select {
	case <-d.Done():
	default:
		t.Fatal("receive loop still running")
	}

	_, err := d.Ping(context.Background(), "127.0.0.1:9003")
	assert.ErrorIs(t, err, ErrClosed)

	err = d.Store(context.Background(), RandomID(), []byte("this is a test"), time.Hour)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = d.Find(context.Background(), RandomID())
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, d.Start(context.Background()), ErrClosed)
}

func BenchmarkDHTStoreLocal(b *testing.B) {
	d := newTestDHT(b, "127.0.0.1:9025")

	value := []byte("this is a test")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		d.Store(context.Background(), RandomID(), value, time.Hour)
	}
}
