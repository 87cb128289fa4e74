package dht

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contacts(n int) []Contact {
	cs := make([]Contact, n)

	for i := range cs {
		cs[i] = NewContact(fmt.Sprintf("127.0.0.1:%d", 10000+i))
	}

	return cs
}

func TestBucketInsertAndGet(t *testing.T) {
	b := newBucket(20)

	cs := contacts(100)

	for i := range cs {
		inserted := b.insert(cs[i])
		assert.Equal(t, i < 20, inserted)
	}

	assert.Equal(t, 20, b.len())
	assert.True(t, b.full())

	for i := range cs {
		c, ok := b.get(cs[i].ID)
		assert.Equal(t, i < 20, ok, "contact %d", i)

		if ok {
			assert.Equal(t, cs[i], c)
		}
	}

	// the promotion cache is bounded to the size of the bucket
	assert.Len(t, b.cache, 20)
}

func TestBucketInsertRefresh(t *testing.T) {
	b := newBucket(3)

	cs := contacts(3)

	for i := range cs {
		require.True(t, b.insert(cs[i]))
	}

	order := func() []Contact {
		var o []Contact

		b.iterate(func(c Contact) {
			o = append(o, c)
		})

		return o
	}

	assert.Equal(t, cs, order())

	// seeing the oldest contact again moves it to the tail
	updated := Contact{ID: cs[0].ID, Address: "127.0.0.1:9999"}
	assert.True(t, b.insert(updated))
	assert.Equal(t, 3, b.len())

	c, ok := b.get(cs[0].ID)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9999", c.Address)

	assert.Equal(t, []Contact{cs[1], cs[2], updated}, order())
}

func TestBucketRemovePromotes(t *testing.T) {
	b := newBucket(2)

	cs := contacts(4)

	assert.True(t, b.insert(cs[0]))
	assert.True(t, b.insert(cs[1]))
	assert.False(t, b.insert(cs[2]))
	assert.False(t, b.insert(cs[3]))

	// removing an active contact promotes the freshest cached contact
	assert.True(t, b.remove(cs[0].ID))
	assert.Equal(t, 2, b.len())

	_, ok := b.get(cs[3].ID)
	assert.True(t, ok)

	_, ok = b.get(cs[0].ID)
	assert.False(t, ok)

	// removing a contact that is only cached drops it from the cache
	assert.False(t, b.remove(cs[2].ID))
	assert.Len(t, b.cache, 0)

	assert.True(t, b.remove(cs[1].ID))
	assert.Equal(t, 1, b.len())
}

func TestBucketClosest(t *testing.T) {
	b := newBucket(20)

	cs := contacts(20)

	for i := range cs {
		b.insert(cs[i])
	}

	target := RandomID()

	closest := b.closest(target, 5)
	require.Len(t, closest, 5)

	for i := 1; i < len(closest); i++ {
		assert.True(t, distance(closest[i-1].ID, target).Cmp(distance(closest[i].ID, target)) < 0)
	}

	assert.Len(t, b.closest(target, 50), 20)
}

func BenchmarkBucketInsert(b *testing.B) {
	bk := newBucket(20)

	cs := contacts(100)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bk.insert(cs[i%100])
	}
}
