package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragments(t testing.TB, m *packetManager, data []byte) [][]byte {
	p, err := m.fragment(data)
	require.Nil(t, err)
	defer m.done(p)

	var fs [][]byte

	for f := p.next(); f != nil; f = p.next() {
		fc := make([]byte, len(f))
		copy(fc, f)
		fs = append(fs, fc)
	}

	return fs
}

func TestPacketManagerFragment(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	// build a packet that's exactly 3 fragments
	data := make([]byte, MaxPayloadSize*3)
	rand.Read(data)

	fs := fragments(t, m, data)
	require.Len(t, fs, 3)

	id := fs[0][:FragmentIDSize]

	for i, f := range fs {
		assert.Len(t, f, MaxPacketSize)
		assert.Equal(t, id, f[:FragmentIDSize])
		assert.Equal(t, byte(i+1), f[FragmentIDSize])
		assert.Equal(t, byte(3), f[FragmentIDSize+1])
		assert.Equal(t, uint16(len(data)), binary.LittleEndian.Uint16(f[FragmentIDSize+2:]))
		assert.Equal(t, data[MaxPayloadSize*i:MaxPayloadSize*(i+1)], f[PacketHeaderSize:])
	}

	// build a packet that's slightly smaller than 3 max fragments
	data = make([]byte, (MaxPayloadSize*3)-300)
	rand.Read(data)

	fs = fragments(t, m, data)
	require.Len(t, fs, 3)

	assert.Len(t, fs[2], MaxPacketSize-300)
	assert.Equal(t, data[MaxPayloadSize*2:], fs[2][PacketHeaderSize:])

	// every event gets its own fragment id
	assert.NotEqual(t, id, fs[0][:FragmentIDSize])

	// small events fit in a single fragment
	fs = fragments(t, m, []byte("this is a test"))
	require.Len(t, fs, 1)
	assert.Len(t, fs[0], PacketHeaderSize+14)

	_, err := m.fragment(make([]byte, MaxEventSize+1))
	assert.ErrorIs(t, err, ErrEventTooLarge)
}

func TestPacketManagerAssemble(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	data := make([]byte, MaxEventSize)
	rand.Read(data)

	fs := fragments(t, m, data)
	require.Len(t, fs, maxFragments)

	for i := 0; i < len(fs)-1; i++ {
		e, err := m.assemble("127.0.0.1:1432", fs[i])
		require.Nil(t, err)
		assert.Nil(t, e)
	}

	assert.Equal(t, 1, m.pending())

	e, err := m.assemble("127.0.0.1:1432", fs[len(fs)-1])
	require.Nil(t, err)
	assert.Equal(t, data, e)
	assert.Equal(t, 0, m.pending())
}

func TestPacketManagerAssembleOutOfOrder(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	data := make([]byte, MaxPayloadSize*4+10)
	rand.Read(data)

	fs := fragments(t, m, data)
	require.Len(t, fs, 5)

	order := []int{3, 0, 4, 4, 1, 2}

	var e []byte

	for i, o := range order {
		var err error

		e, err = m.assemble("127.0.0.1:1432", fs[o])
		require.Nil(t, err)

		if i < len(order)-1 {
			// duplicate fragments are ignored
			assert.Nil(t, e)
		}
	}

	assert.Equal(t, data, e)
}

func TestPacketManagerAssembleSenders(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	data := make([]byte, MaxPayloadSize*2)
	rand.Read(data)

	fs := fragments(t, m, data)
	require.Len(t, fs, 2)

	// fragments with the same id from different senders are not mixed
	e, err := m.assemble("127.0.0.1:1432", fs[0])
	require.Nil(t, err)
	assert.Nil(t, e)

	e, err = m.assemble("127.0.0.1:1433", fs[1])
	require.Nil(t, err)
	assert.Nil(t, e)

	assert.Equal(t, 2, m.pending())
}

func TestPacketManagerAssembleMalformed(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	_, err := m.assemble("127.0.0.1:1432", []byte("short"))
	assert.ErrorIs(t, err, errMalformedFragment)

	fs := fragments(t, m, []byte("this is a test"))

	// truncated payload
	_, err = m.assemble("127.0.0.1:1432", fs[0][:len(fs[0])-1])
	assert.ErrorIs(t, err, errMalformedFragment)

	// part out of range
	f := append([]byte{}, fs[0]...)
	f[FragmentIDSize] = 2
	_, err = m.assemble("127.0.0.1:1432", f)
	assert.ErrorIs(t, err, errMalformedFragment)

	// total does not match size
	f = append([]byte{}, fs[0]...)
	f[FragmentIDSize+1] = 3
	_, err = m.assemble("127.0.0.1:1432", f)
	assert.ErrorIs(t, err, errMalformedFragment)

	assert.Equal(t, 0, m.pending())
}

func TestPacketManagerAssembleLimits(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	data := make([]byte, MaxPayloadSize*2)

	// every call gets a new fragment id, so each first fragment starts a new event
	for i := 0; i < maxPendingPerSender; i++ {
		e, err := m.assemble("127.0.0.1:1432", fragments(t, m, data)[0])
		require.Nil(t, err)
		assert.Nil(t, e)
	}

	fs := fragments(t, m, data)

	_, err := m.assemble("127.0.0.1:1432", fs[0])
	assert.ErrorIs(t, err, errTooManyPending)
	assert.Equal(t, maxPendingPerSender, m.pending())

	// other senders are unaffected
	e, err := m.assemble("127.0.0.1:1433", fs[0])
	require.Nil(t, err)
	assert.Nil(t, e)

	e, err = m.assemble("127.0.0.1:1433", fs[1])
	require.Nil(t, err)
	assert.Equal(t, data, e)

	// events that are not fragmented never count towards the limit
	e, err = m.assemble("127.0.0.1:1432", fragments(t, m, []byte("this is a test"))[0])
	require.Nil(t, err)
	assert.Equal(t, []byte("this is a test"), e)

	assert.Equal(t, maxPendingPerSender, m.senders["127.0.0.1:1432"])
	assert.NotContains(t, m.senders, "127.0.0.1:1433")
}

func TestPacketManagerAssembleTotalLimit(t *testing.T) {
	m := newPacketManager(time.Minute)
	defer m.close()

	data := make([]byte, MaxPayloadSize*2)

	for i := 0; i < maxPending; i++ {
		_, err := m.assemble(fmt.Sprintf("127.0.0.1:%d", 10000+i), fragments(t, m, data)[0])
		require.Nil(t, err)
	}

	_, err := m.assemble("127.0.0.1:1432", fragments(t, m, data)[0])
	assert.ErrorIs(t, err, errTooManyPending)
	assert.Equal(t, maxPending, m.pending())
}

func TestPacketManagerExpiry(t *testing.T) {
	m := newPacketManager(time.Millisecond * 50)
	defer m.close()

	fs := fragments(t, m, make([]byte, MaxPayloadSize*2))

	e, err := m.assemble("127.0.0.1:1432", fs[0])
	require.Nil(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 1, m.pending())

	assert.Eventually(t, func() bool {
		return m.pending() == 0
	}, time.Second, time.Millisecond*10)

	// expired events no longer count towards the sender's limit
	m.mu.Lock()
	assert.Len(t, m.senders, 0)
	m.mu.Unlock()
}

func BenchmarkPacketManagerFragment(b *testing.B) {
	m := newPacketManager(time.Minute)
	defer m.close()

	data := make([]byte, MaxPayloadSize*3)
	rand.Read(data)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		p, err := m.fragment(data)
		if err != nil {
			b.Fatal(err)
		}

		for f := p.next(); f != nil; f = p.next() {
		}

		m.done(p)
	}
}
