package dht

import (
	"crypto/rand"
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramMarshal(t *testing.T) {
	buf := flatbuffers.NewBuilder(1024)

	for _, kind := range []Kind{KindRequest, KindResponse, KindKill} {
		d := &Datagram{
			Kind:        kind,
			Token:       "test",
			Source:      "127.0.0.1:1234",
			Destination: "127.0.0.1:8000",
			Payload:     []byte("this is a test"),
		}

		data := d.marshal(buf)

		rd, err := unmarshalDatagram(data)
		require.Nil(t, err)
		assert.Equal(t, d, rd)

		// the decoded datagram must not share memory with the buffer
		buf.Reset()
		for i := range data {
			data[i] = 0
		}

		assert.Equal(t, "this is a test", string(rd.Payload))
		assert.Equal(t, "test", rd.Token)
	}
}

func TestDatagramMarshalEmpty(t *testing.T) {
	buf := flatbuffers.NewBuilder(1024)

	d := &Datagram{Kind: KindKill}

	rd, err := unmarshalDatagram(d.marshal(buf))
	require.Nil(t, err)
	assert.Equal(t, d, rd)
	assert.Nil(t, rd.Payload)
}

func TestDatagramUnmarshalGarbage(t *testing.T) {
	_, err := unmarshalDatagram(nil)
	assert.ErrorIs(t, err, ErrMalformedDatagram)

	_, err = unmarshalDatagram([]byte{0x01})
	assert.ErrorIs(t, err, ErrMalformedDatagram)

	// random data must never panic
	for i := 0; i < 1000; i++ {
		data := make([]byte, 1+i%200)
		rand.Read(data)

		assert.NotPanics(t, func() {
			unmarshalDatagram(data)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "REQUEST", KindRequest.String())
	assert.Equal(t, "RESPONSE", KindResponse.String())
	assert.Equal(t, "KILL", KindKill.String())
	assert.False(t, Kind(42).valid())
}

func BenchmarkDatagramMarshal(b *testing.B) {
	buf := flatbuffers.NewBuilder(1024)

	d := &Datagram{
		Kind:        KindRequest,
		Token:       "test",
		Source:      "127.0.0.1:1234",
		Destination: "127.0.0.1:8000",
		Payload:     make([]byte, 512),
	}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		unmarshalDatagram(d.marshal(buf))
	}
}
