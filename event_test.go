package dht

import (
	"crypto/rand"
	"testing"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/purehyperbole/ledgerdht/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecode(t *testing.T) {
	buf := flatbuffers.NewBuilder(1024)

	sender := RandomID()
	key := HashKey([]byte("block:1"))

	messages := []Message{
		&Ping{},
		&Pong{},
		&Store{Key: key, Value: []byte("this is a test"), TTL: time.Hour},
		&StoreAck{Key: key},
		&FindNode{Target: key},
		&FindValue{Key: key},
		&Value{Key: key, Value: []byte("this is a test")},
		&Nodes{Contacts: contacts(K)},
		&Nodes{},
	}

	for _, m := range messages {
		data := encodeMessage(buf, sender, m)

		// the encoded message outlives the builder
		buf.Reset()

		s, dm, err := decodeMessage(data)
		require.Nil(t, err, "%T", m)
		assert.Equal(t, sender, s)
		assert.Equal(t, m, dm)
	}
}

func TestMessageIsResponse(t *testing.T) {
	assert.False(t, isResponse(&Ping{}))
	assert.False(t, isResponse(&Store{}))
	assert.False(t, isResponse(&FindNode{}))
	assert.False(t, isResponse(&FindValue{}))
	assert.True(t, isResponse(&Pong{}))
	assert.True(t, isResponse(&StoreAck{}))
	assert.True(t, isResponse(&Nodes{}))
	assert.True(t, isResponse(&Value{}))
}

func TestMessageDecodeGarbage(t *testing.T) {
	_, _, err := decodeMessage(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	for i := 0; i < 1000; i++ {
		data := make([]byte, 1+i%300)
		rand.Read(data)

		assert.NotPanics(t, func() {
			decodeMessage(data)
		})
	}
}

func TestMessageDecodeBadSender(t *testing.T) {
	buf := flatbuffers.NewBuilder(1024)

	// a message with a truncated sender id is rejected
	snd := buf.CreateByteVector([]byte{1, 2, 3})

	protocol.MessageStart(buf)
	protocol.MessageAddVerb(buf, protocol.VerbPING)
	protocol.MessageAddSender(buf, snd)
	buf.Finish(protocol.MessageEnd(buf))

	_, _, err := decodeMessage(buf.FinishedBytes())
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.ErrorIs(t, err, ErrInvalidIDLength)
}

func BenchmarkMessageEncodeNodes(b *testing.B) {
	buf := flatbuffers.NewBuilder(4096)

	sender := RandomID()
	m := &Nodes{Contacts: contacts(K)}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		encodeMessage(buf, sender, m)
	}
}
