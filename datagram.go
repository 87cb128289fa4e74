package dht

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/purehyperbole/ledgerdht/protocol"
)

// Kind is the type of a datagram
type Kind int8

const (
	// KindRequest a request that expects a response with the same token
	KindRequest Kind = Kind(protocol.KindREQUEST)
	// KindResponse a response to a request
	KindResponse Kind = Kind(protocol.KindRESPONSE)
	// KindKill stops the receive loop of the node it is sent to
	KindKill Kind = Kind(protocol.KindKILL)
)

var (
	// ErrMalformedDatagram returned when a datagram cannot be decoded
	ErrMalformedDatagram = errors.New("malformed datagram")
)

func (k Kind) String() string {
	return protocol.Kind(k).String()
}

func (k Kind) valid() bool {
	switch k {
	case KindRequest, KindResponse, KindKill:
		return true
	default:
		return false
	}
}

// Datagram is the envelope exchanged between nodes
type Datagram struct {
	// Kind the type of datagram
	Kind Kind
	// Token correlates a request with its response
	Token string
	// Source the address of the sender
	Source string
	// Destination the address of the receiver
	Destination string
	// Payload the verb specific payload
	Payload []byte
}

// marshal encodes the datagram. the returned bytes are
// owned by the builder and are only valid until it is reset
func (d *Datagram) marshal(buf *flatbuffers.Builder) []byte {
	buf.Reset()

	tok := buf.CreateString(d.Token)
	src := buf.CreateString(d.Source)
	dst := buf.CreateString(d.Destination)
	pld := buf.CreateByteVector(d.Payload)

	protocol.DatagramStart(buf)
	protocol.DatagramAddKind(buf, protocol.Kind(d.Kind))
	protocol.DatagramAddToken(buf, tok)
	protocol.DatagramAddSource(buf, src)
	protocol.DatagramAddDestination(buf, dst)
	protocol.DatagramAddPayload(buf, pld)

	e := protocol.DatagramEnd(buf)

	buf.Finish(e)

	return buf.FinishedBytes()
}

// unmarshalDatagram decodes a datagram, copying all of its fields
// out of the provided buffer
func unmarshalDatagram(data []byte) (d *Datagram, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, ErrMalformedDatagram
	}

	// flatbuffers does not verify its input and will panic
	// when reading offsets that are out of bounds
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("%w: %v", ErrMalformedDatagram, r)
		}
	}()

	e := protocol.GetRootAsDatagram(data, 0)

	d = &Datagram{
		Kind:        Kind(e.Kind()),
		Token:       string(e.Token()),
		Source:      string(e.Source()),
		Destination: string(e.Destination()),
	}

	if !d.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedDatagram, d.Kind)
	}

	if p := e.PayloadBytes(); len(p) > 0 {
		d.Payload = make([]byte, len(p))
		copy(d.Payload, p)
	}

	return d, nil
}
