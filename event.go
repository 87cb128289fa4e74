package dht

import (
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/purehyperbole/ledgerdht/protocol"
)

var (
	// ErrMalformedMessage returned when a datagram's payload is not a valid message
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is the payload of a request or response. It is implemented by
// Ping, Pong, Store, StoreAck, FindNode, Nodes, FindValue and Value
type Message interface {
	verb() protocol.Verb
}

// Ping checks if a node is alive
type Ping struct{}

// Pong is the response to a Ping
type Pong struct{}

// Store asks a node to store a value
type Store struct {
	Key   ID
	Value []byte
	TTL   time.Duration
}

// StoreAck confirms a value has been stored
type StoreAck struct {
	Key ID
}

// FindNode asks a node for the contacts it knows closest to the target
type FindNode struct {
	Target ID
}

// Nodes is the response to FindNode, or to FindValue if the value was not found
type Nodes struct {
	Contacts []Contact
}

// FindValue asks a node for a value, or the contacts closest to its key
type FindValue struct {
	Key ID
}

// Value is the response to FindValue when the value was found
type Value struct {
	Key   ID
	Value []byte
}

func (*Ping) verb() protocol.Verb      { return protocol.VerbPING }
func (*Pong) verb() protocol.Verb      { return protocol.VerbPONG }
func (*Store) verb() protocol.Verb     { return protocol.VerbSTORE }
func (*StoreAck) verb() protocol.Verb  { return protocol.VerbSTORE_ACK }
func (*FindNode) verb() protocol.Verb  { return protocol.VerbFIND_NODE }
func (*Nodes) verb() protocol.Verb     { return protocol.VerbNODES }
func (*FindValue) verb() protocol.Verb { return protocol.VerbFIND_VALUE }
func (*Value) verb() protocol.Verb     { return protocol.VerbVALUE }

// isResponse reports whether a message can only be sent as a response
func isResponse(m Message) bool {
	switch m.(type) {
	case *Pong, *StoreAck, *Nodes, *Value:
		return true
	default:
		return false
	}
}

// encodeMessage builds a message payload sent by the given node. the
// returned bytes are a copy that remains valid after the builder is reused
func encodeMessage(buf *flatbuffers.Builder, sender ID, m Message) []byte {
	buf.Reset()

	var key, value, nodes flatbuffers.UOffsetT
	var ttl int64

	switch v := m.(type) {
	case *Ping, *Pong:
	case *Store:
		key = buf.CreateByteVector(v.Key[:])
		value = buf.CreateByteVector(v.Value)
		ttl = int64(v.TTL)
	case *StoreAck:
		key = buf.CreateByteVector(v.Key[:])
	case *FindNode:
		key = buf.CreateByteVector(v.Target[:])
	case *FindValue:
		key = buf.CreateByteVector(v.Key[:])
	case *Value:
		key = buf.CreateByteVector(v.Key[:])
		value = buf.CreateByteVector(v.Value)
	case *Nodes:
		nodes = encodeNodes(buf, v.Contacts)
	}

	snd := buf.CreateByteVector(sender[:])

	protocol.MessageStart(buf)
	protocol.MessageAddVerb(buf, m.verb())
	protocol.MessageAddSender(buf, snd)

	if key != 0 {
		protocol.MessageAddKey(buf, key)
	}

	if value != 0 {
		protocol.MessageAddValue(buf, value)
	}

	if nodes != 0 {
		protocol.MessageAddNodes(buf, nodes)
	}

	protocol.MessageAddTtl(buf, ttl)

	e := protocol.MessageEnd(buf)

	buf.Finish(e)

	fb := buf.FinishedBytes()

	data := make([]byte, len(fb))
	copy(data, fb)

	return data
}

func encodeNodes(buf *flatbuffers.Builder, contacts []Contact) flatbuffers.UOffsetT {
	// construct the node vector
	ns := make([]flatbuffers.UOffsetT, len(contacts))

	for i, c := range contacts {
		nid := buf.CreateByteVector(c.ID[:])
		nad := buf.CreateString(c.Address)

		protocol.NodeStart(buf)
		protocol.NodeAddId(buf, nid)
		protocol.NodeAddAddress(buf, nad)
		ns[i] = protocol.NodeEnd(buf)
	}

	protocol.MessageStartNodesVector(buf, len(contacts))

	// prepend nodes to vector in reverse order
	for i := len(contacts) - 1; i >= 0; i-- {
		buf.PrependUOffsetT(ns[i])
	}

	return buf.EndVector(len(contacts))
}

// decodeMessage decodes a message payload, returning the id of its sender
func decodeMessage(data []byte) (sender ID, m Message, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return sender, nil, ErrMalformedMessage
	}

	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	e := protocol.GetRootAsMessage(data, 0)

	sender, err = NewID(e.SenderBytes())
	if err != nil {
		return sender, nil, fmt.Errorf("%w: bad sender: %w", ErrMalformedMessage, err)
	}

	switch e.Verb() {
	case protocol.VerbPING:
		return sender, &Ping{}, nil
	case protocol.VerbPONG:
		return sender, &Pong{}, nil
	case protocol.VerbSTORE:
		key, err := NewID(e.KeyBytes())
		if err != nil {
			return sender, nil, fmt.Errorf("%w: bad store key: %w", ErrMalformedMessage, err)
		}
		return sender, &Store{Key: key, Value: clone(e.ValueBytes()), TTL: time.Duration(e.Ttl())}, nil
	case protocol.VerbSTORE_ACK:
		key, err := NewID(e.KeyBytes())
		if err != nil {
			return sender, nil, fmt.Errorf("%w: bad store key: %w", ErrMalformedMessage, err)
		}
		return sender, &StoreAck{Key: key}, nil
	case protocol.VerbFIND_NODE:
		target, err := NewID(e.KeyBytes())
		if err != nil {
			return sender, nil, fmt.Errorf("%w: bad find node target: %w", ErrMalformedMessage, err)
		}
		return sender, &FindNode{Target: target}, nil
	case protocol.VerbFIND_VALUE:
		key, err := NewID(e.KeyBytes())
		if err != nil {
			return sender, nil, fmt.Errorf("%w: bad find value key: %w", ErrMalformedMessage, err)
		}
		return sender, &FindValue{Key: key}, nil
	case protocol.VerbVALUE:
		key, err := NewID(e.KeyBytes())
		if err != nil {
			return sender, nil, fmt.Errorf("%w: bad value key: %w", ErrMalformedMessage, err)
		}
		return sender, &Value{Key: key, Value: clone(e.ValueBytes())}, nil
	case protocol.VerbNODES:
		var contacts []Contact

		for i := 0; i < e.NodesLength(); i++ {
			fn := new(protocol.Node)

			if !e.Nodes(fn, i) {
				continue
			}

			id, err := NewID(fn.IdBytes())
			if err != nil {
				return sender, nil, fmt.Errorf("%w: bad node id: %w", ErrMalformedMessage, err)
			}

			contacts = append(contacts, Contact{ID: id, Address: string(fn.Address())})
		}

		return sender, &Nodes{Contacts: contacts}, nil
	default:
		return sender, nil, fmt.Errorf("%w: unknown verb %d", ErrMalformedMessage, e.Verb())
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	c := make([]byte, len(b))
	copy(c, b)

	return c
}
