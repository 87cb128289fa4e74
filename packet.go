package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// FragmentIDSize the size of the id shared by all fragments of an event
	FragmentIDSize = 16

	// PacketHeaderSize the size of the header we use to reconstruct data
	PacketHeaderSize = FragmentIDSize + 4

	// MaxEventSize the maximum size of an event packet size
	MaxEventSize = 65024

	// MaxPacketSize the size of packets we will send according to MTU,
	// minus a 8 bytes for the UDP header
	MaxPacketSize = 1472

	// MaxPayloadSize the maximum payload of our packet. The max packet size,
	// minus our fragment header
	MaxPayloadSize = MaxPacketSize - PacketHeaderSize

	maxFragments = (MaxEventSize + MaxPayloadSize - 1) / MaxPayloadSize

	// the number of partially assembled events held for a single sender
	maxPendingPerSender = 16
	// the number of partially assembled events held across all senders
	maxPending = 1024
)

var (
	// ErrEventTooLarge returned when an event cannot fit into the maximum number of fragments
	ErrEventTooLarge = errors.New("event exceeds maximum size")

	errMalformedFragment = errors.New("malformed fragment")
	errTooManyPending    = errors.New("too many partially assembled events")
)

// pool for building and reassembling udp packets
type packetManager struct {
	// partially assembled events, keyed by sender and fragment id
	packets map[string]*packet
	// the number of partially assembled events from each sender
	senders map[string]int
	// buffers used to fragment outgoing events
	pool sync.Pool
	// the amount of time an incomplete event is kept
	expiry time.Duration
	stop   chan struct{}
	once   sync.Once
	mu     sync.Mutex
}

func newPacketManager(expiry time.Duration) *packetManager {
	m := &packetManager{
		packets: make(map[string]*packet),
		senders: make(map[string]int),
		expiry:  expiry,
		stop:    make(chan struct{}),
		pool: sync.Pool{
			New: func() any {
				return &packet{
					buf: make([]byte, maxFragments*MaxPacketSize),
				}
			},
		},
	}

	go m.cleanup()

	return m
}

// marks a packet as done and returns it to the pool
func (m *packetManager) done(p *packet) {
	if len(p.buf) < maxFragments*MaxPacketSize {
		return
	}

	m.pool.Put(p)
}

// takes an events data and fragments it into packets that fit inside of MTU
func (m *packetManager) fragment(data []byte) (*packet, error) {
	if len(data) > MaxEventSize {
		return nil, ErrEventTooLarge
	}

	id := uuid.New()

	p := m.pool.Get().(*packet)
	p.frg = fragmentsFor(len(data))
	p.len = 0
	p.pos = 0

	for i := 0; i < p.frg; i++ {
		offset := i * MaxPacketSize

		end := (i + 1) * MaxPayloadSize
		if end > len(data) {
			end = len(data)
		}

		// write the header to the fragment
		copy(p.buf[offset:], id[:])
		p.buf[offset+FragmentIDSize] = byte(i + 1)
		p.buf[offset+FragmentIDSize+1] = byte(p.frg)
		binary.LittleEndian.PutUint16(p.buf[offset+FragmentIDSize+2:], uint16(len(data)))

		n := copy(p.buf[offset+PacketHeaderSize:], data[i*MaxPayloadSize:end])

		p.len = offset + PacketHeaderSize + n
	}

	return p, nil
}

// assembles a fragment into an event. if there are missing fragments, this will return nil
func (m *packetManager) assemble(from string, f []byte) ([]byte, error) {
	if len(f) < PacketHeaderSize {
		return nil, fmt.Errorf("%w: short header", errMalformedFragment)
	}

	part := int(f[FragmentIDSize])
	total := int(f[FragmentIDSize+1])
	size := int(binary.LittleEndian.Uint16(f[FragmentIDSize+2:]))
	data := f[PacketHeaderSize:]

	if size > MaxEventSize || total != fragmentsFor(size) || part < 1 || part > total {
		return nil, fmt.Errorf("%w: part %d of %d with size %d", errMalformedFragment, part, total, size)
	}

	expected := MaxPayloadSize
	if part == total {
		expected = size - (total-1)*MaxPayloadSize
	}

	if len(data) != expected {
		return nil, fmt.Errorf("%w: fragment payload is %d bytes, expected %d", errMalformedFragment, len(data), expected)
	}

	// shortcut this if the event isn't fragmented
	if total == 1 {
		e := make([]byte, size)
		copy(e, data)
		return e, nil
	}

	k := from + string(f[:FragmentIDSize])

	m.mu.Lock()
	defer m.mu.Unlock()

	// load the packet from our packet cache or create
	// it if its a new fragmented packet we've not seen before
	p, ok := m.packets[k]
	if !ok {
		if m.senders[from] >= maxPendingPerSender || len(m.packets) >= maxPending {
			return nil, errTooManyPending
		}

		p = &packet{
			from:     from,
			buf:      make([]byte, size),
			frg:      total,
			len:      size,
			received: make([]bool, total),
			ttl:      time.Now().Add(m.expiry),
		}

		m.packets[k] = p
		m.senders[from]++
	} else if p.frg != total || p.len != size {
		return nil, fmt.Errorf("%w: fragment does not match its event", errMalformedFragment)
	}

	if !p.add(part, data) {
		return nil, nil
	}

	m.remove(k, p)

	return p.data(), nil
}

// pending returns the number of partially assembled events
func (m *packetManager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.packets)
}

// remove forgets a partially assembled event. the lock must be held
func (m *packetManager) remove(k string, p *packet) {
	delete(m.packets, k)

	m.senders[p.from]--
	if m.senders[p.from] < 1 {
		delete(m.senders, p.from)
	}
}

func (m *packetManager) close() {
	m.once.Do(func() {
		close(m.stop)
	})
}

func (m *packetManager) cleanup() {
	t := time.NewTicker(m.expiry)
	defer t.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.mu.Lock()

			// remove packets that were never completed
			for k, p := range m.packets {
				if now.After(p.ttl) {
					m.remove(k, p)
				}
			}

			m.mu.Unlock()
		}
	}
}

/*
We need to fragment events into smaller chunks if they do not fit into an
IP packet.

Each fragment will have an additional 20 byte header that allows the
receiving end to determine which fragmented part belongs to what UDP packet:

| 16 bytes    | byte | byte  | 2 bytes |
| fragment id | part | total | size    |
*/
type packet struct {
	// the address of the sender, when assembling
	from string
	// buffer used to construct packet fragments or reassemble an event
	buf []byte
	// the number of fragments in the packet
	frg int
	// the length of the data in the buffer
	len int
	// the position in the buffer when sending, or the number
	// of fragments received when assembling
	pos int
	// the fragments that have been received
	received []bool
	// the time this packet expires if not completed
	ttl time.Time
}

// returns the next fragment to transmit. if there's none left to send, it returns nil
func (p *packet) next() []byte {
	if p.pos >= p.len {
		return nil
	}

	ps := MaxPacketSize

	// caculate the size of this packet
	if p.pos+ps > p.len {
		ps = p.len - p.pos
	}

	p.pos = p.pos + ps

	return p.buf[p.pos-ps : p.pos]
}

// adds a copy of the fragments data to the packet buffer.
// returns true if all of the fragments are present
func (p *packet) add(part int, data []byte) bool {
	if p.received[part-1] {
		return false
	}

	copy(p.buf[MaxPayloadSize*(part-1):], data)

	p.received[part-1] = true
	p.pos++

	return p.complete()
}

// data returns the full data in the packets buffer
func (p *packet) data() []byte {
	return p.buf[:p.len]
}

// returns true if we have a completed set of fragments
func (p *packet) complete() bool {
	return p.pos == p.frg
}

func fragmentsFor(size int) int {
	if size == 0 {
		return 1
	}

	return (size + MaxPayloadSize - 1) / MaxPayloadSize
}
