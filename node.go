package dht

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Contact is a node on the network that we know how to reach
type Contact struct {
	// ID the id of the node
	ID ID
	// Address the udp host:port of the node
	Address string
}

// NewContact creates a contact whose id is derived from its address
func NewContact(address string) Contact {
	return Contact{
		ID:      HashKey([]byte(address)),
		Address: address,
	}
}

// Equal reports whether two contacts refer to the same node. Contacts
// are only ever identified by their id
func (c Contact) Equal(o Contact) bool {
	return c.ID == o.ID
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.String()[:16], c.Address)
}

// Neighbour is a contact paired with its distance to a lookup target
type Neighbour struct {
	Contact
	// Distance the xor distance between the contact and the target
	Distance Distance
}

// node is a contact tracked by a bucket
type node struct {
	contact Contact
	// the last time an event was received from this node
	seen time.Time
}

// sameAddress reports whether an address string refers to the same udp endpoint as addr
func sameAddress(address string, addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}

	ap, err := netip.ParseAddrPort(address)
	if err == nil {
		return ap.Port() == uint16(addr.Port) && ap.Addr().Unmap() == addr.AddrPort().Addr().Unmap()
	}

	ra, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return false
	}

	return ra.Port == addr.Port && ra.IP.Equal(addr.IP)
}

// equalAddress compares two address strings, resolving them if they are not literal ip:port pairs
func equalAddress(a, b string) bool {
	if a == b {
		return true
	}

	ra, err := net.ResolveUDPAddr("udp", b)
	if err != nil {
		return false
	}

	return sameAddress(a, ra)
}
