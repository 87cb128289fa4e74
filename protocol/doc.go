// Package protocol contains the flatbuffers tables exchanged between dht nodes.
//
// The go sources are generated from schema.fbs with:
//
//	flatc --go --go-namespace protocol schema.fbs
package protocol
