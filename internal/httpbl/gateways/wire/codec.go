// Package wire encodes http:BL A queries and decodes the answers using the
// RFC 1035 message format.
package wire

import (
	"net/netip"

	"golang.org/x/net/dns/dnsmessage"
)

// Query is a single A question for Name.
type Query struct {
	ID   uint16
	Name string
}

// Response is the decoded subset of an answer message the resolver needs.
type Response struct {
	ID        uint16
	RCode     dnsmessage.RCode
	Truncated bool
	Addrs     []netip.Addr // IN A answers, in message order
}

type DNSCodec interface {
	EncodeQuery(query Query) ([]byte, error)
	DecodeResponse(data []byte, expectedID uint16) (Response, error)
}
