package domain

import (
	"net/netip"
	"strconv"
	"strings"
)

// QuerySuffix is the http:BL DNS zone every lookup is issued under.
const QuerySuffix = "dnsbl.httpbl.org"

// responseMarker is the first octet of every well-formed http:BL answer.
const responseMarker = 127

// BuildQueryName returns the http:BL lookup name for ip:
//
//	{accessKey}.{o4}.{o3}.{o2}.{o1}.dnsbl.httpbl.org
//
// ip must be an IPv4 address.
func BuildQueryName(accessKey string, ip netip.Addr) string {
	o := ip.As4()

	var b strings.Builder
	b.Grow(len(accessKey) + 17 + len(QuerySuffix))
	b.WriteString(accessKey)
	for i := len(o) - 1; i >= 0; i-- {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(int(o[i])))
	}
	b.WriteByte('.')
	b.WriteString(QuerySuffix)
	return b.String()
}

// DecodeResponse turns the addresses of a successful http:BL answer into a
// Reputation. Only the first IPv4 address is considered. An answer of the form
// 127.0.S.0 is a search engine with serial S; any other 127.D.T.M answer is a
// listing. A first address outside 127/8 is reported as an error rather than
// skipped.
func DecodeResponse(addrs []netip.Addr) Reputation {
	for _, addr := range addrs {
		if !addr.Is4() {
			continue
		}
		o := addr.As4()
		if o[0] != responseMarker {
			return LookupError("unexpected response format: %s", addr)
		}

		days, threat, typ := o[1], o[2], TypeMask(o[3])
		if days == 0 && typ == 0 {
			// the threat octet holds the crawler serial for search engines
			return SearchEngine(threat)
		}
		return Listed(days, threat, typ)
	}
	return LookupError("no A records found")
}
