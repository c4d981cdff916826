package reputation

import (
	"context"
	"errors"
	"net/netip"
)

// ErrNotFound is returned (possibly wrapped) by a Resolver when the queried
// name does not exist. For http:BL that means the address is not listed.
var ErrNotFound = errors.New("name not found")

// Resolver is the DNS capability the service consumes. Implementations must be
// safe for concurrent use and must honour ctx cancellation.
type Resolver interface {
	// LookupIPv4 returns the A records for host. A missing name is reported as
	// an error matching ErrNotFound; every other failure is a plain error.
	LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error)
}

// Checker is what the HTTP boundary needs from the service.
type Checker interface {
	Check(ctx context.Context, ip netip.Addr) bool
}
