// Package resolve turns a hostname, port and address-family preference into
// exactly one concrete socket address.
//
// Candidates are examined in the order returned by the underlying resolver;
// the first whose family matches the preference wins and all others are
// discarded. Multi-result selection policy beyond "first compatible" is out
// of scope.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Resolution errors.
var (
	// ErrNoAddressFound indicates the lookup succeeded but produced no
	// candidate of the required family.
	ErrNoAddressFound = errors.New("no address of required family found")

	// ErrLookupFailed indicates the underlying lookup itself failed.
	ErrLookupFailed = errors.New("hostname lookup failed")
)

// Family is the required address family. IPv4 and IPv6 are mutually
// exclusive per resolution.
type Family int

const (
	// IPv4 requires an IPv4 result.
	IPv4 Family = iota
	// IPv6 requires an IPv6 result.
	IPv6
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "UNKNOWN"
	}
}

// ParseFamily parses "ipv4"/"ipv6"; empty defaults to IPv4.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "", "ipv4":
		return IPv4, nil
	case "ipv6":
		return IPv6, nil
	default:
		return IPv4, fmt.Errorf("invalid address family %q", s)
	}
}

// LookupFunc performs the underlying hostname lookup.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver resolves hostnames to single socket addresses.
type Resolver struct {
	lookup LookupFunc
}

// New creates a Resolver backed by the default system resolver.
func New() *Resolver {
	return NewWithLookup(net.DefaultResolver.LookupIPAddr)
}

// NewWithLookup creates a Resolver with a custom lookup function.
func NewWithLookup(lookup LookupFunc) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the first lookup result matching the required family,
// combined with the port. Candidates of the other family are ignored.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16, family Family) (netip.AddrPort, error) {
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %s: %v", ErrLookupFailed, host, err)
	}

	for _, addr := range addrs {
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()

		switch family {
		case IPv4:
			if ip.Is4() {
				return netip.AddrPortFrom(ip, port), nil
			}
		case IPv6:
			if ip.Is6() && !ip.Is4In6() {
				return netip.AddrPortFrom(ip, port), nil
			}
		}
	}

	return netip.AddrPort{}, fmt.Errorf("%w: %s (%s)", ErrNoAddressFound, host, family)
}
