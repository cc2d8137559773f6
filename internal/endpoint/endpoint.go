// Package endpoint turns a textual address and port into a socket address,
// choosing the address family and, for IPv6 link-local addresses, an
// interface scope.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family is the address family of an Endpoint.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// MaxInterfaceIndex bounds the link-local scope scan.
const MaxInterfaceIndex = 255

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidPort       = errors.New("port must be between 0 and 65535")
	ErrPortNotNumeric    = errors.New("port must be a number")
	ErrNoUsableInterface = errors.New("could not find non-loopback interface for link-local IPv6")
)

// Endpoint is a resolved address. It is immutable once returned by Resolve.
type Endpoint struct {
	Family  Family
	Address string
	Addr    netip.Addr
	Port    int

	// ScopeID and ScopeName are set only for IPv6 link-local addresses.
	ScopeID   int
	ScopeName string
}

// InterfaceLookup returns the interface with the given index.
type InterfaceLookup func(index int) (*net.Interface, error)

// Resolver resolves endpoints. The zero value scans the host's interfaces.
type Resolver struct {
	Interfaces InterfaceLookup
}

// Resolve resolves address and port using the host's interfaces.
func Resolve(address string, port int) (*Endpoint, error) {
	return (&Resolver{}).Resolve(address, port)
}

// Resolve classifies address as IPv6 when it contains a colon and as IPv4
// otherwise, then parses it for that family.
func (r *Resolver) Resolve(address string, port int) (*Endpoint, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	ep := &Endpoint{Family: IPv4, Address: address, Port: port}
	if strings.Contains(address, ":") {
		ep.Family = IPv6
	}

	addr, err := netip.ParseAddr(address)
	if err != nil || addr.Zone() != "" {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidAddress, ep.Family, address)
	}
	if ep.Family == IPv4 && !addr.Is4() {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidAddress, ep.Family, address)
	}
	ep.Addr = addr

	if ep.Family == IPv6 && addr.IsLinkLocalUnicast() {
		ifi, err := r.scopeInterface()
		if err != nil {
			return nil, err
		}
		ep.ScopeID = ifi.Index
		ep.ScopeName = ifi.Name
	}

	return ep, nil
}

// scopeInterface picks the first non-loopback interface by index. This is a
// best-effort heuristic; it does not check that the peer is reachable there.
func (r *Resolver) scopeInterface() (*net.Interface, error) {
	lookup := r.Interfaces
	if lookup == nil {
		lookup = net.InterfaceByIndex
	}

	for index := 1; index <= MaxInterfaceIndex; index++ {
		ifi, err := lookup(index)
		if err != nil || ifi == nil {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 || ifi.Name == "lo" {
			continue
		}
		return ifi, nil
	}
	return nil, ErrNoUsableInterface
}

// ParsePort parses a decimal port number in the range 0-65535.
func ParsePort(s string) (int, error) {
	p, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s", ErrInvalidPort, s)
		}
		return 0, fmt.Errorf("%w: %q", ErrPortNotNumeric, s)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	return int(p), nil
}

// AddrPort returns the endpoint as a netip.AddrPort, carrying the zone for
// scoped addresses.
func (e *Endpoint) AddrPort() netip.AddrPort {
	addr := e.Addr
	if e.ScopeName != "" {
		addr = addr.WithZone(e.ScopeName)
	}
	return netip.AddrPortFrom(addr, uint16(e.Port))
}

func (e *Endpoint) String() string {
	return e.AddrPort().String()
}

// Domain returns the socket domain for the endpoint's family.
func (e *Endpoint) Domain() int {
	if e.Family == IPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// Sockaddr returns the address structure for bind or connect.
func (e *Endpoint) Sockaddr() unix.Sockaddr {
	if e.Family == IPv6 {
		return &unix.SockaddrInet6{
			Port:   e.Port,
			ZoneId: uint32(e.ScopeID),
			Addr:   e.Addr.As16(),
		}
	}
	return &unix.SockaddrInet4{
		Port: e.Port,
		Addr: e.Addr.As4(),
	}
}

// AddrPortFromSockaddr converts a socket address returned by accept or
// getsockname.
func AddrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(v.ZoneId), 10))
		}
		return netip.AddrPortFrom(addr, uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}
