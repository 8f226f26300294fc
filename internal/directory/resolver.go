package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// AddressResolver acquires the URL peers should use to reach this node.
// A reverse tunnel, a cloud metadata lookup or a fixed setting are all
// interchangeable implementations.
type AddressResolver interface {
	AcquirePublicAddress(ctx context.Context) (string, error)
}

// AddressWatcher is implemented by resolvers whose address can change after
// acquisition. The channel delivers the new URL, or "" when the address was
// lost and must be acquired again.
type AddressWatcher interface {
	AddressChanges() <-chan string
}

// ResolverFunc adapts a function to AddressResolver.
type ResolverFunc func(ctx context.Context) (string, error)

// AcquirePublicAddress calls f.
func (f ResolverFunc) AcquirePublicAddress(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticResolver always returns the configured URL.
type StaticResolver string

// AcquirePublicAddress returns the URL, or an error when it is empty.
func (s StaticResolver) AcquirePublicAddress(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no public url configured")
	}
	return string(s), nil
}

// ErrNoUsableInterface is returned when no interface has a non-loopback IPv4 address.
var ErrNoUsableInterface = errors.New("no usable network interface")

// InterfaceResolver builds a URL from the first up, non-loopback IPv4
// interface address and the listen port. Suited to flat LANs.
type InterfaceResolver struct {
	Scheme string // default "http"
	Port   int
}

// AcquirePublicAddress scans the host's interfaces.
func (r InterfaceResolver) AcquirePublicAddress(context.Context) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
				continue
			}
			return r.url(ipNet.IP.String()), nil
		}
	}
	return "", ErrNoUsableInterface
}

func (r InterfaceResolver) url(host string) string {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}
