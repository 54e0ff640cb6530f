package wire

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// SplitAddr splits an "ip:port" service string.
func SplitAddr(addr string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, errors.Wrap(err, "splitting service address")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, errors.Errorf("invalid ip in service address %q", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, errors.Wrap(err, "parsing service port")
	}
	return ip, uint16(port), nil
}

// AddrPort returns the port of an "ip:port" service string, or 0.
func AddrPort(addr string) uint16 {
	_, port, err := SplitAddr(addr)
	if err != nil {
		return 0
	}
	return port
}

// IsIPv4 reports whether the service address is IPv4. Only IPv4 enodes take
// part in the election.
func IsIPv4(addr string) bool {
	ip, _, err := SplitAddr(addr)
	return err == nil && ip.To4() != nil
}

// IsRoutable reports whether the address is a routable global unicast
// address.
func IsRoutable(addr string) bool {
	ip, _, err := SplitAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsGlobalUnicast() && !isRFC1918(ip)
}

// IsLocalOrPrivate reports whether the address belongs to a local or private
// network. Such enodes are never relayed in DSEG responses, and such peers
// skip the whole-list rate limit.
func IsLocalOrPrivate(addr string) bool {
	ip, _, err := SplitAddr(addr)
	if err != nil {
		return true
	}
	return ip.IsLoopback() || isRFC1918(ip)
}

func isRFC1918(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	return ip4[0] == 10 ||
		(ip4[0] == 172 && ip4[1]&0xf0 == 16) ||
		(ip4[0] == 192 && ip4[1] == 168)
}
