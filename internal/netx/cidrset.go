package netx

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// CIDRSet is a fixed allow-list of networks, used to decide which peers may
// assert forwarded-for headers. Bare addresses parse as single-host prefixes.
type CIDRSet struct {
	prefixes []netip.Prefix
}

func ParseCIDRSet(items []string) (*CIDRSet, error) {
	var set CIDRSet
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			addr, err := netip.ParseAddr(item)
			if err != nil {
				return nil, fmt.Errorf("invalid ip %q: %w", item, err)
			}
			set.prefixes = append(set.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", item, err)
		}
		set.prefixes = append(set.prefixes, p.Masked())
	}
	return &set, nil
}

// Contains reports whether ip falls inside any prefix. A nil or empty set
// contains nothing.
func (s *CIDRSet) Contains(ip net.IP) bool {
	if s == nil || ip == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
