package services

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"wgkeeper/internal/models"
)

// Pool is the range of host addresses handed out to peers: offsets
// [Start, last host] inside Network.
type Pool struct {
	Network *net.IPNet
	Start   int
}

func ParsePool(cidr string, start int) (Pool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return Pool{}, fmt.Errorf("parse pool %q: %w", cidr, err)
	}
	if ip.To4() == nil {
		return Pool{}, fmt.Errorf("pool %q: only IPv4 is supported", cidr)
	}
	p := Pool{Network: ipnet, Start: start}
	if start < 1 || start > p.lastOffset() {
		return Pool{}, fmt.Errorf("pool start %d is outside %s", start, cidr)
	}
	return p, nil
}

func (p Pool) String() string {
	return p.Network.String()
}

func (p Pool) base() uint32 {
	return binary.BigEndian.Uint32(p.Network.IP.To4())
}

// lastOffset is the highest usable host offset; the broadcast address is
// never handed out.
func (p Pool) lastOffset() int {
	ones, bits := p.Network.Mask.Size()
	return (1 << (bits - ones)) - 2
}

func (p Pool) addressAt(offset int) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, p.base()+uint32(offset))
	return fmt.Sprintf("%s/32", ip.String())
}

// offsetOf returns the host offset of a "/32" address inside the pool, or
// -1 when the address is malformed or outside the allocatable range.
func (p Pool) offsetOf(addr string) int {
	ip, ipnet, err := net.ParseCIDR(strings.TrimSpace(addr))
	if err != nil {
		return -1
	}
	if ones, bits := ipnet.Mask.Size(); ones != 32 || bits != 32 {
		return -1
	}
	ip = ip.To4()
	if ip == nil || !p.Network.Contains(ip) {
		return -1
	}
	off := int(binary.BigEndian.Uint32(ip) - p.base())
	if off < p.Start || off > p.lastOffset() {
		return -1
	}
	return off
}

func (p Pool) Contains(addr string) bool {
	return p.offsetOf(addr) >= 0
}

// ValidateAddress checks an explicitly requested peer address.
func (p Pool) ValidateAddress(addr string) error {
	if !p.Contains(addr) {
		return models.Invalid("address", "%q must be a single host address (x.x.x.x/32) in %s from offset %d", addr, p, p.Start)
	}
	return nil
}

// AllocateNext returns the lowest free address in the pool. Used addresses
// come from the directory, which is authoritative even when the live
// interface lags behind.
func AllocateNext(pool Pool, used []string) (string, error) {
	taken := make(map[int]bool, len(used))
	for _, addr := range used {
		if off := pool.offsetOf(addr); off >= 0 {
			taken[off] = true
		}
	}

	for off := pool.Start; off <= pool.lastOffset(); off++ {
		if !taken[off] {
			return pool.addressAt(off), nil
		}
	}
	return "", fmt.Errorf("allocate in %s: %w", pool, models.ErrPoolExhausted)
}
