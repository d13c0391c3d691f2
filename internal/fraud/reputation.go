package fraud

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/redis/go-redis/v9"
)

const flaggedIPsKey = "fraud:ip:flagged"

// IPFlags reports operator-flagged addresses.
type IPFlags interface {
	IsFlagged(ctx context.Context, ip string) (bool, error)
}

// IPReputation blocks static CIDR ranges and dynamically flagged addresses.
type IPReputation struct {
	blocked []netip.Prefix
	flags   IPFlags
}

// NewIPReputation parses the blocked CIDRs. flags may be nil.
func NewIPReputation(cidrs []string, flags IPFlags) (*IPReputation, error) {
	h := &IPReputation{flags: flags}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			addr, aerr := netip.ParseAddr(c)
			if aerr != nil {
				return nil, fmt.Errorf("invalid blocked network %q: %w", c, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		h.blocked = append(h.blocked, p.Masked())
	}
	return h, nil
}

// Name implements Heuristic.
func (h *IPReputation) Name() string { return HeuristicIPReputation }

// Triggered implements Heuristic.
func (h *IPReputation) Triggered(ctx context.Context, sig *Signal) (bool, error) {
	if addr, err := netip.ParseAddr(sig.ClientIP); err == nil {
		addr = addr.Unmap()
		for _, p := range h.blocked {
			if p.Contains(addr) {
				return true, nil
			}
		}
	}
	if h.flags == nil {
		return false, nil
	}
	return h.flags.IsFlagged(ctx, sig.ClientIP)
}

// RedisIPFlags keeps flagged addresses in a Redis set.
type RedisIPFlags struct {
	client *redis.Client
}

// NewRedisIPFlags creates a RedisIPFlags.
func NewRedisIPFlags(client *redis.Client) *RedisIPFlags {
	return &RedisIPFlags{client: client}
}

// IsFlagged implements IPFlags.
func (f *RedisIPFlags) IsFlagged(ctx context.Context, ip string) (bool, error) {
	ok, err := f.client.SIsMember(ctx, flaggedIPsKey, ip).Result()
	if err != nil {
		return false, fmt.Errorf("check flagged ip: %w", err)
	}
	return ok, nil
}

// Flag adds addresses to the flagged set.
func (f *RedisIPFlags) Flag(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	members := make([]any, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	return f.client.SAdd(ctx, flaggedIPsKey, members...).Err()
}
