package geo

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clickroute/clickroute/internal/model"
)

type staticEntry struct {
	prefix  netip.Prefix
	country string
}

// StaticLocator maps CIDR ranges to countries, longest prefix first.
// Addresses outside the table fall back to the edge hint.
type StaticLocator struct {
	entries []staticEntry
}

// NewStaticLocator builds a locator from a CIDR to country table.
func NewStaticLocator(table map[string]string) (*StaticLocator, error) {
	entries := make([]staticEntry, 0, len(table))
	for cidr, cc := range table {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", cidr, err)
		}
		code := model.NormalizeGeo(cc)
		if !model.IsKnownGeo(code) {
			return nil, fmt.Errorf("invalid country %q for %s", cc, cidr)
		}
		entries = append(entries, staticEntry{prefix: prefix.Masked(), country: code})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].prefix.Bits() > entries[j].prefix.Bits()
	})
	return &StaticLocator{entries: entries}, nil
}

// LoadStaticFile reads a YAML file of the form `networks: {"10.0.0.0/8": US}`.
func LoadStaticFile(path string) (*StaticLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geo table: %w", err)
	}
	var doc struct {
		Networks map[string]string `yaml:"networks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode geo table: %w", err)
	}
	return NewStaticLocator(doc.Networks)
}

// Locate implements Locator.
func (l *StaticLocator) Locate(_ context.Context, ip, hint string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err == nil {
		addr = addr.Unmap()
		for _, e := range l.entries {
			if e.prefix.Contains(addr) {
				return e.country, nil
			}
		}
	}
	return model.NormalizeGeo(hint), nil
}
