// Package geoip resolves an IPv4 address to an ISO country code using an
// offline MaxMind database, falling back to a CN-specific CIDR index when
// the database has no opinion.
package geoip

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// CN is the ISO code this package reports for China-hosted addresses.
const CN = "CN"

// Provider is the capability the classifier depends on.
type Provider interface {
	// Country returns the ISO country code for ip, or ("", false) if
	// unknown. IPv6 addresses always yield ("", false).
	Country(ip net.IP) (string, bool)
	// IsChina reports whether ip resolves to the CN country code.
	IsChina(ip net.IP) bool
}

// countryResult mirrors the subset of MaxMind's Country/City schema the
// classifier needs: the primary country, falling back to the registered and
// represented country fields for edge territories.
type countryResult struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
	RepresentedCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"represented_country"`
}

func (r countryResult) isoCode() (string, bool) {
	if r.Country.ISOCode != "" {
		return r.Country.ISOCode, true
	}
	if r.RegisteredCountry.ISOCode != "" {
		return r.RegisteredCountry.ISOCode, true
	}
	if r.RepresentedCountry.ISOCode != "" {
		return r.RepresentedCountry.ISOCode, true
	}
	return "", false
}

// MMDBReader wraps a MaxMind database file, swappable under a lock so a
// background refresh never exposes a half-loaded reader.
type MMDBReader struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// OpenMMDB reads and sanity-checks the database at path.
func OpenMMDB(path string) (*MMDBReader, error) {
	reader, err := geoIPFromFile(path)
	if err != nil {
		return nil, err
	}
	return &MMDBReader{reader: reader}, nil
}

// Refresh reopens the database file at path and swaps it in. The previous
// reader stays valid for any lookup already in flight against it.
func (m *MMDBReader) Refresh(path string) error {
	reader, err := geoIPFromFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.reader = reader
	m.mu.Unlock()
	return nil
}

func geoIPFromFile(path string) (*maxminddb.Reader, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: read mmdb %s: %w", path, err)
	}
	r, err := maxminddb.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("geoip: parse mmdb %s: %w", path, err)
	}
	var v any
	if err := r.Lookup(net.IPv4zero, &v); err != nil {
		return nil, fmt.Errorf("geoip: sanity check mmdb %s: %w", path, err)
	}
	return r, nil
}

// Country looks up ip's country via the MMDB, trying country, then
// registered_country, then represented_country. ok is false if the reader
// is unset or the address has no country data.
func (m *MMDBReader) Country(ip net.IP) (code string, ok bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	reader := m.reader
	m.mu.RUnlock()
	if reader == nil {
		return "", false
	}
	var res countryResult
	if err := reader.Lookup(ip, &res); err != nil {
		return "", false
	}
	return res.isoCode()
}

// cnRange is an inclusive [start, end] IPv4 address range, stored as
// big-endian 32-bit integers.
type cnRange struct {
	start uint32
	end   uint32
}

// CNIndex is a sorted, merged set of IPv4 ranges used as the CN fallback
// when the MMDB has no answer for an address.
type CNIndex struct {
	ranges []cnRange
}

// ParseCNIPv4 reads "#"-commented, blank-line-tolerant CIDR lines and
// builds a merged, sorted range index.
func ParseCNIPv4(r io.Reader) (*CNIndex, error) {
	var ranges []cnRange
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		_, ipnet, err := net.ParseCIDR(line)
		if err != nil {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		start := binary.BigEndian.Uint32(ip4)
		ones, bits := ipnet.Mask.Size()
		if bits != 32 {
			continue
		}
		size := uint32(1) << uint(32-ones)
		end := start + size - 1
		ranges = append(ranges, cnRange{start: start, end: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("geoip: scan cn ipv4 list: %w", err)
	}
	return &CNIndex{ranges: mergeRanges(ranges)}, nil
}

func mergeRanges(ranges []cnRange) []cnRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	merged := make([]cnRange, 0, len(ranges))
	cur := ranges[0]
	for _, r := range ranges[1:] {
		if r.start <= cur.end+1 {
			if r.end > cur.end {
				cur.end = r.end
			}
			continue
		}
		merged = append(merged, cur)
		cur = r
	}
	merged = append(merged, cur)
	return merged
}

// Contains reports whether ip falls in any merged CN range, via binary
// search for the greatest range start <= ip followed by an end-bound check
// (equivalent to the naive linear scan over every range).
func (c *CNIndex) Contains(ip net.IP) bool {
	if c == nil || len(c.ranges) == 0 {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	target := binary.BigEndian.Uint32(ip4)
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].start > target })
	if i == 0 {
		return false
	}
	r := c.ranges[i-1]
	return target >= r.start && target <= r.end
}

// Lookup is the two-layer GeoIP resolver: MMDB first, CN range index as
// fallback.
type Lookup struct {
	mmdb *MMDBReader
	cn   *CNIndex
}

// NewLookup builds a combined resolver. Either argument may be nil, in
// which case that layer always abstains.
func NewLookup(mmdb *MMDBReader, cn *CNIndex) *Lookup {
	return &Lookup{mmdb: mmdb, cn: cn}
}

// Country implements Provider.
func (l *Lookup) Country(ip net.IP) (string, bool) {
	if ip.To4() == nil {
		return "", false
	}
	if code, ok := l.mmdb.Country(ip); ok {
		return code, true
	}
	if l.cn.Contains(ip) {
		return CN, true
	}
	return "", false
}

// IsChina implements Provider.
func (l *Lookup) IsChina(ip net.IP) bool {
	code, ok := l.Country(ip)
	return ok && code == CN
}

var _ Provider = (*Lookup)(nil)
