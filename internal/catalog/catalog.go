// Package catalog owns the three downloadable data sources the classifier
// reads from (GeoIP MMDB, CN IPv4 CIDR list, GeoSite domain catalog),
// refreshing them on a timer and swapping them in atomically.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Acacia-Ma/Rule-Bot/internal/geoip"
	"github.com/Acacia-Ma/Rule-Bot/internal/geosite"
)

const (
	geoIPFileName  = "Country-without-asn.mmdb"
	cnIPv4FileName = "cn-ipv4.txt"
	geoSiteDirName = "geosite"
	geoIPDirName   = "geoip"
	geoSiteFile    = "direct-list.txt"

	downloadTimeout = 30 * time.Second
)

// Set is the atomically-swapped tuple of loaded catalogs: the classifier
// reads one Set snapshot for the whole duration of a classify call.
type Set struct {
	GeoSite *geosite.Catalog
	GeoIP   geoip.Provider
	Stale   bool // true if this generation retained the previous MMDB or GeoSite catalog after a failed refresh; a failed CN IPv4 refresh does not set it
}

// Manager owns the on-disk catalog files and the background refresh loop.
type Manager struct {
	dataDir     string
	geoIPURLs   []string
	cnIPv4URLs  []string
	geoSiteURLs []string
	interval    time.Duration

	client *http.Client

	snapshot  atomic.Pointer[Set]
	refreshMu sync.Mutex

	mmdb *geoip.MMDBReader
	cn   *geoip.CNIndex
}

// NewManager ensures the data directory layout exists, performs a blocking
// initial load (downloading anything missing or older than interval), and
// returns a Manager ready to serve Snapshot() and to be started with Run.
// A GeoSite or GeoIP load failure at startup is fatal, matching the
// "catalog load failures at startup are fatal" error policy; a missing or
// undownloadable CN IPv4 list is not, since that source is optional and the
// classifier still has the MMDB signal.
func NewManager(dataDir string, interval time.Duration, geoIPURLs, cnIPv4URLs, geoSiteURLs []string) (*Manager, error) {
	m := &Manager{
		dataDir:     dataDir,
		geoIPURLs:   geoIPURLs,
		cnIPv4URLs:  cnIPv4URLs,
		geoSiteURLs: geoSiteURLs,
		interval:    interval,
		client:      &http.Client{Timeout: downloadTimeout},
	}
	for _, dir := range []string{m.geoipDir(), m.geositeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create %s: %w", dir, err)
		}
	}

	if err := m.bootstrapFile(m.geoIPPath(), geoIPURLs); err != nil {
		return nil, fmt.Errorf("catalog: geoip bootstrap: %w", err)
	}
	mmdb, err := geoip.OpenMMDB(m.geoIPPath())
	if err != nil {
		return nil, fmt.Errorf("catalog: open geoip: %w", err)
	}
	m.mmdb = mmdb

	if err := m.bootstrapFile(m.cnIPv4Path(), cnIPv4URLs); err != nil {
		log.Printf("catalog: cn ipv4 list unavailable, continuing without it: %v", err)
	}
	m.cn = m.loadCNIndex()

	if err := m.bootstrapFile(m.geoSitePath(), geoSiteURLs); err != nil {
		return nil, fmt.Errorf("catalog: geosite bootstrap: %w", err)
	}
	site, err := m.loadGeoSite()
	if err != nil {
		return nil, fmt.Errorf("catalog: parse geosite: %w", err)
	}

	m.snapshot.Store(&Set{
		GeoSite: site,
		GeoIP:   geoip.NewLookup(m.mmdb, m.cn),
	})
	return m, nil
}

func (m *Manager) geoipDir() string   { return filepath.Join(m.dataDir, geoIPDirName) }
func (m *Manager) geositeDir() string { return filepath.Join(m.dataDir, geoSiteDirName) }
func (m *Manager) geoIPPath() string  { return filepath.Join(m.geoipDir(), geoIPFileName) }
func (m *Manager) cnIPv4Path() string { return filepath.Join(m.geoipDir(), cnIPv4FileName) }
func (m *Manager) geoSitePath() string {
	return filepath.Join(m.geositeDir(), geoSiteFile)
}

// Snapshot returns the current catalog generation. Callers should hold the
// returned pointer for the duration of one classify operation rather than
// calling Snapshot repeatedly, so a mid-flight refresh never mixes
// generations within a single verdict.
func (m *Manager) Snapshot() *Set {
	return m.snapshot.Load()
}

// Run sleeps interval, refreshes, and repeats until stopCh is closed. It is
// meant to run in its own goroutine.
func (m *Manager) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Refresh()
		case <-stopCh:
			return
		}
	}
}

// Refresh re-downloads every catalog source and swaps in whatever
// succeeded, retaining the previous generation's data for any resource
// whose download or parse failed. It is non-reentrant: a refresh already in
// flight causes a concurrent call to log and return immediately.
func (m *Manager) Refresh() {
	if !m.refreshMu.TryLock() {
		log.Println("catalog: refresh already in progress, skipping this tick")
		return
	}
	defer m.refreshMu.Unlock()

	prev := m.snapshot.Load()
	next := &Set{GeoSite: prev.GeoSite, GeoIP: prev.GeoIP}

	if err := downloadWithMirrors(m.client, m.geoIPURLs, m.geoIPPath()); err != nil {
		log.Printf("catalog: geoip refresh failed, keeping previous generation: %v", err)
		next.Stale = true
	} else if mmdb, err := geoip.OpenMMDB(m.geoIPPath()); err != nil {
		log.Printf("catalog: geoip reload failed, keeping previous generation: %v", err)
		next.Stale = true
	} else {
		m.mmdb = mmdb
	}

	if err := downloadWithMirrors(m.client, m.cnIPv4URLs, m.cnIPv4Path()); err != nil {
		log.Printf("catalog: cn ipv4 refresh failed, keeping previous generation: %v", err)
	} else if idx := m.loadCNIndex(); idx != nil {
		m.cn = idx
	}
	next.GeoIP = geoip.NewLookup(m.mmdb, m.cn)

	if err := downloadWithMirrors(m.client, m.geoSiteURLs, m.geoSitePath()); err != nil {
		log.Printf("catalog: geosite refresh failed, keeping previous generation: %v", err)
		next.Stale = true
	} else if site, err := m.loadGeoSite(); err != nil {
		log.Printf("catalog: geosite parse failed, keeping previous generation: %v", err)
		next.Stale = true
	} else {
		next.GeoSite = site
	}

	m.snapshot.Store(next)
	log.Println("catalog: refresh complete")
}

func (m *Manager) loadCNIndex() *geoip.CNIndex {
	f, err := os.Open(m.cnIPv4Path())
	if err != nil {
		return nil
	}
	defer f.Close()
	idx, err := geoip.ParseCNIPv4(f)
	if err != nil {
		log.Printf("catalog: parse cn ipv4 list: %v", err)
		return nil
	}
	return idx
}

func (m *Manager) loadGeoSite() (*geosite.Catalog, error) {
	f, err := os.Open(m.geoSitePath())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return geosite.Parse(f)
}

// bootstrapFile downloads path from urls only if it's missing or older
// than the manager's refresh interval.
func (m *Manager) bootstrapFile(path string, urls []string) error {
	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) < m.interval {
			return nil
		}
	}
	return downloadWithMirrors(m.client, urls, path)
}

// downloadWithMirrors tries each URL in order, writing the first successful
// response to a temp file in dest's directory and renaming it into place,
// so a reader never observes a partially-written file.
func downloadWithMirrors(client *http.Client, urls []string, dest string) error {
	if len(urls) == 0 {
		return fmt.Errorf("no mirror urls configured for %s", dest)
	}
	var lastErr error
	for _, url := range urls {
		if err := downloadOne(client, url, dest); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all mirrors failed for %s: %w", dest, lastErr)
}

func downloadOne(client *http.Client, url, dest string) error {
	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".catalog-download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dest)
}
