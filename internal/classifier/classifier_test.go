package classifier

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/Acacia-Ma/Rule-Bot/internal/catalog"
	"github.com/Acacia-Ma/Rule-Bot/internal/geosite"
)

// stubDoH answers ResolveA/ResolveNS from fixed maps, optionally returning
// ctx.Err() instead to simulate a cancelled in-flight resolution. callCount
// lets scenario 1 assert no DoH call happens at all.
type stubDoH struct {
	a         map[string][]net.IP
	ns        map[string][]string
	cancelled bool
	callCount int
}

func (s *stubDoH) ResolveA(ctx context.Context, domain string) ([]net.IP, error) {
	s.callCount++
	if s.cancelled {
		return nil, ctx.Err()
	}
	return s.a[domain], nil
}

func (s *stubDoH) ResolveNS(ctx context.Context, domain string) ([]string, error) {
	s.callCount++
	if s.cancelled {
		return nil, ctx.Err()
	}
	return s.ns[domain], nil
}

// stubGeoIP reports a fixed set of dotted-quad strings as CN.
type stubGeoIP map[string]bool

func (g stubGeoIP) Country(ip net.IP) (string, bool) {
	if g[ip.String()] {
		return "CN", true
	}
	return "", false
}

func (g stubGeoIP) IsChina(ip net.IP) bool {
	return g[ip.String()]
}

type stubCatalog struct{ set *catalog.Set }

func (s stubCatalog) Snapshot() *catalog.Set { return s.set }

// stubRules implements rulestore.Store with an exact/ancestor check against
// a fixed line set, exactly like the real stores, without touching git or
// a database.
type stubRules struct {
	lines []string
}

func (s *stubRules) Contains(ctx context.Context, domain string) (bool, string, error) {
	domain = strings.ToLower(domain)
	for _, line := range s.lines {
		if domain == line || strings.HasSuffix(domain, "."+line) {
			return true, line, nil
		}
	}
	return false, "", nil
}

func (s *stubRules) Append(ctx context.Context, domain, author string) (string, error) {
	s.lines = append(s.lines, strings.ToLower(domain))
	return "deadbeef", nil
}

func newClassifier(doh *stubDoH, geoIP stubGeoIP, geoSiteBody string, rules *stubRules) *Classifier {
	set := &catalog.Set{GeoSite: mustGeoSiteSafe(geoSiteBody), GeoIP: geoIP}
	return New(doh, stubCatalog{set: set}, rules)
}

func mustGeoSiteSafe(body string) *geosite.Catalog {
	cat, err := geosite.Parse(strings.NewReader(body))
	if err != nil {
		panic(err)
	}
	return cat
}

func TestClassify_CNTopLevelAlwaysAlreadyCovered(t *testing.T) {
	doh := &stubDoH{}
	c := newClassifier(doh, stubGeoIP{}, "", &stubRules{})

	v := c.Classify(context.Background(), "www.example.cn")

	if v.Decision != DecisionAlreadyCovered {
		t.Fatalf("expected already_covered, got %+v", v)
	}
	if !strings.Contains(v.Reason, "cn") {
		t.Fatalf("expected reason to mention CN, got %q", v.Reason)
	}
	if doh.callCount != 0 {
		t.Fatalf("expected no DoH calls for a CN TLD, got %d", doh.callCount)
	}
}

func TestClassify_AddsWhenARecordResolvesToChinaAndNSIsNotChina(t *testing.T) {
	doh := &stubDoH{
		a:  map[string][]net.IP{"sub.foo.com": {net.ParseIP("1.1.1.1")}, "foo.com": {net.ParseIP("1.1.1.1")}},
		ns: map[string][]string{"sub.foo.com": {"ns1.bar.net"}},
	}
	doh.a["ns1.bar.net"] = []net.IP{net.ParseIP("8.8.8.8")}
	geoIP := stubGeoIP{"1.1.1.1": true}
	c := newClassifier(doh, geoIP, "", &stubRules{})

	v := c.Classify(context.Background(), "https://sub.foo.com/path")

	if v.Decision != DecisionAdd {
		t.Fatalf("expected add, got %+v", v)
	}
	if v.Target != "foo.com" {
		t.Fatalf("expected target foo.com, got %q", v.Target)
	}
}

func TestClassify_RejectsWhenNSResolvesToChina(t *testing.T) {
	doh := &stubDoH{
		a:  map[string][]net.IP{"sub.foo.com": {net.ParseIP("1.1.1.1")}, "foo.com": {net.ParseIP("1.1.1.1")}},
		ns: map[string][]string{"sub.foo.com": {"ns1.bar.net"}},
	}
	doh.a["ns1.bar.net"] = []net.IP{net.ParseIP("114.114.114.114")}
	geoIP := stubGeoIP{"1.1.1.1": true, "114.114.114.114": true}
	c := newClassifier(doh, geoIP, "", &stubRules{})

	v := c.Classify(context.Background(), "https://sub.foo.com/path")

	if v.Decision != DecisionReject {
		t.Fatalf("expected reject, got %+v", v)
	}
	if !v.NSIsChina {
		t.Fatalf("expected NSIsChina signal to be set, got %+v", v)
	}
}

func TestClassify_RejectsWhenNoSignalFires(t *testing.T) {
	doh := &stubDoH{
		a: map[string][]net.IP{"plain.example.net": {net.ParseIP("8.8.8.8")}, "example.net": {net.ParseIP("8.8.8.8")}},
	}
	c := newClassifier(doh, stubGeoIP{}, "", &stubRules{})

	v := c.Classify(context.Background(), "plain.example.net")

	if v.Decision != DecisionReject {
		t.Fatalf("expected reject, got %+v", v)
	}
	if v.IPIsChina || v.RegisteredIPIsChina || v.NSIsChina {
		t.Fatalf("expected every signal false, got %+v", v)
	}
}

func TestClassify_GeoSiteKeywordAlreadyCoveredEvenIfDNSWouldReject(t *testing.T) {
	doh := &stubDoH{a: map[string][]net.IP{"cdn.tencentyun.com": {net.ParseIP("8.8.8.8")}}}
	c := newClassifier(doh, stubGeoIP{}, "keyword:tencent\n", &stubRules{})

	v := c.Classify(context.Background(), "cdn.tencentyun.com")

	if v.Decision != DecisionAlreadyCovered {
		t.Fatalf("expected already_covered via geosite, got %+v", v)
	}
	if doh.callCount != 0 {
		t.Fatalf("expected the geosite short-circuit to skip DoH entirely, got %d calls", doh.callCount)
	}
}

func TestClassify_RuleStoreHitShortCircuitsBeforeDNS(t *testing.T) {
	doh := &stubDoH{}
	rules := &stubRules{lines: []string{"foo.com"}}
	c := newClassifier(doh, stubGeoIP{}, "", rules)

	v := c.Classify(context.Background(), "sub.foo.com")

	if v.Decision != DecisionAlreadyCovered {
		t.Fatalf("expected already_covered via rule store, got %+v", v)
	}
	if doh.callCount != 0 {
		t.Fatalf("expected no DoH calls once the rule store already covers the domain, got %d", doh.callCount)
	}
}

func TestClassify_NoValidDomainIsError(t *testing.T) {
	c := newClassifier(&stubDoH{}, stubGeoIP{}, "", &stubRules{})

	v := c.Classify(context.Background(), "not a domain at all")

	if v.Decision != DecisionError {
		t.Fatalf("expected error decision, got %+v", v)
	}
}

func TestClassify_ContextCancellationSurfacesAsError(t *testing.T) {
	doh := &stubDoH{cancelled: true}
	c := newClassifier(doh, stubGeoIP{}, "", &stubRules{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := c.Classify(ctx, "plain.example.net")

	if v.Decision != DecisionError {
		t.Fatalf("expected error decision on cancellation, got %+v", v)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatal("sanity check: context should report Canceled")
	}
}

func TestClassify_RegisteredDomainUsedWhenDomainAndRegisteredDiffer(t *testing.T) {
	doh := &stubDoH{
		a: map[string][]net.IP{
			"deep.sub.example.org": {net.ParseIP("1.2.3.4")},
			"example.org":          {net.ParseIP("9.9.9.9")},
		},
	}
	geoIP := stubGeoIP{"9.9.9.9": true}
	c := newClassifier(doh, geoIP, "", &stubRules{})

	v := c.Classify(context.Background(), "deep.sub.example.org")

	if v.Decision != DecisionAdd || v.Target != "example.org" {
		t.Fatalf("expected add targeting the registered domain, got %+v", v)
	}
	if v.IPIsChina {
		t.Fatalf("the full-domain IP was not CN, IPIsChina should be false: %+v", v)
	}
	if !v.RegisteredIPIsChina {
		t.Fatalf("the registered-domain IP was CN, RegisteredIPIsChina should be true: %+v", v)
	}
}
