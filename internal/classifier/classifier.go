// Package classifier implements the Domain Classifier: given free-form
// chat text, it extracts a domain and decides whether traffic to it should
// be added to the direct list, is already covered, or should be rejected.
package classifier

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/Acacia-Ma/Rule-Bot/internal/catalog"
	"github.com/Acacia-Ma/Rule-Bot/internal/domainutil"
	"github.com/Acacia-Ma/Rule-Bot/internal/rulestore"
)

// Decision is one of the four outcomes the classifier can reach.
type Decision string

const (
	DecisionAdd            Decision = "add"
	DecisionAlreadyCovered Decision = "already_covered"
	DecisionReject         Decision = "reject"
	DecisionError          Decision = "error"
)

// Verdict is the classifier's complete, self-describing answer: the five
// boolean signals it computed, the decision they produced, a
// human-readable reason, and — only on DecisionAdd — the domain to append
// to the direct list.
type Verdict struct {
	SecondLevelDomain string

	DomainInGeosite     bool
	RegisteredInGeosite bool
	IPIsChina           bool
	RegisteredIPIsChina bool
	NSIsChina           bool

	Decision Decision
	Reason   string
	Target   string
}

// DoHResolver is the capability the classifier needs from the DoH client.
// A nil error means "no ctx cancellation"; an empty result with a nil error
// means "no endpoint answered", which the classifier treats as a signal
// that degrades to false rather than as a failure.
type DoHResolver interface {
	ResolveA(ctx context.Context, domain string) ([]net.IP, error)
	ResolveNS(ctx context.Context, domain string) ([]string, error)
}

// CatalogSource is the capability the classifier needs from the Data
// Catalog Manager: a snapshot held for the duration of one classify call.
type CatalogSource interface {
	Snapshot() *catalog.Set
}

// Classifier wires the Normalizer, Rule Store, GeoSite/GeoIP catalogs and
// DoH client into the single `classify` operation the rest of the system
// calls. Every dependency is a capability interface so tests can supply
// in-memory fakes instead of the real network/git/MMDB-backed
// implementations.
type Classifier struct {
	doh     DoHResolver
	catalog CatalogSource
	rules   rulestore.Store
}

// New builds a Classifier from its three collaborators.
func New(doh DoHResolver, cat CatalogSource, rules rulestore.Store) *Classifier {
	return &Classifier{doh: doh, catalog: cat, rules: rules}
}

// Classify runs the full decision pipeline against freeform input text.
// Only input-validation failures, rule-store errors and context
// cancellation produce a DecisionError verdict — every other failure along
// the way (an unresponsive DoH endpoint, an absent GeoIP record) degrades
// the signal it would have set to false and classification continues, per
// the "exceptions become explicit result values" policy the rest of this
// package follows. Classify never returns a Go error: the verdict itself
// is the complete answer, error included.
func (c *Classifier) Classify(ctx context.Context, inputText string) *Verdict {
	domain, ok := domainutil.ExtractDomain(inputText)
	if !ok {
		return &Verdict{Decision: DecisionError, Reason: "no valid domain"}
	}
	if domainutil.IsCNDomain(domain) {
		return &Verdict{
			SecondLevelDomain: domainutil.RegisteredDomain(domain),
			Decision:          DecisionAlreadyCovered,
			Reason:            "cn domain, default direct",
		}
	}
	registered := domainutil.RegisteredDomain(domain)

	if covered, matched, err := c.rules.Contains(ctx, domain); err != nil {
		return &Verdict{SecondLevelDomain: registered, Decision: DecisionError, Reason: fmt.Sprintf("rule store error: %v", err)}
	} else if covered {
		return &Verdict{SecondLevelDomain: registered, Decision: DecisionAlreadyCovered, Reason: fmt.Sprintf("rule exists: %s", matched)}
	}

	snap := c.catalog.Snapshot()
	domainInGeosite := snap.GeoSite.Match(domain)
	registeredInGeosite := snap.GeoSite.Match(registered)
	if domainInGeosite || registeredInGeosite {
		return &Verdict{
			SecondLevelDomain:   registered,
			DomainInGeosite:     domainInGeosite,
			RegisteredInGeosite: registeredInGeosite,
			Decision:            DecisionAlreadyCovered,
			Reason:              "covered by geosite",
		}
	}

	signals, cancelled := c.resolveSignals(ctx, domain, registered, snap)
	if cancelled != nil {
		return &Verdict{SecondLevelDomain: registered, Decision: DecisionError, Reason: fmt.Sprintf("cancelled: %v", cancelled)}
	}

	v := &Verdict{
		SecondLevelDomain:   registered,
		DomainInGeosite:     domainInGeosite,
		RegisteredInGeosite: registeredInGeosite,
		IPIsChina:           signals.ipIsChina,
		RegisteredIPIsChina: signals.registeredIPIsChina,
		NSIsChina:           signals.nsIsChina,
	}
	switch {
	case signals.nsIsChina:
		v.Decision = DecisionReject
		v.Reason = "ns in CN suggests already reachable via CN"
	case signals.ipIsChina || signals.registeredIPIsChina:
		v.Decision = DecisionAdd
		v.Reason = "CN-hosted, adding to direct list"
		v.Target = registered
	default:
		v.Decision = DecisionReject
		v.Reason = "not a CN-hosted service"
	}
	return v
}

type signals struct {
	ipIsChina           bool
	registeredIPIsChina bool
	nsIsChina           bool
}

// resolveSignals fans out the DoH lookups steps 6-7 of the decision
// pipeline require: A and NS for domain in parallel, plus A for registered
// when it differs from domain. A non-nil return means the calling context
// was cancelled mid-flight; every other resolution failure is absorbed
// into a false signal.
func (c *Classifier) resolveSignals(ctx context.Context, domain, registered string, snap *catalog.Set) (signals, error) {
	type aResult struct {
		ips []net.IP
		err error
	}
	type nsResult struct {
		names []string
		err   error
	}

	aCh := make(chan aResult, 1)
	nsCh := make(chan nsResult, 1)
	go func() {
		ips, err := c.doh.ResolveA(ctx, domain)
		aCh <- aResult{ips, err}
	}()
	go func() {
		names, err := c.doh.ResolveNS(ctx, domain)
		nsCh <- nsResult{names, err}
	}()

	var regCh chan aResult
	if registered != domain {
		regCh = make(chan aResult, 1)
		go func() {
			ips, err := c.doh.ResolveA(ctx, registered)
			regCh <- aResult{ips, err}
		}()
	}

	a := <-aCh
	ns := <-nsCh
	var reg aResult
	if regCh != nil {
		reg = <-regCh
	}
	if a.err != nil {
		return signals{}, a.err
	}
	if ns.err != nil {
		return signals{}, ns.err
	}
	if regCh != nil && reg.err != nil {
		return signals{}, reg.err
	}

	var out signals
	out.ipIsChina = anyChina(snap, a.ips)
	if regCh != nil {
		out.registeredIPIsChina = anyChina(snap, reg.ips)
	} else {
		out.registeredIPIsChina = out.ipIsChina
	}

	for _, name := range ns.names {
		ips, err := c.doh.ResolveA(ctx, strings.TrimSuffix(name, "."))
		if err != nil {
			return signals{}, err
		}
		if len(ips) == 0 {
			continue
		}
		if snap.GeoIP.IsChina(ips[0]) {
			out.nsIsChina = true
			break
		}
	}

	return out, nil
}

func anyChina(snap *catalog.Set, ips []net.IP) bool {
	for _, ip := range ips {
		if snap.GeoIP.IsChina(ip) {
			return true
		}
	}
	return false
}
