// Package dnsview adapts the naming store (C1) into a DNS-F style
// resolution surface: service names answer as A records over their
// healthy instances, the same round-robin-over-healthy-instances model
// Nacos' own DNS-F addon provides over its naming data.
package dnsview

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	miekgdns "github.com/miekg/dns"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/log"
)

// DefaultTTLSeconds matches the short TTL appropriate for a registry
// whose instance set can change every heartbeat interval.
const DefaultTTLSeconds = 10

// Resolver answers DNS A-record queries against the naming store.
// Query names take the form "<service>.<group>.<namespace>.<domain>";
// a bare "<service>" defaults group to naming's DEFAULT_GROUP and
// namespace to naming.DefaultNamespace, mirroring how the HTTP/gRPC
// surfaces default an omitted group/namespace.
type Resolver struct {
	store  *naming.Store
	domain string
	rnd    *rand.Rand
}

// NewResolver creates a Resolver over store, answering queries under domain.
func NewResolver(store *naming.Store, domain string) *Resolver {
	return &Resolver{
		store:  store,
		domain: domain,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resolve answers a DNS query name with A records. A leaf label of the
// form "<service>-<N>" resolves to the Nth instance (1-indexed, stable
// IP:port order) of that service; any other leaf label resolves to A
// records for every healthy, enabled instance, shuffled for round-robin.
func (r *Resolver) Resolve(ctx context.Context, queryName string) ([]miekgdns.RR, error) {
	name := strings.TrimSuffix(queryName, ".")
	stripped := r.stripDomain(name)

	labels := strings.SplitN(stripped, ".", 2)
	if svc, num, err := parseInstanceName(labels[0]); err == nil {
		rest := ""
		if len(labels) == 2 {
			rest = "." + labels[1]
		}
		return r.resolveInstance(ctx, svc+rest, num, name)
	}
	return r.resolveService(ctx, stripped, name)
}

func (r *Resolver) resolveService(ctx context.Context, stripped, fullName string) ([]miekgdns.RR, error) {
	key, err := r.parseQueryName(stripped)
	if err != nil {
		return nil, err
	}

	instances, _, err := r.store.QueryHealthyAware(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("service not resolvable: %s: %w", fullName, err)
	}
	ips := healthyIPs(instances)
	if len(ips) == 0 {
		return nil, fmt.Errorf("no healthy instances for: %s", fullName)
	}
	r.rnd.Shuffle(len(ips), func(i, j int) { ips[i], ips[j] = ips[j], ips[i] })
	return r.aRecords(fullName, ips), nil
}

// resolveInstance answers a single-instance query, picking the numth
// (1-indexed) instance in stable IP:port order among healthy instances.
func (r *Resolver) resolveInstance(ctx context.Context, stripped string, num int, fullName string) ([]miekgdns.RR, error) {
	key, err := r.parseQueryName(stripped)
	if err != nil {
		return nil, err
	}
	instances, _, err := r.store.QueryHealthyAware(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("service not resolvable: %s: %w", fullName, err)
	}
	ips := healthyIPs(instances)
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
	if num < 1 || num > len(ips) {
		return nil, fmt.Errorf("instance index out of range: %s", fullName)
	}
	return r.aRecords(fullName, ips[num-1:num]), nil
}

func healthyIPs(instances []*naming.Instance) []net.IP {
	ips := make([]net.IP, 0, len(instances))
	for _, inst := range instances {
		if !inst.Healthy || !inst.Enabled {
			continue
		}
		ip := net.ParseIP(inst.IP)
		if ip == nil {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

func (r *Resolver) aRecords(fullName string, ips []net.IP) []miekgdns.RR {
	fqdn := r.makeFQDN(fullName)
	records := make([]miekgdns.RR, 0, len(ips))
	for _, ip := range ips {
		records = append(records, &miekgdns.A{
			Hdr: miekgdns.RR_Header{Name: fqdn, Rrtype: miekgdns.TypeA, Class: miekgdns.ClassINET, Ttl: DefaultTTLSeconds},
			A:   ip,
		})
	}
	log.WithComponent("dns-resolver").Debug().Str("query", fullName).Int("answers", len(records)).Msg("resolved DNS query")
	return records
}

// parseQueryName splits "<service>[.<group>[.<namespace>]]" into a
// ServiceKey, defaulting group and namespace when absent.
func (r *Resolver) parseQueryName(name string) (naming.ServiceKey, error) {
	if name == "" {
		return naming.ServiceKey{}, fmt.Errorf("empty query name")
	}
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		return naming.NewServiceKey("", "DEFAULT_GROUP", parts[0]), nil
	case 2:
		return naming.NewServiceKey("", parts[1], parts[0]), nil
	default:
		return naming.NewServiceKey(parts[2], parts[1], parts[0]), nil
	}
}

func (r *Resolver) stripDomain(name string) string {
	if r.domain == "" {
		return name
	}
	return strings.TrimSuffix(name, "."+r.domain)
}

func (r *Resolver) makeFQDN(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
