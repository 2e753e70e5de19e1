package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

const lookupTimeout = 5 * time.Second

// HostLookup resolves a hostname to its addresses.
type HostLookup func(ctx context.Context, host string) ([]netip.Addr, error)

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// POIBlock marks a proof of indexing known to be wrong for a deployment at a block.
type POIBlock struct {
	Deployment string `yaml:"deployment"`
	Block      uint64 `yaml:"block"`
	POI        string `yaml:"poi"`
}

type poiKey struct {
	deployment string
	block      uint64
}

// policy holds the indexer admission rules of one topology snapshot.
type policy struct {
	hosts           []netip.Prefix
	minAgent        *semver.Version
	minGraphNode    *semver.Version
	pois            map[poiKey]map[string]struct{}
	lookup          HostLookup
	resolved        map[string][]netip.Addr
	resolveFailures map[string]error
}

func newPolicy(doc File, lookup HostLookup) (*policy, []error) {
	p := &policy{
		lookup:          lookup,
		pois:            make(map[poiKey]map[string]struct{}, len(doc.POIBlocklist)),
		resolved:        make(map[string][]netip.Addr),
		resolveFailures: make(map[string]error),
	}
	var errs []error
	for _, entry := range doc.BlockedHosts {
		prefix, err := parsePrefix(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("blocked host %q: %w", entry, err))
			continue
		}
		p.hosts = append(p.hosts, prefix)
	}
	var err error
	if p.minAgent, err = optionalVersion(doc.MinAgentVersion); err != nil {
		errs = append(errs, fmt.Errorf("min agent version: %w", err))
	}
	if p.minGraphNode, err = optionalVersion(doc.MinGraphNodeVersion); err != nil {
		errs = append(errs, fmt.Errorf("min graph node version: %w", err))
	}
	for _, b := range doc.POIBlocklist {
		if b.Deployment == "" || b.POI == "" {
			errs = append(errs, errors.New("poi blocklist entry needs a deployment and a poi"))
			continue
		}
		key := poiKey{deployment: b.Deployment, block: b.Block}
		if p.pois[key] == nil {
			p.pois[key] = make(map[string]struct{})
		}
		p.pois[key][normalizePOI(b.POI)] = struct{}{}
	}
	return p, errs
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func optionalVersion(s string) (*semver.Version, error) {
	if s == "" {
		return nil, nil
	}
	return semver.NewVersion(s)
}

func normalizePOI(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// admit returns why an indexer may not serve the deployment, or nil.
func (p *policy) admit(d DeploymentSpec, spec IndexerSpec, u *url.URL) error {
	if err := p.checkHost(u); err != nil {
		return err
	}
	if err := p.checkVersions(spec); err != nil {
		return err
	}
	return p.checkPOIs(d, spec)
}

// checkHost rejects indexers whose URL resolves into a blocked network. An unresolvable host is
// rejected only when a host blocklist is configured.
func (p *policy) checkHost(u *url.URL) error {
	if len(p.hosts) == 0 {
		return nil
	}
	addrs, err := p.resolve(u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", u.Hostname(), err)
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		for _, prefix := range p.hosts {
			if prefix.Contains(addr) {
				return fmt.Errorf("host %s blocked by %s", u.Hostname(), prefix)
			}
		}
	}
	return nil
}

func (p *policy) resolve(host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if addrs, ok := p.resolved[host]; ok {
		return addrs, nil
	}
	if err, ok := p.resolveFailures[host]; ok {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	addrs, err := p.lookup(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = errors.New("no addresses")
	}
	if err != nil {
		p.resolveFailures[host] = err
		return nil, err
	}
	p.resolved[host] = addrs
	return addrs, nil
}

// checkVersions requires a parseable agent version at or above the minimum. A graph node that
// reports no usable version is assumed to run the minimum.
func (p *policy) checkVersions(spec IndexerSpec) error {
	if p.minAgent != nil {
		if spec.AgentVersion == "" {
			return errors.New("agent version unknown")
		}
		v, err := semver.NewVersion(spec.AgentVersion)
		if err != nil {
			return fmt.Errorf("agent version %q: %w", spec.AgentVersion, err)
		}
		if v.LessThan(p.minAgent) {
			return fmt.Errorf("agent version %s below minimum %s", v, p.minAgent)
		}
	}
	if p.minGraphNode != nil && spec.GraphNodeVersion != "" {
		v, err := semver.NewVersion(spec.GraphNodeVersion)
		if err != nil {
			return nil
		}
		if v.LessThan(p.minGraphNode) {
			return fmt.Errorf("graph node version %s below minimum %s", v, p.minGraphNode)
		}
	}
	return nil
}

// checkPOIs rejects an indexer that reported a blocked proof of indexing for this deployment.
func (p *policy) checkPOIs(d DeploymentSpec, spec IndexerSpec) error {
	if len(p.pois) == 0 {
		return nil
	}
	for block, poi := range spec.POIs {
		blocked, ok := p.pois[poiKey{deployment: d.ID, block: block}]
		if !ok {
			continue
		}
		if _, bad := blocked[normalizePOI(poi)]; bad {
			return fmt.Errorf("blocked poi at block %d", block)
		}
	}
	return nil
}
