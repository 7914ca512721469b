package slave

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// SRVService is the service label dynamic slaves publish under:
// _filemesh._tcp.<slave>.<domain>.
const SRVService = "_filemesh._tcp"

// ResolverConfig holds configuration for a Resolver.
type ResolverConfig struct {
	Server   string        // DNS server host:port; empty reads /etc/resolv.conf
	Domain   string        // Domain appended to the slave name
	CacheTTL time.Duration // Upper bound on how long answers are reused
	Timeout  time.Duration
	Log      zerolog.Logger
}

type cachedAddr struct {
	addr    string
	expires time.Time
}

// Resolver maps roster entries to dial addresses. Static entries use their
// configured host and port; dynamic entries are looked up as SRV records.
type Resolver struct {
	server string
	domain string
	ttl    time.Duration
	client *dns.Client
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAddr
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Resolver{
		server: cfg.Server,
		domain: strings.Trim(cfg.Domain, "."),
		ttl:    cfg.CacheTTL,
		client: &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		log:    cfg.Log.With().Str("component", "resolver").Logger(),
		now:    time.Now,
		cache:  make(map[string]cachedAddr),
	}
}

// Resolve returns host:port for the slave.
func (r *Resolver) Resolve(ctx context.Context, s config.SlaveConfig) (string, error) {
	if !s.Dynamic() {
		return s.HostPort(), nil
	}

	r.mu.Lock()
	if c, ok := r.cache[s.Name]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return c.addr, nil
	}
	r.mu.Unlock()

	addr, ttl, err := r.lookup(ctx, r.QueryName(s.Name))
	if err != nil {
		return "", err
	}
	if ttl <= 0 || ttl > r.ttl {
		ttl = r.ttl
	}

	r.mu.Lock()
	r.cache[s.Name] = cachedAddr{addr: addr, expires: r.now().Add(ttl)}
	r.mu.Unlock()

	r.log.Debug().Str("slave", s.Name).Str("address", addr).Dur("ttl", ttl).Msg("resolved dynamic slave")
	return addr, nil
}

// Forget drops any cached address for the slave.
func (r *Resolver) Forget(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}

// QueryName returns the SRV owner name queried for a slave.
func (r *Resolver) QueryName(slave string) string {
	name := SRVService + "." + slave
	if r.domain != "" {
		name += "." + r.domain
	}
	return dns.Fqdn(name)
}

func (r *Resolver) serverAddr() (string, error) {
	if r.server != "" {
		return r.server, nil
	}
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("read resolv.conf: %w", err)
	}
	if len(cc.Servers) == 0 {
		return "", fmt.Errorf("no DNS servers configured")
	}
	return net.JoinHostPort(cc.Servers[0], cc.Port), nil
}

func (r *Resolver) lookup(ctx context.Context, qname string) (string, time.Duration, error) {
	server, err := r.serverAddr()
	if err != nil {
		return "", 0, err
	}

	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return "", 0, fmt.Errorf("query %s: %w", qname, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", 0, fmt.Errorf("query %s: %s", qname, dns.RcodeToString[in.Rcode])
	}

	var srvs []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, srv)
		}
	}
	if len(srvs) == 0 {
		return "", 0, fmt.Errorf("query %s: no SRV records", qname)
	}
	// Lowest priority first, then heaviest weight.
	sort.SliceStable(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})
	best := srvs[0]

	host := strings.TrimSuffix(best.Target, ".")
	for _, rr := range in.Extra {
		if a, ok := rr.(*dns.A); ok && strings.EqualFold(a.Hdr.Name, best.Target) {
			host = a.A.String()
			break
		}
	}
	ttl := time.Duration(best.Hdr.Ttl) * time.Second
	return net.JoinHostPort(host, strconv.Itoa(int(best.Port))), ttl, nil
}
