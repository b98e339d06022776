// Package discovery finds casmesh peers through DNS SRV records.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Service is the SRV service label casmesh nodes publish under.
const Service = "_casmesh._tcp"

// DefaultTimeout bounds one SRV exchange.
const DefaultTimeout = 5 * time.Second

// ErrNoRecords is returned when the domain publishes no casmesh nodes.
var ErrNoRecords = errors.New("discovery: no SRV records")

// Options configures a lookup.
type Options struct {
	// Domain is the zone the fleet publishes under, e.g. "build.internal".
	Domain string
	// Resolver is the DNS server as host:port. Empty uses the first server
	// from /etc/resolv.conf.
	Resolver string
	// Scheme prefixes discovered peers. Default: http.
	Scheme  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Record is one published node.
type Record struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// URL returns the peer URL for r.
func (r Record) URL(scheme string) string {
	return scheme + "://" + net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port)))
}

// Query returns the SRV name queried for domain.
func Query(domain string) string {
	return dns.Fqdn(Service + "." + strings.TrimSuffix(domain, "."))
}

// Lookup queries the SRV records of the fleet, ordered by priority and then
// descending weight.
func Lookup(ctx context.Context, opts Options) ([]Record, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("discovery: domain is required")
	}
	server := opts.Resolver
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("discovery: read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("discovery: no nameservers configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	query := Query(opts.Domain)
	m := new(dns.Msg)
	m.SetQuestion(query, dns.TypeSRV)
	c := &dns.Client{Timeout: timeout}

	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("discovery: query %s: %w", query, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, query)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("discovery: query %s: %s", query, dns.RcodeToString[resp.Rcode])
	}

	var records []Record
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		records = append(records, Record{
			Target:   srv.Target,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, query)
	}

	slices.SortStableFunc(records, func(a, b Record) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})

	opts.Logger.Debug().
		Str("query", query).
		Int("count", len(records)).
		Msg("Discovered peers via SRV")

	return records, nil
}

// Peers returns the URLs of the fleet's published nodes.
func Peers(ctx context.Context, opts Options) ([]string, error) {
	records, err := Lookup(ctx, opts)
	if err != nil {
		return nil, err
	}
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "http"
	}
	peers := make([]string, 0, len(records))
	for _, r := range records {
		peers = append(peers, r.URL(scheme))
	}
	return peers, nil
}
