package handler

import (
	"context"
	"net"
	"sync"
	"time"
)

// DNSCache is a small positive-only resolver cache for upstream hostnames.
type DNSCache struct {
	TTL time.Duration

	mu      sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// NewDNSCache creates a cache with the given TTL (default 60s).
func NewDNSCache(ttl time.Duration) *DNSCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DNSCache{TTL: ttl, entries: make(map[string]dnsEntry)}
}

// Lookup resolves host, serving from cache while the entry is fresh.
func (d *DNSCache) Lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	d.mu.Lock()
	if e, ok := d.entries[host]; ok && time.Now().Before(e.expires) {
		d.mu.Unlock()
		return e.addrs, nil
	}
	d.mu.Unlock()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.entries[host] = dnsEntry{addrs: addrs, expires: time.Now().Add(d.TTL)}
	d.mu.Unlock()
	return addrs, nil
}
