package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicDNS are queried when the system resolver cannot find the relay.
var publicDNS = []string{
	"1.1.1.1", // Cloudflare
	"1.0.0.1", // Cloudflare
	"8.8.8.8", // Google
	"8.8.4.4", // Google
	"9.9.9.9", // Quad9
}

// lookupHost resolves host with the system resolver first and falls back to
// racing the public servers. Literal IPs are returned as they are.
func lookupHost(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	local, cancel := context.WithTimeout(ctx, time.Second)
	ip, err := lookupWith(local, &net.Resolver{}, host)
	cancel()
	if err == nil {
		return ip, nil
	}
	return raceLookup(ctx, host)
}

func raceLookup(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	results := make(chan result, len(publicDNS))
	for _, server := range publicDNS {
		server := server
		go func() {
			ip, err := lookupWith(ctx, pinnedResolver(server), host)
			results <- result{ip: ip, err: err}
		}()
	}

	var errs []error
	for range publicDNS {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			errs = append(errs, res.err)
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
}

// pinnedResolver sends every query to server on port 53.
func pinnedResolver(server string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}
}

// lookupWith returns the first IPv4 address of host, or its first address.
func lookupWith(ctx context.Context, r *net.Resolver, host string) (string, error) {
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", errors.New("no addresses found")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// dialContext resolves addr's host with lookupHost before dialing.
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := lookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}
