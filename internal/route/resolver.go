// Package route maps inbound request paths onto configured upstreams.
package route

import (
	"fmt"
	"net/url"
	"strings"

	"mirror-proxy-go/internal/config"
)

// TieBreak decides which route wins when several prefixes match a path.
type TieBreak int

const (
	// TieBreakLast keeps the latest matching entry in declaration order:
	// later entries win. This is the default.
	TieBreakLast TieBreak = iota
	// TieBreakFirst keeps the earliest matching entry.
	TieBreakFirst
)

// Param is one query parameter injected into a matched target.
type Param struct {
	Key   string
	Value string
}

// Route maps a path prefix to an upstream base URL.
type Route struct {
	Prefix   string
	Upstream *url.URL
	Params   []Param
}

// Match is a resolved route plus the path remainder after stripping the prefix.
type Match struct {
	Route     *Route
	Remainder string
}

// Resolver scans an ordered route table for path-prefix matches.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	routes   []Route
	tieBreak TieBreak
}

// NewResolver builds a Resolver from the configured routing table,
// preserving declaration order.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	tb := TieBreakLast
	if strings.EqualFold(cfg.Proxy.TieBreak, "first") {
		tb = TieBreakFirst
	}

	routes := make([]Route, 0, len(cfg.Proxy.Routes))
	for i, rc := range cfg.Proxy.Routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): parse upstream: %w", i, rc.Prefix, err)
		}

		params := make([]Param, 0, len(cfg.Proxy.Params)+len(rc.Params))
		for _, p := range cfg.Proxy.Params {
			params = append(params, Param{Key: p.Key, Value: p.Value})
		}
		for _, p := range rc.Params {
			params = append(params, Param{Key: p.Key, Value: p.Value})
		}

		prefix := rc.Prefix
		if prefix != "/" {
			prefix = strings.TrimSuffix(prefix, "/")
		}

		routes = append(routes, Route{
			Prefix:   prefix,
			Upstream: u,
			Params:   params,
		})
	}

	return &Resolver{routes: routes, tieBreak: tb}, nil
}

// Resolve scans the route table in declaration order and returns the
// winning match per the tie-break policy, or ok=false when no prefix
// matches. Prefix matches are path-segment-aligned: /api matches /api
// and /api/users but not /apiary.
func (r *Resolver) Resolve(path string) (Match, bool) {
	var match Match
	found := false

	for i := range r.routes {
		rt := &r.routes[i]
		remainder, ok := stripPrefix(path, rt.Prefix)
		if !ok {
			continue
		}
		if found && r.tieBreak == TieBreakFirst {
			continue
		}
		match = Match{Route: rt, Remainder: remainder}
		found = true
	}

	return match, found
}

// Len returns the number of configured routes.
func (r *Resolver) Len() int { return len(r.routes) }

// stripPrefix returns path with prefix removed when prefix is a
// segment-aligned prefix of path.
func stripPrefix(path, prefix string) (string, bool) {
	if prefix == "/" {
		return path, true
	}
	if path == prefix {
		return "", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}
