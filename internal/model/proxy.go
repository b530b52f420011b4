// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// RawQuery is kept as the original wire string so the client's own
// parameters are preserved verbatim, order and duplicates included.
type ProxyRequest struct {
	Ctx      context.Context
	Verb     Verb
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// canonicalVerbs is the closed set of verbs with defined forwarding semantics.
var canonicalVerbs = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodTrace:   true,
}

// bodylessVerbs never carry an outbound body, even if the inbound request had one.
var bodylessVerbs = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodDelete: true,
	http.MethodTrace:  true,
}

// Verb is an HTTP method tagged as either canonical or pass-through.
// Non-standard verbs are forwarded verbatim.
type Verb struct {
	raw       string
	canonical bool
}

// ParseVerb maps a raw method string onto the canonical verb set,
// falling back to a pass-through verb for anything else.
func ParseVerb(method string) Verb {
	return Verb{raw: method, canonical: canonicalVerbs[method]}
}

// String returns the wire-format method name.
func (v Verb) String() string { return v.raw }

// Canonical reports whether the verb is in the canonical set.
func (v Verb) Canonical() bool { return v.canonical }

// AllowsBody reports whether an outbound body is semantically meaningful
// for this verb. Pass-through verbs are always body-capable.
func (v Verb) AllowsBody() bool {
	if v.canonical {
		return !bodylessVerbs[v.raw]
	}
	return true
}
