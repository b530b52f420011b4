// Package rewrite substitutes upstream origin references in textual
// response bodies with proxy-internal path prefixes, so that follow-up
// requests for embedded sub-resources flow back through the proxy.
package rewrite

import (
	"mime"
	"strings"
	"unicode/utf8"

	"mirror-proxy-go/internal/config"
)

// Rule replaces one literal upstream reference with an internal prefix.
// Substitution is literal string matching, not URL parsing; rules apply
// in declaration order, so longer literals that overlap shorter ones
// must be declared first.
type Rule struct {
	From string
	To   string
}

// Rewriter applies an ordered rule list to rewrite-eligible bodies.
// It is immutable after construction and safe for concurrent use.
type Rewriter struct {
	rules    []Rule
	types    map[string]bool
	maxBytes int64
}

// NewRewriter builds a Rewriter from configuration.
func NewRewriter(cfg *config.Config) *Rewriter {
	types := make(map[string]bool, len(cfg.Rewrite.ContentTypes))
	for _, t := range cfg.Rewrite.ContentTypes {
		types[strings.ToLower(t)] = true
	}

	rules := make([]Rule, 0, len(cfg.Rewrite.Rules))
	for _, r := range cfg.Rewrite.Rules {
		rules = append(rules, Rule{From: r.From, To: r.To})
	}

	return &Rewriter{
		rules:    rules,
		types:    types,
		maxBytes: cfg.Rewrite.MaxBodyBytes,
	}
}

// Eligible reports whether a response with the given Content-Type header
// value should be buffered and rewritten. Media type parameters
// (charset etc.) are ignored. Responses without a parseable media type
// are never eligible.
func (rw *Rewriter) Eligible(contentType string) bool {
	if len(rw.rules) == 0 || contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return rw.types[mediaType]
}

// MaxBodyBytes returns the buffering cap for eligible bodies.
func (rw *Rewriter) MaxBodyBytes() int64 { return rw.maxBytes }

// Outcome reports what Apply did with a body.
type Outcome int

const (
	// Unchanged means no rule literal occurred in the body.
	Unchanged Outcome = iota
	// Rewritten means at least one substitution was made.
	Rewritten
	// InvalidUTF8 means the body failed UTF-8 decoding and was left alone.
	InvalidUTF8
)

// Apply substitutes each rule's literal in order and returns the result.
// Bodies that are not valid UTF-8 despite their textual content type are
// returned unmodified: a rewrite failure must never turn into a broken
// response.
func (rw *Rewriter) Apply(body []byte) ([]byte, Outcome) {
	if !utf8.Valid(body) {
		return body, InvalidUTF8
	}

	s := string(body)
	changed := false
	for _, r := range rw.rules {
		if !strings.Contains(s, r.From) {
			continue
		}
		s = strings.ReplaceAll(s, r.From, r.To)
		changed = true
	}
	if !changed {
		return body, Unchanged
	}
	return []byte(s), Rewritten
}
